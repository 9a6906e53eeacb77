package scopeacq

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeadSamplesWraps(t *testing.T) {
	var tests = []struct {
		prev, curr uint64
		actual     uint64
		mask       uint64
		want       int64
	}{
		{1000, 1200, 100, DefaultCounterMask, 100},
		{100, 50, 6, 0xFF, 200},
		{0xF0, 0x10, 0x20, 0xFF, 0},
		{500, 520, 30, DefaultCounterMask, -10},
	}
	for _, test := range tests {
		got := DeadSamples(TriggerInfo{TimeStampCounter: test.prev}, TriggerInfo{TimeStampCounter: test.curr},
			test.actual, test.mask)
		if got != test.want {
			t.Errorf("DeadSamples(%d, %d, %d, 0x%X) = %d, want %d", test.prev, test.curr, test.actual,
				test.mask, got, test.want)
		}
	}
	dt := DeadTime(TriggerInfo{TimeStampCounter: 0}, TriggerInfo{TimeStampCounter: 300}, 100, 0xFFFF, 1e-9)
	assert.InDelta(t, 200e-9, dt, 1e-15)
}

func TestCorrelate(t *testing.T) {
	cor := &Correlator{Mask: DefaultCounterMask, Interval: 1e-9, SegmentLength: 100}
	var infos []TriggerInfo
	var offsets []TimeOffset
	for i := range 4 {
		infos = append(infos, TriggerInfo{SegmentIndex: uint64(i), TimeStampCounter: 1000 + 200*uint64(i)})
		offsets = append(offsets, TimeOffset{Value: 500 * int64(i), Unit: Picoseconds})
	}
	infos[2].MissedTriggers = 3

	report := cor.Correlate(infos, offsets, Nanoseconds)
	assert.Len(t, report.Segments, 4)
	assert.Equal(t, int64(0), report.Segments[0].DeadSamples)
	for _, st := range report.Segments[1:] {
		assert.Equal(t, int64(100), st.DeadSamples)
		assert.InDelta(t, 100e-9, st.DeadTime, 1e-15)
	}
	assert.InDelta(t, 100e-9, report.DeadTimeMean, 1e-15)
	assert.InDelta(t, 0, report.DeadTimeStd, 1e-15)
	assert.InDelta(t, 0.75, report.OffsetMean, 1e-12)
	assert.InDelta(t, math.Sqrt(1.25/3), report.OffsetJitter, 1e-12)
	assert.Equal(t, uint64(3), report.MissedTrigger)

	// A zero offset is far below a tenth of a sample: flagged, but kept.
	assert.True(t, report.Segments[0].Unreliable)
	assert.Equal(t, 0.0, report.Segments[0].Offset)
	assert.False(t, report.Segments[1].Unreliable)
	assert.InDelta(t, 0.5, report.Segments[1].Offset, 1e-12)
}

func TestCorrelateShortInputs(t *testing.T) {
	cor := &Correlator{Mask: DefaultCounterMask, Interval: 1e-9, SegmentLength: 100}
	report := cor.Correlate([]TriggerInfo{{TimeStampCounter: 5}}, nil, Nanoseconds)
	assert.True(t, math.IsNaN(report.DeadTimeMean))
	assert.True(t, math.IsNaN(report.OffsetJitter))
	assert.Nil(t, cor.DeadTimes(nil))

	report = cor.Correlate([]TriggerInfo{{TimeStampCounter: 0}, {TimeStampCounter: 150}}, nil, Nanoseconds)
	assert.InDelta(t, 50e-9, report.DeadTimeMean, 1e-15)
	assert.Equal(t, 0.0, report.DeadTimeStd)
}
