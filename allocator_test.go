package scopeacq

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestAllocator(t *testing.T, f Family, res Resolution, channels ...ChannelID) (*SimulatedDevice, *BufferAllocator) {
	t.Helper()
	sim := NewSimulatedDevice(f)
	if err := sim.Open("", res); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	reg := &ChannelRegistry{}
	for _, ch := range channels {
		if err := reg.SetChannel(ch, Range1V, true, CouplingDC, 0, 1); err != nil {
			t.Fatalf("SetChannel(%v) failed: %v", ch, err)
		}
	}
	return sim, newBufferAllocator(sim, reg, nil)
}

func TestAllocateForEnabledChannels(t *testing.T) {
	sim, alloc := newTestAllocator(t, PS6000A, Res8Bit, ChannelC, ChannelA, ChannelB)
	bufs, err := alloc.AllocateForEnabledChannels(100, Int16, RatioRaw, 0)
	if err != nil {
		t.Fatalf("AllocateForEnabledChannels failed: %v", err)
	}
	assert.Equal(t, []ChannelID{ChannelA, ChannelB, ChannelC}, bufs.Channels())
	assert.Equal(t, 3, alloc.Registered())

	regs := sim.Registrations()
	if len(regs) != 4 {
		t.Fatalf("saw %d registrations, want 4 (one clear and three adds)", len(regs))
	}
	assert.Equal(t, ActionClearAll, regs[0].Action)
	assert.Nil(t, regs[0].Buffer)
	for i, ch := range []ChannelID{ChannelA, ChannelB, ChannelC} {
		r := regs[i+1]
		assert.Equal(t, ch, r.Channel)
		assert.Equal(t, ActionAdd, r.Action)
		assert.Equal(t, RoleData, r.Role)
		cb, _ := bufs.Get(ch)
		assert.Equal(t, 100, cb.Len())
		assert.True(t, r.Buffer == cb.Data, "registration %d does not carry the allocated buffer", i+1)
		for _, c := range cb.Data.Codes() {
			if c != 0 {
				t.Fatalf("channel %v buffer is not zeroed", ch)
			}
		}
	}
}

func TestAllocateAggregatePair(t *testing.T) {
	sim, alloc := newTestAllocator(t, PS6000A, Res8Bit, ChannelA)
	cb, err := alloc.Allocate(ChannelA, 50, Int16, RatioAggregate, ActionAdd, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	assert.Nil(t, cb.Data)
	assert.Equal(t, 50, cb.Max.Len())
	assert.Equal(t, 50, cb.Min.Len())
	regs := sim.Registrations()
	assert.Len(t, regs, 2)
	assert.Equal(t, RoleMax, regs[0].Role)
	assert.Equal(t, RoleMin, regs[1].Role)
	assert.Equal(t, ActionAdd, regs[1].Action)
}

func TestAllocateAggregateRollback(t *testing.T) {
	sim, alloc := newTestAllocator(t, PS6000A, Res8Bit, ChannelA)
	// The max half registers; the min half is refused.
	sim.InjectStatus("RegisterBuffer", 1, StatusInvalidParameter)
	cb, err := alloc.Allocate(ChannelA, 50, Int16, RatioAggregate, ActionAdd, 0)
	assert.Nil(t, cb)
	var fault *DeviceFault
	if !errors.As(err, &fault) || fault.Code != StatusInvalidParameter {
		t.Fatalf("Allocate error = %v, want an InvalidParameter fault", err)
	}
	regs := sim.Registrations()
	last := regs[len(regs)-1]
	assert.Equal(t, ActionClearThisDataBuffer, last.Action)
	assert.Equal(t, RoleMax, last.Role)
	assert.True(t, last.Buffer == regs[0].Buffer, "rollback must release the max half that was registered")
	assert.Equal(t, 0, alloc.Registered())
}

func TestAllocateReplacesOld(t *testing.T) {
	sim, alloc := newTestAllocator(t, PS6000A, Res8Bit, ChannelA)
	first, err := alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.NoError(t, err)
	second, err := alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.NoError(t, err)
	assert.False(t, first.Data == second.Data, "a replacement must not reuse storage")
	assert.Equal(t, 1, alloc.Registered())
	got, ok := alloc.Buffer(ChannelA, 0, RatioRaw)
	assert.True(t, ok)
	assert.True(t, got == second)

	regs := sim.Registrations()
	assert.Len(t, regs, 3)
	assert.Equal(t, ActionClearThisDataBuffer, regs[1].Action)
	assert.True(t, regs[1].Buffer == first.Data)

	// A second segment is a separate key.
	_, err = alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 1)
	assert.NoError(t, err)
	assert.Equal(t, 2, alloc.Registered())
}

func TestAllocateZeroSamples(t *testing.T) {
	sim, alloc := newTestAllocator(t, PS6000A, Res8Bit, ChannelA)
	_, err := alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.NoError(t, err)
	cb, err := alloc.Allocate(ChannelA, 0, Int16, RatioRaw, ActionClearThisDataBuffer, 0)
	assert.NoError(t, err)
	assert.Nil(t, cb)
	assert.Equal(t, 0, alloc.Registered())
	regs := sim.Registrations()
	assert.Equal(t, ActionClearThisDataBuffer, regs[len(regs)-1].Action)

	_, err = alloc.Allocate(ChannelA, 0, Int16, RatioRaw, ActionAdd, 0)
	assert.ErrorIs(t, err, ErrInvalidSamples)
	_, err = alloc.Allocate(ChannelA, -5, Int16, RatioRaw, ActionAdd, 0)
	assert.ErrorIs(t, err, ErrInvalidSamples)
	_, err = alloc.Allocate(ChannelB, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestAllocateRefusedInFlight(t *testing.T) {
	_, alloc := newTestAllocator(t, PS6000A, Res8Bit, ChannelA)
	alloc.setInFlight(true)
	assert.True(t, alloc.InFlight())
	_, err := alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.ErrorIs(t, err, ErrBadState)
	_, err = alloc.AllocateSegments(10, Int16, RatioRaw, 0, 2)
	assert.ErrorIs(t, err, ErrBadState)
	assert.ErrorIs(t, alloc.Clear(), ErrBadState)
	alloc.setInFlight(false)
	_, err = alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.NoError(t, err)
}

func TestAllocatePS5000A(t *testing.T) {
	sim, alloc := newTestAllocator(t, PS5000A, Res12Bit, ChannelA, ChannelB)
	_, err := alloc.Allocate(ChannelA, 10, Int32, RatioRaw, ActionAdd, 0)
	assert.ErrorIs(t, err, ErrUnsupportedDataType)
	assert.Empty(t, sim.Registrations())

	cb, err := alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.NoError(t, err)
	regs := sim.Registrations()
	assert.Equal(t, RatioNone, regs[0].Mode)
	assert.Equal(t, RatioRaw, cb.Mode)

	// Clearing waveform buffers is not available, so the request widens to a full clear.
	_, err = alloc.Allocate(ChannelB, 10, Int16, RatioRaw, ActionClearWaveformDataBuffers, 0)
	assert.NoError(t, err)
	regs = sim.Registrations()
	assert.Equal(t, ActionClearAll|ActionAdd, regs[len(regs)-1].Action)
	assert.Equal(t, 1, alloc.Registered())
}

func TestAllocateSegments(t *testing.T) {
	_, alloc := newTestAllocator(t, PS6000A, Res8Bit, ChannelA, ChannelD)
	segs, err := alloc.AllocateSegments(20, Int8, RatioRaw, 3, 4)
	if err != nil {
		t.Fatalf("AllocateSegments failed: %v", err)
	}
	assert.Len(t, segs, 4)
	for i, m := range segs {
		for _, ch := range []ChannelID{ChannelA, ChannelD} {
			cb, ok := m.Get(ch)
			assert.True(t, ok)
			assert.Equal(t, uint64(3+i), cb.Segment)
			assert.Equal(t, Int8, cb.Data.DataType())
		}
	}
	assert.Equal(t, 8, alloc.Registered())
	assert.NoError(t, alloc.Clear())
	assert.Equal(t, 0, alloc.Registered())

	_, err = alloc.AllocateSegments(0, Int8, RatioRaw, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidSamples)
}

func TestReaddRollbackFailureIsLogged(t *testing.T) {
	sim, alloc := newTestAllocator(t, PS6000A, Res8Bit, ChannelA)
	var logged bytes.Buffer
	saved := ProblemLogger
	ProblemLogger = log.New(&logged, "", 0)
	defer func() { ProblemLogger = saved }()

	cb, err := alloc.Allocate(ChannelA, 20, Int16, RatioAggregate, ActionAdd, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	// reregister clears both halves and adds them again. The add of the min
	// half (4th call) and the release of the max half after it (5th) both fail.
	sim.InjectStatus("RegisterBuffer", 3, StatusInvalidParameter)
	sim.InjectStatus("RegisterBuffer", 3, StatusInvalidParameter)
	err = alloc.reregister(cb)
	var fault *DeviceFault
	if !errors.As(err, &fault) || fault.Code != StatusInvalidParameter {
		t.Fatalf("reregister error = %v, want an InvalidParameter fault", err)
	}
	if !strings.Contains(logged.String(), "Could not release the max buffer of A") {
		t.Errorf("problem log = %q, want it to report the failed release", logged.String())
	}
}

func TestReleaseFailureKeepsRecord(t *testing.T) {
	sim := NewSimulatedDevice(PS6000A)
	if err := sim.Open("", Res8Bit); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	reg := &ChannelRegistry{}
	assert.NoError(t, reg.SetChannel(ChannelA, Range1V, true, CouplingDC, 0, 1))
	refused := errors.New("warning refused")
	alloc := newBufferAllocator(sim, reg, func(*DeviceWarning) error { return refused })

	old, err := alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	// The clear of the old buffer, needed to replace it, reports a warning
	// that is not accepted.
	sim.InjectStatus("RegisterBuffer", 0, StatusPowerSupplyNotConnected)
	_, err = alloc.Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.ErrorIs(t, err, refused)
	kept, ok := alloc.Buffer(ChannelA, 0, RatioRaw)
	if !ok || kept != old {
		t.Errorf("Buffer(A) after a failed release = %v, %v; want the old buffer", kept, ok)
	}
	assert.Equal(t, 1, alloc.Registered())
}
