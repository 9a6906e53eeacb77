package scopeacq

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// DeadSamples returns the number of sample periods between the end of the
// capture described by prev and the trigger of curr. The counter difference is
// masked before the segment length is subtracted, so counter wraparound is
// harmless. The result is negative if the counters are inconsistent with
// actualSamples.
func DeadSamples(prev, curr TriggerInfo, actualSamples uint64, mask uint64) int64 {
	diff := (curr.TimeStampCounter - prev.TimeStampCounter) & mask
	return int64(diff) - int64(actualSamples)
}

// DeadTime is DeadSamples expressed in seconds, given the realized sample interval.
func DeadTime(prev, curr TriggerInfo, actualSamples uint64, mask uint64, intervalS float64) float64 {
	return float64(DeadSamples(prev, curr, actualSamples, mask)) * intervalS
}

// SegmentTiming is the timing of one rapid-block segment.
type SegmentTiming struct {
	Segment     uint64
	Timestamp   uint64
	DeadSamples int64   // relative to the previous segment; 0 for the first
	DeadTime    float64 // seconds
	Offset      float64 // trigger offset in the report's unit, as reported
	Unreliable  bool    // offset is below a tenth of the sample period
}

// TimingReport collects the per-segment timing of a rapid-block capture.
type TimingReport struct {
	Unit          TimeUnit
	Interval      float64 // seconds per raw sample
	Segments      []SegmentTiming
	DeadTimeMean  float64 // seconds; NaN with fewer than two segments
	DeadTimeStd   float64
	OffsetMean    float64 // in Unit
	OffsetJitter  float64 // standard deviation of the offsets, in Unit
	MissedTrigger uint64
}

// Correlator reconciles device trigger timestamps and offsets with the nominal sample clock.
type Correlator struct {
	Mask          uint64  // width of the hardware timestamp counter
	Interval      float64 // realized raw sample interval in seconds
	SegmentLength uint64  // raw samples per segment
}

// DeadTimes returns the dead time in seconds between each pair of consecutive records.
func (cor *Correlator) DeadTimes(infos []TriggerInfo) []float64 {
	if len(infos) < 2 {
		return nil
	}
	out := make([]float64, len(infos)-1)
	for i := 1; i < len(infos); i++ {
		out[i-1] = DeadTime(infos[i-1], infos[i], cor.SegmentLength, cor.Mask, cor.Interval)
	}
	return out
}

// Correlate builds a TimingReport from trigger records and offsets (either may
// be shorter than the other; offsets are optional). Offsets are converted to
// unit but otherwise passed through.
func (cor *Correlator) Correlate(infos []TriggerInfo, offsets []TimeOffset, unit TimeUnit) *TimingReport {
	report := &TimingReport{
		Unit:         unit,
		Interval:     cor.Interval,
		DeadTimeMean: math.NaN(),
		DeadTimeStd:  math.NaN(),
		OffsetMean:   math.NaN(),
		OffsetJitter: math.NaN(),
	}
	threshold := cor.Interval / 10
	var offsetValues []float64
	for i, info := range infos {
		st := SegmentTiming{Segment: info.SegmentIndex, Timestamp: info.TimeStampCounter}
		if i > 0 {
			st.DeadSamples = DeadSamples(infos[i-1], info, cor.SegmentLength, cor.Mask)
			st.DeadTime = float64(st.DeadSamples) * cor.Interval
		}
		if i < len(offsets) {
			st.Offset = ConvertTime(float64(offsets[i].Value), offsets[i].Unit, unit)
			st.Unreliable = math.Abs(offsets[i].Seconds()) < threshold
			offsetValues = append(offsetValues, st.Offset)
		}
		report.MissedTrigger += info.MissedTriggers
		report.Segments = append(report.Segments, st)
	}
	if dead := cor.DeadTimes(infos); len(dead) > 1 {
		report.DeadTimeMean, report.DeadTimeStd = stat.MeanStdDev(dead, nil)
	} else if len(dead) == 1 {
		report.DeadTimeMean, report.DeadTimeStd = dead[0], 0
	}
	if len(offsetValues) > 1 {
		report.OffsetMean, report.OffsetJitter = stat.MeanStdDev(offsetValues, nil)
	} else if len(offsetValues) == 1 {
		report.OffsetMean, report.OffsetJitter = offsetValues[0], 0
	}
	return report
}

// Timing reads the trigger records and offsets of a Drained capture and
// correlates them. mask is the width of the timestamp counter.
func (c *BlockCapture) Timing(mask uint64, unit TimeUnit) (*TimingReport, error) {
	infos, err := c.TriggerInfo()
	if err != nil {
		return nil, err
	}
	offsets, err := c.TriggerTimeOffsets()
	if err != nil {
		return nil, err
	}
	cor := &Correlator{Mask: mask, Interval: c.interval, SegmentLength: c.cfg.Samples}
	return cor.Correlate(infos, offsets, unit), nil
}
