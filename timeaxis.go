package scopeacq

import "math"

// TimeAxis returns the times of the samples of one capture, in unit, with the
// trigger at zero. interval is the raw sample interval in seconds. A downsampled
// capture of samples raw samples has ceil(samples/ratio) points spaced
// ratio*interval apart.
func TimeAxis(samples uint64, interval float64, ratio uint64, unit TimeUnit, pretrigPercent float64) []float64 {
	ratio = max(ratio, 1)
	n := (samples + ratio - 1) / ratio
	step := ConvertTime(interval, Seconds, unit)
	shift := float64(samples) * step * pretrigPercent / 100
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = float64(i)*step*float64(ratio) - shift
	}
	return axis
}

// RealignDownsampled places downsampled values on the raw sample grid of total
// samples. Raw samples without a value are NaN. Decimated values sit at the
// first raw sample of their window and averaged values at its middle.
func RealignDownsampled(data []float64, ratio uint64, mode RatioMode, total uint64) []float64 {
	out := make([]float64, total)
	for i := range out {
		out[i] = math.NaN()
	}
	ratio = max(ratio, 1)
	offset := uint64(0)
	if mode == RatioAverage {
		offset = ratio / 2
	}
	for i, v := range data {
		pos := uint64(i)*ratio + offset
		if pos >= total {
			break
		}
		out[pos] = v
	}
	return out
}
