package scopeacq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Range selects one of the discrete input voltage ranges.
type Range int

// Names for the possible values of Range, in increasing full-scale order.
const (
	Range10mV Range = iota
	Range20mV
	Range50mV
	Range100mV
	Range200mV
	Range500mV
	Range1V
	Range2V
	Range5V
	Range10V
	Range20V
	Range50V
)

var rangeFullScaleMV = [...]float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 20000, 50000}

var rangeNames = [...]string{"10mV", "20mV", "50mV", "100mV", "200mV", "500mV",
	"1V", "2V", "5V", "10V", "20V", "50V"}

// Valid is true if r is one of the known ranges.
func (r Range) Valid() bool {
	return r >= Range10mV && r <= Range50V
}

// FullScaleMV returns the full-scale voltage of r in millivolts.
func (r Range) FullScaleMV() float64 {
	if !r.Valid() {
		return math.NaN()
	}
	return rangeFullScaleMV[r]
}

func (r Range) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Range(%d)", int(r))
	}
	return rangeNames[r]
}

// ParseRange converts a name like "1V" or "50mV" into a Range.
func ParseRange(s string) (Range, error) {
	for i, name := range rangeNames {
		if name == s {
			return Range(i), nil
		}
	}
	return 0, newConfigError(ErrInvalidRange, "unknown voltage range %q", s)
}

// Resolution is the device-wide ADC bit depth.
type Resolution int

// Names for the supported resolutions. The value is the bit depth.
const (
	Res8Bit  Resolution = 8
	Res10Bit Resolution = 10
	Res12Bit Resolution = 12
	Res14Bit Resolution = 14
	Res15Bit Resolution = 15
	Res16Bit Resolution = 16
)

// DriverCode returns the enumeration value that vendor drivers use for r.
func (r Resolution) DriverCode() int {
	switch r {
	case Res8Bit:
		return 0
	case Res10Bit:
		return 10
	case Res12Bit:
		return 1
	case Res14Bit:
		return 2
	case Res15Bit:
		return 3
	case Res16Bit:
		return 4
	}
	return -1
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dbit", int(r))
}

// ADCLimits holds the most negative and most positive raw codes of an open session.
type ADCLimits struct {
	Min int64
	Max int64
}

// Valid is true if the limits describe a usable (nonzero, ordered) code span.
func (lim ADCLimits) Valid() bool {
	return lim.Max > 0 && lim.Min < 0
}

// LSB returns the size in millivolts of one raw code step on range r.
func (lim ADCLimits) LSB(r Range, probeScale float64) float64 {
	return r.FullScaleMV() * probeScale / float64(lim.Max)
}

func (lim ADCLimits) clamp(code int64) int64 {
	if code > lim.Max {
		return lim.Max
	}
	if code < lim.Min {
		return lim.Min
	}
	return code
}

// MvToCode converts a voltage (in mV at the probe tip) to the nearest raw ADC code.
// Codes beyond the ADC limits are clamped to the limits.
func MvToCode(mv float64, r Range, probeScale float64, lim ADCLimits) int64 {
	code := math.Round((mv / probeScale) / r.FullScaleMV() * float64(lim.Max))
	return lim.clamp(int64(code))
}

// CodeToMv converts a raw ADC code to a voltage in mV at the probe tip.
func CodeToMv(code int64, r Range, probeScale float64, lim ADCLimits) float64 {
	return float64(code) / float64(lim.Max) * r.FullScaleMV() * probeScale
}

// CodesToMv converts a slice of raw codes to millivolts.
func CodesToMv(codes []int64, r Range, probeScale float64, lim ADCLimits) []float64 {
	mv := make([]float64, len(codes))
	for i, c := range codes {
		mv[i] = float64(c)
	}
	floats.Scale(r.FullScaleMV()*probeScale/float64(lim.Max), mv)
	return mv
}

// Midpoint combines an aggregate (min, max) pair into a single trace. The two
// inputs must have equal length.
func Midpoint(min, max []float64) []float64 {
	mid := make([]float64, len(min))
	floats.AddTo(mid, min, max)
	floats.Scale(0.5, mid)
	return mid
}

// VoltUnit selects the unit of voltages presented to callers.
type VoltUnit int

// Names for the voltage units.
const (
	Millivolts VoltUnit = iota
	Volts
)

// PerMillivolt returns how many of this unit make one millivolt.
func (u VoltUnit) PerMillivolt() float64 {
	if u == Volts {
		return 1e-3
	}
	return 1
}

func (u VoltUnit) String() string {
	if u == Volts {
		return "V"
	}
	return "mV"
}
