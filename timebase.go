package scopeacq

import (
	"fmt"
	"math"
	"strings"
)

// TimeUnit is the unit of a time value exchanged with the device or the caller.
type TimeUnit int

// Names for the time units, with driver values.
const (
	Femtoseconds TimeUnit = iota
	Picoseconds
	Nanoseconds
	Microseconds
	Milliseconds
	Seconds
)

var timeUnitSeconds = [...]float64{1e-15, 1e-12, 1e-9, 1e-6, 1e-3, 1}
var timeUnitNames = [...]string{"fs", "ps", "ns", "us", "ms", "s"}

// Valid is true for the known units.
func (u TimeUnit) Valid() bool {
	return u >= Femtoseconds && u <= Seconds
}

// Seconds returns the length of one u in seconds.
func (u TimeUnit) Seconds() float64 {
	if !u.Valid() {
		return math.NaN()
	}
	return timeUnitSeconds[u]
}

func (u TimeUnit) String() string {
	if !u.Valid() {
		return fmt.Sprintf("TimeUnit(%d)", int(u))
	}
	return timeUnitNames[u]
}

// ParseTimeUnit converts "fs", "ps", "ns", "us", "ms" or "s" to a TimeUnit.
func ParseTimeUnit(s string) (TimeUnit, error) {
	for i, name := range timeUnitNames {
		if strings.EqualFold(name, s) {
			return TimeUnit(i), nil
		}
	}
	return 0, fmt.Errorf("unknown time unit %q", s)
}

// ConvertTime expresses v (in unit from) in unit to.
func ConvertTime(v float64, from, to TimeUnit) float64 {
	return v * from.Seconds() / to.Seconds()
}

// RateUnit is the unit of a requested sample rate.
type RateUnit int

// Names for the sample rate units.
const (
	Hz RateUnit = iota
	KHz
	MHz
	GHz
)

// PerSecond returns the size of one u in samples per second.
func (u RateUnit) PerSecond() float64 {
	return math.Pow(1000, float64(u))
}

// IntervalToTimebase resolves a requested interval to the nearest timebase of family f.
// It returns the timebase and its realized interval in seconds.
func IntervalToTimebase(f Family, res Resolution, interval float64, unit TimeUnit) (uint32, float64, error) {
	return f.Capabilities().NearestTimebase(interval*unit.Seconds(), res)
}

// SampleRateToTimebase resolves a requested sample rate to the nearest timebase of family f.
func SampleRateToTimebase(f Family, res Resolution, rate float64, unit RateUnit) (uint32, float64, error) {
	if !(rate > 0) {
		return 0, 0, newConfigError(ErrInvalidSamples, "sample rate %v", rate)
	}
	return f.Capabilities().NearestTimebase(1/(rate*unit.PerSecond()), res)
}

// SplitPretrigger divides samples into pre- and post-trigger counts.
// pre is floor(samples*percent/100) and pre+post == samples.
func SplitPretrigger(samples uint64, percent float64) (pre, post uint64, err error) {
	if percent < 0 || percent > 100 || math.IsNaN(percent) {
		return 0, 0, newConfigError(ErrInvalidSamples, "pretrigger percent %v is outside [0,100]", percent)
	}
	pre = uint64(math.Floor(float64(samples) * percent / 100))
	if pre > samples {
		pre = samples
	}
	return pre, samples - pre, nil
}
