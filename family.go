package scopeacq

import (
	"fmt"
	"math"
	"strings"
)

// Family identifies a device family. Families differ in their timebase grid,
// supported data types and actions, and how they spell raw readout.
type Family int

// Names for the supported families.
const (
	PS6000A Family = iota
	PS5000A
)

func (f Family) String() string {
	return f.Capabilities().Name
}

// ParseFamily converts "ps6000a" or "ps5000a" (any case) to a Family.
func ParseFamily(s string) (Family, error) {
	for _, f := range []Family{PS6000A, PS5000A} {
		if strings.EqualFold(f.String(), s) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown device family %q", s)
}

// Capabilities is the per-family capability table.
type Capabilities struct {
	Name        string
	DataTypes   []DataType
	Actions     Action    // the action flags callers may request; releasing one buffer always works
	RawMode     RatioMode // how the family spells raw readout
	Resolutions []Resolution
	MaxTimebase uint32

	interval    func(n uint32, res Resolution) float64 // seconds, or NaN below the minimum timebase
	minTimebase func(res Resolution) uint32
	adcMax      func(res Resolution) int64
}

var capabilityTable = map[Family]*Capabilities{
	PS6000A: {
		Name:        "ps6000a",
		DataTypes:   []DataType{Int8, Int16, Int32, Uint32, Int64},
		Actions:     ActionClearAll | ActionAdd | ActionClearThisDataBuffer | ActionClearWaveformDataBuffers | ActionClearWaveformReadDataBuffers,
		RawMode:     RatioRaw,
		Resolutions: []Resolution{Res8Bit, Res10Bit, Res12Bit},
		MaxTimebase: math.MaxUint32,
		interval: func(n uint32, res Resolution) float64 {
			if n <= 4 {
				return math.Exp2(float64(n)) / 5e9
			}
			return float64(n-4) / 156.25e6
		},
		minTimebase: func(res Resolution) uint32 { return 0 },
		adcMax: func(res Resolution) int64 {
			switch res {
			case Res10Bit:
				return 32704
			case Res12Bit:
				return 32736
			}
			return 32512
		},
	},
	PS5000A: {
		Name:        "ps5000a",
		DataTypes:   []DataType{Int16},
		Actions:     ActionClearAll | ActionAdd,
		RawMode:     RatioNone,
		Resolutions: []Resolution{Res8Bit, Res12Bit, Res14Bit, Res15Bit, Res16Bit},
		MaxTimebase: math.MaxUint32,
		interval:    ps5000aInterval,
		minTimebase: func(res Resolution) uint32 {
			switch res {
			case Res12Bit:
				return 1
			case Res14Bit, Res15Bit:
				return 3
			case Res16Bit:
				return 4
			}
			return 0
		},
		adcMax: func(res Resolution) int64 {
			if res == Res8Bit {
				return 32512
			}
			return 32767
		},
	},
}

func ps5000aInterval(n uint32, res Resolution) float64 {
	switch res {
	case Res12Bit:
		if n < 1 {
			return math.NaN()
		}
		if n <= 3 {
			return math.Exp2(float64(n-1)) / 500e6
		}
		return float64(n-3) / 62.5e6
	case Res14Bit, Res15Bit:
		if n < 3 {
			return math.NaN()
		}
		return float64(n-2) / 125e6
	case Res16Bit:
		if n < 4 {
			return math.NaN()
		}
		return float64(n-3) / 62.5e6
	}
	if n <= 2 {
		return math.Exp2(float64(n)) / 1e9
	}
	return float64(n-2) / 125e6
}

// Capabilities returns the capability table entry of f.
func (f Family) Capabilities() *Capabilities {
	if c, ok := capabilityTable[f]; ok {
		return c
	}
	return capabilityTable[PS6000A]
}

// SupportsResolution is true if res is one of the family's resolutions.
func (c *Capabilities) SupportsResolution(res Resolution) bool {
	for _, r := range c.Resolutions {
		if r == res {
			return true
		}
	}
	return false
}

// ADCLimits returns the raw code limits at resolution res.
func (c *Capabilities) ADCLimits(res Resolution) (ADCLimits, error) {
	if !c.SupportsResolution(res) {
		return ADCLimits{}, newConfigError(ErrInvalidResolution, "%s does not support %v", c.Name, res)
	}
	max := c.adcMax(res)
	return ADCLimits{Min: -max, Max: max}, nil
}

// CheckDataType returns a configuration error if the family cannot store dt.
func (c *Capabilities) CheckDataType(dt DataType) error {
	for _, d := range c.DataTypes {
		if d == dt {
			return nil
		}
	}
	return newConfigError(ErrUnsupportedDataType, "%s does not support data type %v", c.Name, dt)
}

// DriverRatioMode returns the family's spelling of mode m.
func (c *Capabilities) DriverRatioMode(m RatioMode) RatioMode {
	if m.IsRaw() {
		return c.RawMode
	}
	return m
}

// DriverAction maps an action onto one the family accepts. The second value is
// false if the action had to be changed.
func (c *Capabilities) DriverAction(a Action) (Action, bool) {
	if a&^c.Actions == 0 {
		return a, true
	}
	if a.Clears() {
		return ActionClearAll | a&ActionAdd, false
	}
	return ActionAdd, false
}

// Interval returns the sample interval in seconds realized by timebase n at resolution res.
func (c *Capabilities) Interval(n uint32, res Resolution) (float64, error) {
	var iv float64
	if n >= c.minTimebase(res) && n <= c.MaxTimebase {
		iv = c.interval(n, res)
	}
	if !(iv > 0) {
		return 0, newConfigError(ErrInvalidTimebase, "%s timebase %d at %v", c.Name, n, res)
	}
	return iv, nil
}

// MinimumTimebase returns the fastest timebase at resolution res and its interval in seconds.
func (c *Capabilities) MinimumTimebase(res Resolution) (uint32, float64) {
	n := c.minTimebase(res)
	return n, c.interval(n, res)
}

// NearestTimebase returns the timebase whose realized interval is closest to
// intervalS seconds, and that interval. Ties go to the faster timebase.
// Requests outside the grid resolve to its nearest end.
func (c *Capabilities) NearestTimebase(intervalS float64, res Resolution) (uint32, float64, error) {
	if !(intervalS > 0) || math.IsInf(intervalS, 0) {
		return 0, 0, newConfigError(ErrInvalidSamples, "sample interval %v s", intervalS)
	}
	lo := c.minTimebase(res)
	hi := c.MaxTimebase
	f := func(n uint32) float64 { return c.interval(n, res) }
	if intervalS <= f(lo) {
		return lo, f(lo), nil
	}
	if intervalS >= f(hi) {
		return hi, f(hi), nil
	}
	// Find the first n with f(n) >= intervalS. The grid is strictly increasing.
	for lo < hi {
		mid := lo + (hi-lo)/2
		if f(mid) < intervalS {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	above := lo
	below := lo - 1
	if intervalS-f(below) <= f(above)-intervalS {
		return below, f(below), nil
	}
	return above, f(above), nil
}
