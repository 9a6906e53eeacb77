package scopeacq

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ChannelID identifies an input channel.
type ChannelID int

// Names for the channels. ChannelA through ChannelH are analog inputs that
// can carry buffers; ChannelAux is a trigger-only input.
const (
	ChannelA ChannelID = iota
	ChannelB
	ChannelC
	ChannelD
	ChannelE
	ChannelF
	ChannelG
	ChannelH
	ChannelAux
)

// NumChannels is the number of analog channels that can hold buffers.
const NumChannels = 8

// Analog is true if id is one of the buffer-capable channels A..H.
func (id ChannelID) Analog() bool {
	return id >= ChannelA && id < NumChannels
}

func (id ChannelID) String() string {
	switch {
	case id.Analog():
		return string(rune('A' + int(id)))
	case id == ChannelAux:
		return "AUX"
	}
	return fmt.Sprintf("Channel(%d)", int(id))
}

// ParseChannel converts "A".."H" or "AUX" (any case) to a ChannelID.
func ParseChannel(s string) (ChannelID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "AUX" {
		return ChannelAux, nil
	}
	if len(s) == 1 && s[0] >= 'A' && s[0] < 'A'+NumChannels {
		return ChannelID(s[0] - 'A'), nil
	}
	return 0, newConfigError(ErrInvalidChannel, "unknown channel %q", s)
}

// Coupling is the input coupling of a channel.
type Coupling int

// Names for the couplings, with driver values.
const (
	CouplingAC      Coupling = 0
	CouplingDC      Coupling = 1
	CouplingDC50Ohm Coupling = 2
)

func (c Coupling) String() string {
	switch c {
	case CouplingAC:
		return "AC"
	case CouplingDC:
		return "DC"
	case CouplingDC50Ohm:
		return "DC50"
	}
	return fmt.Sprintf("Coupling(%d)", int(c))
}

// ChannelMap is a small map keyed by analog channel, stored as a fixed array.
// The zero value is an empty map.
type ChannelMap[T any] struct {
	present [NumChannels]bool
	values  [NumChannels]T
}

// Set stores v for channel id. Non-analog ids are ignored.
func (m *ChannelMap[T]) Set(id ChannelID, v T) {
	if !id.Analog() {
		return
	}
	m.present[id] = true
	m.values[id] = v
}

// Get returns the value for id and whether it is present.
func (m *ChannelMap[T]) Get(id ChannelID) (T, bool) {
	var zero T
	if !id.Analog() || !m.present[id] {
		return zero, false
	}
	return m.values[id], true
}

// Delete removes id from the map.
func (m *ChannelMap[T]) Delete(id ChannelID) {
	if !id.Analog() {
		return
	}
	var zero T
	m.present[id] = false
	m.values[id] = zero
}

// Channels returns the present channels in ascending order.
func (m *ChannelMap[T]) Channels() []ChannelID {
	ids := make([]ChannelID, 0, NumChannels)
	for i, ok := range m.present {
		if ok {
			ids = append(ids, ChannelID(i))
		}
	}
	return ids
}

// Len returns the number of present channels.
func (m *ChannelMap[T]) Len() int {
	n := 0
	for _, ok := range m.present {
		if ok {
			n++
		}
	}
	return n
}

// ChannelConfig is the record kept for one enabled channel.
type ChannelConfig struct {
	ID         ChannelID
	Range      Range
	Coupling   Coupling
	OffsetV    float64
	ProbeScale float64
}

// ChannelRegistry tracks the enabled channels of one session. A channel that
// is not in the registry is disabled.
type ChannelRegistry struct {
	channels ChannelMap[ChannelConfig]
	lock     sync.RWMutex // guards channels
}

// SetChannel enables (inserting or overwriting) or disables (removing) one channel.
func (reg *ChannelRegistry) SetChannel(id ChannelID, rng Range, enabled bool, coupling Coupling,
	offsetV float64, probeScale float64) error {
	if !id.Analog() {
		return newConfigError(ErrInvalidChannel, "channel %v cannot be configured as an input", id)
	}
	if !enabled {
		reg.lock.Lock()
		reg.channels.Delete(id)
		reg.lock.Unlock()
		return nil
	}
	if !rng.Valid() {
		return newConfigError(ErrInvalidRange, "range %v for channel %v", rng, id)
	}
	if probeScale < 1.0 {
		return newConfigError(ErrInvalidProbeScale, "probe scale %v for channel %v must be >= 1", probeScale, id)
	}
	if probeScale != 1.0 {
		log.Printf("Channel %v probe scale is x%g; conversions include it", id, probeScale)
	}
	reg.lock.Lock()
	defer reg.lock.Unlock()
	reg.channels.Set(id, ChannelConfig{ID: id, Range: rng, Coupling: coupling,
		OffsetV: offsetV, ProbeScale: probeScale})
	return nil
}

// Channel returns the record of id, if the channel is enabled.
func (reg *ChannelRegistry) Channel(id ChannelID) (ChannelConfig, bool) {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.channels.Get(id)
}

// EnabledChannels returns the enabled channels in ascending order.
func (reg *ChannelRegistry) EnabledChannels() []ChannelID {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.channels.Channels()
}

// EnabledFlags returns a bitmask of enabled channels, with channel A as the LSB.
func (reg *ChannelRegistry) EnabledFlags() uint32 {
	var flags uint32
	for _, id := range reg.EnabledChannels() {
		flags |= 1 << uint(id)
	}
	return flags
}

// Clear disables every channel.
func (reg *ChannelRegistry) Clear() {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	reg.channels = ChannelMap[ChannelConfig]{}
}

func (reg *ChannelRegistry) enabled(id ChannelID) (ChannelConfig, error) {
	cfg, ok := reg.Channel(id)
	if !ok {
		return cfg, newConfigError(ErrInvalidRange, "channel %v is not enabled", id)
	}
	return cfg, nil
}

// MvToCode converts mv to a raw code using the range and probe scale of an enabled channel.
func (reg *ChannelRegistry) MvToCode(id ChannelID, mv float64, lim ADCLimits) (int64, error) {
	cfg, err := reg.enabled(id)
	if err != nil {
		return 0, err
	}
	return MvToCode(mv, cfg.Range, cfg.ProbeScale, lim), nil
}

// CodeToMv converts a raw code of an enabled channel to millivolts.
func (reg *ChannelRegistry) CodeToMv(id ChannelID, code int64, lim ADCLimits) (float64, error) {
	cfg, err := reg.enabled(id)
	if err != nil {
		return 0, err
	}
	return CodeToMv(code, cfg.Range, cfg.ProbeScale, lim), nil
}

// CodesToMv converts raw codes of an enabled channel to millivolts.
func (reg *ChannelRegistry) CodesToMv(id ChannelID, codes []int64, lim ADCLimits) ([]float64, error) {
	cfg, err := reg.enabled(id)
	if err != nil {
		return nil, err
	}
	return CodesToMv(codes, cfg.Range, cfg.ProbeScale, lim), nil
}

// YLim returns the display limits of the widest enabled channel, including its probe scale.
func (reg *ChannelRegistry) YLim(unit VoltUnit) (float64, float64, error) {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	ids := reg.channels.Channels()
	if len(ids) == 0 {
		return 0, 0, newConfigError(ErrInvalidRange, "no channels are enabled")
	}
	spans := make([]float64, len(ids))
	for i, id := range ids {
		cfg, _ := reg.channels.Get(id)
		spans[i] = cfg.Range.FullScaleMV() * cfg.ProbeScale
	}
	widest := floats.Max(spans) * unit.PerMillivolt()
	return -widest, widest, nil
}
