package scopeacq

import (
	"fmt"
	"strings"

	"github.com/usnistgov/scopeacq/getbytes"
)

// DataType is the integer type of raw samples stored in a buffer.
type DataType int

// Names for the data types, with driver values.
const (
	Int8   DataType = 0
	Int16  DataType = 1
	Int32  DataType = 2
	Uint32 DataType = 3
	Int64  DataType = 4
)

func (dt DataType) String() string {
	switch dt {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	}
	return fmt.Sprintf("DataType(%d)", int(dt))
}

// ParseDataType converts a name like "int16" into a DataType.
func ParseDataType(s string) (DataType, error) {
	for _, dt := range []DataType{Int8, Int16, Int32, Uint32, Int64} {
		if strings.EqualFold(dt.String(), s) {
			return dt, nil
		}
	}
	return 0, newConfigError(ErrUnsupportedDataType, "unknown data type %q", s)
}

// RatioMode is the downsampling strategy applied during readout. The value is a driver bit flag.
type RatioMode uint32

// Names for the ratio modes. RatioNone is the ps5000a spelling of raw readout.
const (
	RatioNone                   RatioMode = 0
	RatioAggregate              RatioMode = 1
	RatioDecimate               RatioMode = 2
	RatioAverage                RatioMode = 4
	RatioDistribution           RatioMode = 8
	RatioSum                    RatioMode = 16
	RatioTriggerDataForTimeCalc RatioMode = 0x10000000
	RatioSegmentHeader          RatioMode = 0x20000000
	RatioTrigger                RatioMode = 0x40000000
	RatioRaw                    RatioMode = 0x80000000
)

var ratioModeNames = map[RatioMode]string{
	RatioNone:                   "none",
	RatioAggregate:              "aggregate",
	RatioDecimate:               "decimate",
	RatioAverage:                "average",
	RatioDistribution:           "distribution",
	RatioSum:                    "sum",
	RatioTriggerDataForTimeCalc: "trigger_data_for_time_calc",
	RatioSegmentHeader:          "segment_header",
	RatioTrigger:                "trigger",
	RatioRaw:                    "raw",
}

func (m RatioMode) String() string {
	if name, ok := ratioModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("RatioMode(0x%X)", uint32(m))
}

// ParseRatioMode converts a name like "aggregate" into a RatioMode.
func ParseRatioMode(s string) (RatioMode, error) {
	for m, name := range ratioModeNames {
		if strings.EqualFold(name, s) {
			return m, nil
		}
	}
	return 0, newConfigError(ErrInvalidRatioMode, "unknown ratio mode %q", s)
}

// IsRaw is true for modes that read samples without downsampling.
func (m RatioMode) IsRaw() bool {
	return m == RatioRaw || m == RatioNone
}

// Downsampled is true for modes that combine `ratio` raw samples per output sample.
func (m RatioMode) Downsampled() bool {
	switch m {
	case RatioAggregate, RatioDecimate, RatioAverage, RatioDistribution, RatioSum:
		return true
	}
	return false
}

// CheckRatio returns a configuration error if ratio is not meaningful for mode m.
func CheckRatio(m RatioMode, ratio uint64) error {
	switch {
	case m.IsRaw():
		if ratio > 1 {
			return newConfigError(ErrInvalidRatioMode, "ratio %d requires a downsampling mode, not %v", ratio, m)
		}
	case m.Downsampled():
		if ratio < 1 {
			return newConfigError(ErrInvalidRatioMode, "mode %v requires a ratio of at least 1", m)
		}
	case m == RatioTrigger, m == RatioTriggerDataForTimeCalc, m == RatioSegmentHeader:
	default:
		return newConfigError(ErrInvalidRatioMode, "unknown ratio mode 0x%X", uint32(m))
	}
	return nil
}

// Action is the bit set that tells the producer what to do with a buffer registration.
type Action uint32

// Names for the action flags, with driver values.
const (
	ActionClearAll                     Action = 0x1
	ActionAdd                          Action = 0x2
	ActionClearThisDataBuffer          Action = 0x1000
	ActionClearWaveformDataBuffers     Action = 0x2000
	ActionClearWaveformReadDataBuffers Action = 0x4000
)

const clearActions = ActionClearAll | ActionClearThisDataBuffer |
	ActionClearWaveformDataBuffers | ActionClearWaveformReadDataBuffers

// Clears is true if any clear flag is set in a.
func (a Action) Clears() bool {
	return a&clearActions != 0
}

func (a Action) String() string {
	names := []string{}
	for _, f := range []struct {
		flag Action
		name string
	}{
		{ActionClearAll, "CLEAR_ALL"},
		{ActionAdd, "ADD"},
		{ActionClearThisDataBuffer, "CLEAR_THIS_DATA_BUFFER"},
		{ActionClearWaveformDataBuffers, "CLEAR_WAVEFORM_DATA_BUFFERS"},
		{ActionClearWaveformReadDataBuffers, "CLEAR_WAVEFORM_READ_DATA_BUFFERS"},
	} {
		if a&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("Action(0x%X)", uint32(a))
	}
	return strings.Join(names, "|")
}

// Buffer is a typed, fixed-length, zero-initialized array of raw sample codes.
// The producer writes codes through SetCode; readers see them through Code or Codes.
type Buffer interface {
	DataType() DataType
	Len() int
	Code(i int) int64
	SetCode(i int, code int64)
	Codes() []int64
	Bytes() []byte
	zero()
}

type sample interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint32
}

type typedBuffer[T sample] struct {
	dtype DataType
	data  []T
}

// NewBuffer allocates a zeroed buffer of n samples of type dt.
func NewBuffer(dt DataType, n int) (Buffer, error) {
	if n < 0 {
		return nil, newConfigError(ErrInvalidSamples, "buffer length %d", n)
	}
	switch dt {
	case Int8:
		return &typedBuffer[int8]{dtype: dt, data: make([]int8, n)}, nil
	case Int16:
		return &typedBuffer[int16]{dtype: dt, data: make([]int16, n)}, nil
	case Int32:
		return &typedBuffer[int32]{dtype: dt, data: make([]int32, n)}, nil
	case Uint32:
		return &typedBuffer[uint32]{dtype: dt, data: make([]uint32, n)}, nil
	case Int64:
		return &typedBuffer[int64]{dtype: dt, data: make([]int64, n)}, nil
	}
	return nil, newConfigError(ErrUnsupportedDataType, "data type %v", dt)
}

func (b *typedBuffer[T]) DataType() DataType { return b.dtype }
func (b *typedBuffer[T]) Len() int           { return len(b.data) }
func (b *typedBuffer[T]) Code(i int) int64   { return int64(b.data[i]) }

func (b *typedBuffer[T]) SetCode(i int, code int64) {
	b.data[i] = T(code)
}

func (b *typedBuffer[T]) Codes() []int64 {
	codes := make([]int64, len(b.data))
	for i, v := range b.data {
		codes[i] = int64(v)
	}
	return codes
}

// Bytes returns the buffer storage viewed as bytes, without copying.
func (b *typedBuffer[T]) Bytes() []byte {
	return getbytes.FromSlice(b.data)
}

func (b *typedBuffer[T]) zero() {
	clear(b.data)
}

// BufferRole says which half of an aggregate pair a registration refers to.
type BufferRole int

// Names for the buffer roles.
const (
	RoleData BufferRole = iota // the only buffer of a non-aggregate registration
	RoleMax
	RoleMin
)

func (r BufferRole) String() string {
	return [...]string{"data", "max", "min"}[r]
}

// CaptureBuffer is the storage associated with one (channel, segment, ratio mode) tuple.
// For RatioAggregate the Min and Max buffers are set and Data is nil; otherwise only Data is set.
type CaptureBuffer struct {
	Channel ChannelID
	Segment uint64
	Mode    RatioMode
	Slot    int // distinguishes the halves of a streaming double buffer
	Data    Buffer
	Min     Buffer
	Max     Buffer
}

// Aggregate is true if cb holds a (min, max) pair.
func (cb *CaptureBuffer) Aggregate() bool {
	return cb.Mode == RatioAggregate
}

// Len returns the number of samples per half.
func (cb *CaptureBuffer) Len() int {
	if cb.Aggregate() {
		return cb.Max.Len()
	}
	return cb.Data.Len()
}

func (cb *CaptureBuffer) zero() {
	for _, b := range []Buffer{cb.Data, cb.Min, cb.Max} {
		if b != nil {
			b.zero()
		}
	}
}

type bufferKey struct {
	channel ChannelID
	segment uint64
	mode    RatioMode
	slot    int
}

func (cb *CaptureBuffer) key() bufferKey {
	return bufferKey{channel: cb.Channel, segment: cb.Segment, mode: cb.Mode, slot: cb.Slot}
}
