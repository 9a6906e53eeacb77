package scopeacq

// AcquisitionDevice is the boundary between the acquisition engine and a
// driver binding (or a simulator) for one device family. Methods report
// driver status through errors built by CheckStatus, so a nonzero status is
// either a *DeviceWarning (the call took effect) or a *DeviceFault.
type AcquisitionDevice interface {
	Family() Family
	Open(serial string, res Resolution) error
	Close() error
	ADCLimits(res Resolution) (ADCLimits, error)
	ChangePowerSource(code StatusCode) error

	ConfigureChannel(ch ChannelID, enabled bool, rng Range, coupling Coupling, offsetV float64) error
	RegisterBuffer(reg BufferRegistration) error

	SetMemorySegments(n uint64) (maxSamples uint64, err error)
	SetNoOfCaptures(n uint64) error
	ProcessedCaptures() (uint64, error)
	ArmBlock(pre, post uint64, timebase uint32, segment uint64) error
	IsReady() (bool, error)
	ReadValues(req ReadRequest) (ReadResult, error)
	ReadValuesBulk(req ReadRequest, from, to uint64) (BulkResult, error)

	StartStreaming(req StreamRequest) (actualInterval float64, err error)
	PollStreaming() (StreamPoll, error)

	GetTriggerInfo(first, count uint64) ([]TriggerInfo, error)
	TriggerTimeOffsets(from, to uint64) ([]TimeOffset, error)
	Stop() error
}

// BufferRegistration asks the producer to add or clear one buffer. Buffer is
// nil for a pure clear request.
type BufferRegistration struct {
	Channel ChannelID
	Buffer  Buffer
	Role    BufferRole
	Segment uint64
	Mode    RatioMode
	Action  Action
}

// ReadRequest describes one readout of captured values into registered buffers.
type ReadRequest struct {
	Start   uint64
	Count   uint64
	Ratio   uint64
	Mode    RatioMode
	Segment uint64
}

// ReadResult is the outcome of a single-segment readout.
type ReadResult struct {
	Count    uint64 // samples actually copied, per channel
	Overflow uint16 // bit i set if channel i exceeded its range
}

// BulkResult is the outcome of a readout spanning several segments.
// Overflow has one word per segment, in readout order.
type BulkResult struct {
	Count    uint64
	Overflow []uint16
}

// StreamRequest holds the parameters of a streaming start.
type StreamRequest struct {
	Interval    float64
	Unit        TimeUnit
	PreTrigger  uint64
	PostTrigger uint64
	AutoStop    bool
	Ratio       uint64
	Mode        RatioMode
}

// StreamPoll is one poll result from a streaming producer. Samples delivered
// by this poll are in the producer's buffer BufferIndex%2 at
// [StartOffset, StartOffset+Delivered).
type StreamPoll struct {
	Delivered   uint64
	StartOffset uint64
	BufferIndex uint64
	Overflow    uint16 // channel over-range bits
	BufferFull  bool   // the producer filled its buffer and waits for another
	Triggered   bool
	TriggerAt   uint64
	AutoStopped bool
}

// TriggerInfo is the per-segment trigger record reported by the device.
// TimeStampCounter is a free-running, fixed-width counter that wraps.
type TriggerInfo struct {
	Status           StatusCode
	SegmentIndex     uint64
	TriggerIndex     uint64
	TriggerTime      float64
	TimeUnit         TimeUnit
	MissedTriggers   uint64
	TimeStampCounter uint64
}

// TimeOffset is a trigger time offset together with its unit.
type TimeOffset struct {
	Value int64
	Unit  TimeUnit
}

// Seconds returns the offset in seconds.
func (t TimeOffset) Seconds() float64 {
	return float64(t.Value) * t.Unit.Seconds()
}
