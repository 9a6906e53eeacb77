package scopeacq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CaptureState enumerates the states of a block or rapid-block capture.
type CaptureState int

// Names for the capture states
const (
	CaptureIdle CaptureState = iota
	CaptureArmed
	CaptureRunning
	CaptureReady
	CaptureDrained
)

func (cs CaptureState) String() string {
	return [...]string{"Idle", "Armed", "Running", "Ready", "Drained"}[cs]
}

// BlockConfig holds the settings of a block or rapid-block capture.
type BlockConfig struct {
	Samples        uint64 // raw samples per segment, pre- plus post-trigger
	PretrigPercent float64
	Timebase       uint32
	Segment        uint64 // first memory segment written
	DataType       DataType
	Ratio          uint64 // downsampling ratio; 0 is treated as 1
	Mode           RatioMode
	PollInterval   time.Duration
}

// outputSamples is the number of samples each buffer must hold after downsampling.
func (cfg *BlockConfig) outputSamples() uint64 {
	if cfg.Mode.IsRaw() || cfg.Ratio <= 1 {
		return cfg.Samples
	}
	return (cfg.Samples + cfg.Ratio - 1) / cfg.Ratio
}

// CaptureSegment is the result of one memory segment: its buffers, the number
// of samples actually returned, and which channels went out of range.
type CaptureSegment struct {
	Index        uint64
	PreTrigger   uint64
	PostTrigger  uint64
	Timebase     uint32
	Interval     float64 // seconds per raw sample
	Ratio        uint64
	Mode         RatioMode
	Returned     uint64
	OverflowBits uint16
	Overflow     []ChannelID
	Buffers      ChannelMap[*CaptureBuffer]
}

// Overflowed is true if channel ch went out of range in this segment.
func (seg *CaptureSegment) Overflowed(ch ChannelID) bool {
	return ch.Analog() && seg.OverflowBits&(1<<uint(ch)) != 0
}

func (seg *CaptureSegment) buffer(ch ChannelID) (*CaptureBuffer, error) {
	cb, ok := seg.Buffers.Get(ch)
	if !ok || cb == nil {
		return nil, newConfigError(ErrInvalidChannel, "segment %d has no buffer for channel %v", seg.Index, ch)
	}
	return cb, nil
}

func (seg *CaptureSegment) returned(b Buffer) []int64 {
	codes := b.Codes()
	if seg.Returned < uint64(len(codes)) {
		codes = codes[:seg.Returned]
	}
	return codes
}

// Codes returns the returned raw codes of channel ch. Aggregate segments have
// no single series; use MinMax.
func (seg *CaptureSegment) Codes(ch ChannelID) ([]int64, error) {
	cb, err := seg.buffer(ch)
	if err != nil {
		return nil, err
	}
	if cb.Aggregate() {
		return nil, newConfigError(ErrInvalidRatioMode, "segment %d holds min/max pairs", seg.Index)
	}
	return seg.returned(cb.Data), nil
}

// MinMax returns the returned min and max codes of an aggregate segment.
func (seg *CaptureSegment) MinMax(ch ChannelID) (min, max []int64, err error) {
	cb, err := seg.buffer(ch)
	if err != nil {
		return nil, nil, err
	}
	if !cb.Aggregate() {
		return nil, nil, newConfigError(ErrInvalidRatioMode, "segment %d was not read with aggregation", seg.Index)
	}
	return seg.returned(cb.Min), seg.returned(cb.Max), nil
}

// TimeAxis returns the sample times of the segment relative to the trigger.
func (seg *CaptureSegment) TimeAxis(unit TimeUnit) []float64 {
	total := seg.PreTrigger + seg.PostTrigger
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(seg.PreTrigger) / float64(total)
	}
	axis := TimeAxis(total, seg.Interval, seg.Ratio, unit, pct)
	if seg.Returned < uint64(len(axis)) {
		axis = axis[:seg.Returned]
	}
	return axis
}

// DecodeOverflow lists the channels whose bits are set in an overflow word.
func DecodeOverflow(bits uint16) []ChannelID {
	var out []ChannelID
	for ch := ChannelA; ch < NumChannels; ch++ {
		if bits&(1<<uint(ch)) != 0 {
			out = append(out, ch)
		}
	}
	return out
}

// SegmentRange lists the segments from..to of a ring of n segments. When
// to < from the range wraps through the end of the ring.
func SegmentRange(from, to, n uint64) []uint64 {
	var out []uint64
	if to >= from {
		for i := from; i <= to; i++ {
			out = append(out, i)
		}
		return out
	}
	for i := from; i < n; i++ {
		out = append(out, i)
	}
	for i := uint64(0); i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// BlockCapture drives one block or rapid-block acquisition through
// Idle -> Armed -> Running -> Ready -> Drained.
type BlockCapture struct {
	ID        string
	s         *Session
	cfg       BlockConfig
	nCaptures uint64
	ring      uint64 // memory segments on the device when the capture was armed
	rapid     bool
	interval  float64
	state     CaptureState
	segments  []*CaptureSegment
	lock      sync.Mutex
}

// NewBlockCapture validates cfg and returns an Idle single-segment capture.
func (s *Session) NewBlockCapture(cfg BlockConfig) (*BlockCapture, error) {
	return s.newCapture(cfg, 1, false)
}

// NewRapidBlockCapture validates cfg and returns an Idle capture of n
// consecutive segments, each re-armed by the device after its trigger.
func (s *Session) NewRapidBlockCapture(cfg BlockConfig, n uint64) (*BlockCapture, error) {
	if n == 0 {
		return nil, newConfigError(ErrInvalidSamples, "rapid block needs at least one capture")
	}
	return s.newCapture(cfg, n, true)
}

func (s *Session) newCapture(cfg BlockConfig, n uint64, rapid bool) (*BlockCapture, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if cfg.Samples == 0 {
		return nil, newConfigError(ErrInvalidSamples, "a capture needs at least one sample")
	}
	if cfg.Ratio == 0 {
		cfg.Ratio = 1
	}
	if err := CheckRatio(cfg.Mode, cfg.Ratio); err != nil {
		return nil, err
	}
	if _, _, err := SplitPretrigger(cfg.Samples, cfg.PretrigPercent); err != nil {
		return nil, err
	}
	if err := s.caps.CheckDataType(cfg.DataType); err != nil {
		return nil, err
	}
	interval, err := s.caps.Interval(cfg.Timebase, s.resolution)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	return &BlockCapture{
		ID:        ulid.Make().String(),
		s:         s,
		cfg:       cfg,
		nCaptures: n,
		rapid:     rapid,
		interval:  interval,
	}, nil
}

// State returns the current state.
func (c *BlockCapture) State() CaptureState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Segments returns the segments of the capture. Their data are meaningful once Drained.
func (c *BlockCapture) Segments() []*CaptureSegment {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.segments
}

// Interval returns the realized raw sample interval in seconds.
func (c *BlockCapture) Interval() float64 { return c.interval }

func (c *BlockCapture) expect(state CaptureState, op string) error {
	if c.state != state {
		return newConfigError(ErrBadState, "%s requires state %v, capture is %v", op, state, c.state)
	}
	return c.s.checkOpen()
}

// Arm allocates and registers buffers for every enabled channel in every segment.
func (c *BlockCapture) Arm() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.expect(CaptureIdle, "Arm"); err != nil {
		return err
	}
	c.ring = c.s.MemorySegments()
	if c.cfg.Segment+c.nCaptures > c.ring {
		return newConfigError(ErrInvalidSamples, "segments %d..%d do not fit in %d memory segment(s)",
			c.cfg.Segment, c.cfg.Segment+c.nCaptures-1, c.ring)
	}
	pre, post, _ := SplitPretrigger(c.cfg.Samples, c.cfg.PretrigPercent)
	maps, err := c.s.alloc.AllocateSegments(int(c.cfg.outputSamples()), c.cfg.DataType, c.cfg.Mode,
		c.cfg.Segment, c.nCaptures)
	if err := c.s.handle(err); err != nil {
		return err
	}
	c.segments = make([]*CaptureSegment, c.nCaptures)
	for i := range c.segments {
		c.segments[i] = &CaptureSegment{
			Index:       c.cfg.Segment + uint64(i),
			PreTrigger:  pre,
			PostTrigger: post,
			Timebase:    c.cfg.Timebase,
			Interval:    c.interval,
			Ratio:       c.cfg.Ratio,
			Mode:        c.cfg.Mode,
			Buffers:     maps[i],
		}
	}
	c.state = CaptureArmed
	return nil
}

// Run starts the acquisition on the device.
func (c *BlockCapture) Run() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.expect(CaptureArmed, "Run"); err != nil {
		return err
	}
	pre, post, _ := SplitPretrigger(c.cfg.Samples, c.cfg.PretrigPercent)
	if c.rapid {
		if err := c.s.handle(c.s.dev.SetNoOfCaptures(c.nCaptures)); err != nil {
			return err
		}
	}
	if err := c.s.handle(c.s.dev.ArmBlock(pre, post, c.cfg.Timebase, c.cfg.Segment)); err != nil {
		return err
	}
	c.s.alloc.setInFlight(true)
	c.s.track(c)
	c.state = CaptureRunning
	UpdateLogger.Printf("Capture %s running: %d segment(s) of %d+%d samples at timebase %d",
		c.ID, c.nCaptures, pre, post, c.cfg.Timebase)
	return nil
}

// WaitReady polls the device until the capture is complete or ctx is done.
// A capture aborted while waiting returns ErrBadState.
func (c *BlockCapture) WaitReady(ctx context.Context) error {
	c.lock.Lock()
	err := c.expect(CaptureRunning, "WaitReady")
	c.lock.Unlock()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		c.lock.Lock()
		if c.state != CaptureRunning {
			c.lock.Unlock()
			return newConfigError(ErrBadState, "capture %s was aborted while waiting", c.ID)
		}
		ready, err := c.s.dev.IsReady()
		if err = c.s.handle(err); err != nil {
			c.idle()
			c.lock.Unlock()
			return err
		}
		if ready {
			c.state = CaptureReady
			c.lock.Unlock()
			return nil
		}
		c.lock.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *BlockCapture) readRequest(segment uint64) ReadRequest {
	return ReadRequest{
		Start:   0,
		Count:   c.cfg.Samples,
		Ratio:   c.cfg.Ratio,
		Mode:    c.s.caps.DriverRatioMode(c.cfg.Mode),
		Segment: segment,
	}
}

func (c *BlockCapture) finish(seg *CaptureSegment, count uint64, overflow uint16) {
	want := c.cfg.outputSamples()
	if count > want {
		ProblemLogger.Printf("Capture %s segment %d: device reported %d samples but buffers hold %d",
			c.ID, seg.Index, count, want)
		count = want
	} else if count < want {
		ProblemLogger.Printf("Capture %s segment %d: only %d of %d samples returned",
			c.ID, seg.Index, count, want)
	}
	seg.Returned = count
	seg.OverflowBits = overflow
	seg.Overflow = DecodeOverflow(overflow)
	if len(seg.Overflow) > 0 {
		ProblemLogger.Printf("Capture %s segment %d: over range on channels %v", c.ID, seg.Index, seg.Overflow)
	}
}

// Drain reads every segment of a Ready capture into its buffers.
func (c *BlockCapture) Drain() error {
	if !c.rapid {
		c.lock.Lock()
		defer c.lock.Unlock()
		if err := c.expect(CaptureReady, "Drain"); err != nil {
			return err
		}
		seg := c.segments[0]
		result, err := c.s.dev.ReadValues(c.readRequest(seg.Index))
		if err := c.s.handle(err); err != nil {
			c.idle()
			return err
		}
		c.finish(seg, result.Count, result.Overflow)
		c.drained()
		return nil
	}
	return c.DrainRange(c.cfg.Segment, c.cfg.Segment+c.nCaptures-1)
}

// DrainRange reads memory segments from..to of a Ready rapid-block capture
// in one bulk readout. When to < from the range wraps through the end of the
// device's memory-segment ring; segments of the ring that belong to no
// capture are read but ignored. Each segment's overflow word is decoded on its own.
func (c *BlockCapture) DrainRange(from, to uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.expect(CaptureReady, "DrainRange"); err != nil {
		return err
	}
	first := c.cfg.Segment
	last := first + c.nCaptures - 1
	if from < first || from > last || to < first || to > last {
		return newConfigError(ErrInvalidSamples, "segments %d..%d are outside the capture's %d..%d",
			from, to, first, last)
	}
	ring := SegmentRange(from, to, c.ring)
	result, err := c.s.dev.ReadValuesBulk(c.readRequest(from), from, to)
	if err := c.s.handle(err); err != nil {
		c.idle()
		return err
	}
	if len(result.Overflow) != len(ring) {
		c.idle()
		return fmt.Errorf("bulk readout of segments %d..%d returned %d overflow words, want %d",
			from, to, len(result.Overflow), len(ring))
	}
	for i, seg := range ring {
		if seg < first || seg > last {
			continue
		}
		c.finish(c.segments[seg-first], result.Count, result.Overflow[i])
	}
	c.drained()
	return nil
}

// idle abandons an outstanding capture after a failed device call. The caller holds c.lock.
func (c *BlockCapture) idle() {
	c.state = CaptureIdle
	c.s.alloc.setInFlight(false)
	c.s.untrack(c)
}

// shutdown is called by Session.Close, which stops the device itself.
func (c *BlockCapture) shutdown() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state = CaptureIdle
	c.segments = nil
}

// drained completes the cycle. The caller holds c.lock.
func (c *BlockCapture) drained() {
	c.s.alloc.setInFlight(false)
	c.s.untrack(c)
	c.state = CaptureDrained
	type segSummary struct {
		Index    uint64
		Returned uint64
		Overflow []string
	}
	summary := make([]segSummary, len(c.segments))
	for i, seg := range c.segments {
		summary[i] = segSummary{Index: seg.Index, Returned: seg.Returned}
		for _, ch := range seg.Overflow {
			summary[i].Overflow = append(summary[i].Overflow, ch.String())
		}
	}
	c.s.publish("SEGMENTS", struct {
		SessionID string
		CaptureID string
		Segments  []segSummary
	}{c.s.ID, c.ID, summary})
	if c.s.recorder != nil {
		c.s.recorder.RecordSegments(c.s.ID, c.ID, c.segments)
	}
}

// Reset releases the buffers of a Drained (or never armed) capture and returns it to Idle.
func (c *BlockCapture) Reset() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != CaptureDrained && c.state != CaptureIdle {
		return newConfigError(ErrBadState, "Reset requires state Drained, capture is %v", c.state)
	}
	c.state = CaptureIdle
	c.segments = nil
	if err := c.s.checkOpen(); err != nil {
		return nil
	}
	return c.s.handle(c.s.alloc.Clear())
}

// Abort stops the device and returns the capture to Idle from any state.
func (c *BlockCapture) Abort() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	prev := c.state
	c.state = CaptureIdle
	c.segments = nil
	c.s.untrack(c)
	if c.s.checkOpen() != nil {
		return nil
	}
	if prev == CaptureRunning || prev == CaptureReady {
		if err := c.s.handle(c.s.dev.Stop()); err != nil {
			return err
		}
	}
	c.s.alloc.setInFlight(false)
	return c.s.handle(c.s.alloc.Clear())
}

// Capture runs a full cycle from Idle and returns the drained segments.
func (c *BlockCapture) Capture(ctx context.Context) ([]*CaptureSegment, error) {
	if err := c.Arm(); err != nil {
		return nil, err
	}
	if err := c.Run(); err != nil {
		return nil, err
	}
	if err := c.WaitReady(ctx); err != nil {
		if ctx.Err() != nil {
			c.Abort()
		}
		return nil, err
	}
	if err := c.Drain(); err != nil {
		return nil, err
	}
	return c.Segments(), nil
}

// TriggerInfo returns the trigger records of every segment of a Drained capture.
func (c *BlockCapture) TriggerInfo() ([]TriggerInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.expect(CaptureDrained, "TriggerInfo"); err != nil {
		return nil, err
	}
	infos, err := c.s.dev.GetTriggerInfo(c.cfg.Segment, c.nCaptures)
	if err := c.s.handle(err); err != nil {
		return nil, err
	}
	return infos, nil
}

// TriggerTimeOffsets returns the sub-sample trigger offsets of every segment
// of a Drained capture, as reported by the device.
func (c *BlockCapture) TriggerTimeOffsets() ([]TimeOffset, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.expect(CaptureDrained, "TriggerTimeOffsets"); err != nil {
		return nil, err
	}
	offsets, err := c.s.dev.TriggerTimeOffsets(c.cfg.Segment, c.cfg.Segment+c.nCaptures-1)
	if err := c.s.handle(err); err != nil {
		return nil, err
	}
	return offsets, nil
}

// SegmentMv converts the returned codes of channel ch in seg to mV.
func (s *Session) SegmentMv(seg *CaptureSegment, ch ChannelID) ([]float64, error) {
	codes, err := seg.Codes(ch)
	if err != nil {
		return nil, err
	}
	return s.registry.CodesToMv(ch, codes, s.limits)
}

// SegmentMidpoint converts an aggregate segment of channel ch to mV and
// returns the average of its min and max series.
func (s *Session) SegmentMidpoint(seg *CaptureSegment, ch ChannelID) ([]float64, error) {
	lo, hi, err := seg.MinMax(ch)
	if err != nil {
		return nil, err
	}
	loMv, err := s.registry.CodesToMv(ch, lo, s.limits)
	if err != nil {
		return nil, err
	}
	hiMv, err := s.registry.CodesToMv(ch, hi, s.limits)
	if err != nil {
		return nil, err
	}
	return Midpoint(loMv, hiMv), nil
}
