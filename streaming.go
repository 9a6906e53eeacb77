package scopeacq

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/scopeacq/internal/boundedchan"
)

// StreamState enumerates the states of a StreamingSession
type StreamState int

// Names for the streaming states
const (
	StreamIdle StreamState = iota
	StreamRunning
	StreamFinished // the producer loop ended by itself, but Stop has not run
	StreamStopped
)

func (ss StreamState) String() string {
	return [...]string{"Idle", "Running", "Finished", "Stopped"}[ss]
}

// maxStreamingInterval is the longest sample interval accepted for streaming, in seconds.
const maxStreamingInterval = 1e-3

// StreamConfig holds the settings of a streaming acquisition.
type StreamConfig struct {
	Interval      float64
	Unit          TimeUnit
	BufferSamples uint64 // length of each half of the double buffer
	PreTrigger    uint64
	PostTrigger   uint64
	AutoStop      bool
	Ratio         uint64
	Mode          RatioMode
	DataType      DataType
	PollInterval  time.Duration
	MaxRetained   int // samples kept per channel for the consumer; 0 keeps all
	QueueCapacity int // chunks held for Chunks() before the oldest is dropped
}

// StreamChunk holds the samples of every enabled channel delivered by one poll.
type StreamChunk struct {
	Start     uint64 // cumulative index of the first sample
	Length    uint64
	Data      ChannelMap[[]int64] // non-aggregate modes
	Min, Max  ChannelMap[[]int64] // RatioAggregate
	Overflow  []ChannelID
	Triggered bool
	TriggerAt uint64 // cumulative index of the trigger, valid if Triggered
}

// StreamingSession coordinates a double buffer with a streaming producer.
// One goroutine polls the device; any number of goroutines may read the
// retained samples. Only the producer writes buffer contents.
type StreamingSession struct {
	ID             string
	s              *Session
	cfg            StreamConfig
	actualInterval float64
	channels       []ChannelID

	bufs         [2]ChannelMap[*CaptureBuffer]
	standbyReady bool
	current      uint64 // producer buffer index the coordinator last saw
	lastIndex    uint64
	total        uint64
	retained     ChannelMap[[]int64]
	retainedMin  ChannelMap[[]int64]
	retainedMax  ChannelMap[[]int64]
	overflows    ChannelMap[int]
	bufferFulls  int
	rotations    int
	triggered    bool
	triggerAt    uint64
	state        StreamState
	err          error
	droppedChunk atomic.Int64
	droppedSamp  atomic.Int64

	chunks    *boundedchan.BoundedChannel[*StreamChunk]
	abortSelf chan struct{}
	runDone   sync.WaitGroup
	lock      sync.Mutex // guards everything above except the atomics
}

// NewStreamingSession validates cfg and returns an Idle streaming session.
func (s *Session) NewStreamingSession(cfg StreamConfig) (*StreamingSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !cfg.Unit.Valid() || cfg.Interval <= 0 {
		return nil, newConfigError(ErrInvalidTimebase, "streaming interval %v %v", cfg.Interval, cfg.Unit)
	}
	if cfg.Interval*cfg.Unit.Seconds() >= maxStreamingInterval {
		return nil, newConfigError(ErrIntervalTooLong, "streaming interval %v %v is not shorter than 1 ms",
			cfg.Interval, cfg.Unit)
	}
	if cfg.BufferSamples == 0 {
		return nil, newConfigError(ErrInvalidSamples, "streaming buffers need at least one sample")
	}
	if cfg.Ratio == 0 {
		cfg.Ratio = 1
	}
	if err := CheckRatio(cfg.Mode, cfg.Ratio); err != nil {
		return nil, err
	}
	if err := s.caps.CheckDataType(cfg.DataType); err != nil {
		return nil, err
	}
	if cfg.MaxRetained < 0 {
		return nil, newConfigError(ErrInvalidSamples, "max retained samples %d", cfg.MaxRetained)
	}
	channels := s.registry.EnabledChannels()
	if len(channels) == 0 {
		return nil, newConfigError(ErrInvalidRange, "no channels are enabled")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 100
	}
	ss := &StreamingSession{
		ID:       ulid.Make().String(),
		s:        s,
		cfg:      cfg,
		channels: channels,
	}
	ss.chunks = boundedchan.NewBoundedChannel(cfg.QueueCapacity, ss.onDrop)
	return ss, nil
}

func (ss *StreamingSession) onDrop(chunk *StreamChunk) {
	nc := ss.droppedChunk.Add(1)
	ns := ss.droppedSamp.Add(int64(chunk.Length))
	ProblemLogger.Printf("Streaming %s: consumer is slow; dropped chunk at sample %d (%d chunks, %d samples dropped so far)",
		ss.ID, chunk.Start, nc, ns)
	ss.s.publish("DROPPED", struct {
		StreamID       string
		Chunks         int64
		Samples        int64
		FirstDiscarded uint64
	}{ss.ID, nc, ns, chunk.Start})
}

// State returns the current state.
func (ss *StreamingSession) State() StreamState {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.state
}

// ActualInterval returns the sample interval realized by the device, in the configured unit.
func (ss *StreamingSession) ActualInterval() float64 {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.actualInterval
}

// start allocates the first half of the double buffer and starts the device.
// With loop set it also starts the polling goroutine, before anyone can Stop.
func (ss *StreamingSession) start(loop bool) error {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	if ss.state != StreamIdle {
		return newConfigError(ErrBadState, "streaming %s cannot start from state %v", ss.ID, ss.state)
	}
	if err := ss.s.checkOpen(); err != nil {
		return err
	}
	if err := ss.s.handle(ss.s.alloc.Clear()); err != nil {
		return err
	}
	for _, ch := range ss.channels {
		cb, err := ss.s.alloc.allocateSlot(ch, int(ss.cfg.BufferSamples), ss.cfg.DataType, ss.cfg.Mode, 0)
		if err := ss.s.handle(err); err != nil {
			return err
		}
		ss.bufs[0].Set(ch, cb)
	}
	actual, err := ss.s.dev.StartStreaming(StreamRequest{
		Interval:    ss.cfg.Interval,
		Unit:        ss.cfg.Unit,
		PreTrigger:  ss.cfg.PreTrigger,
		PostTrigger: ss.cfg.PostTrigger,
		AutoStop:    ss.cfg.AutoStop,
		Ratio:       ss.cfg.Ratio,
		Mode:        ss.s.caps.DriverRatioMode(ss.cfg.Mode),
	})
	if err := ss.s.handle(err); err != nil {
		return err
	}
	ss.actualInterval = actual
	ss.s.alloc.setInFlight(true)
	ss.s.track(ss)
	ss.state = StreamRunning
	if loop {
		ss.abortSelf = make(chan struct{})
		ss.runDone.Add(1)
		go ss.coreLoop(ss.abortSelf)
	}
	UpdateLogger.Printf("Streaming %s started: %d channel(s), interval %v %v, buffers of %d samples",
		ss.ID, len(ss.channels), actual, ss.cfg.Unit, ss.cfg.BufferSamples)
	ss.publishStatus()
	return nil
}

// Start starts the device and a goroutine that polls it every PollInterval
// until Stop is called, the device auto-stops, or a fault occurs.
func (ss *StreamingSession) Start() error {
	return ss.start(true)
}

func (ss *StreamingSession) coreLoop(abort <-chan struct{}) {
	defer ss.runDone.Done()
	ticker := time.NewTicker(ss.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			if err := ss.PollOnce(); err != nil {
				return
			}
			if ss.State() != StreamRunning {
				return
			}
		}
	}
}

// RunFor starts the device if needed and polls exactly n times in the
// caller's goroutine, without sleeping between polls.
func (ss *StreamingSession) RunFor(n int) error {
	if ss.State() == StreamIdle {
		if err := ss.start(false); err != nil {
			return err
		}
	}
	for range n {
		if ss.State() != StreamRunning {
			return nil
		}
		if err := ss.PollOnce(); err != nil {
			return err
		}
	}
	return nil
}

// RunUntil starts the device and polls it every PollInterval in the caller's
// goroutine until ctx is done or the device auto-stops. It always stops the
// session before returning.
func (ss *StreamingSession) RunUntil(ctx context.Context) error {
	if err := ss.start(false); err != nil {
		return err
	}
	ticker := time.NewTicker(ss.cfg.PollInterval)
	defer ticker.Stop()
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if runErr = ss.PollOnce(); runErr != nil {
				break loop
			}
			if ss.State() != StreamRunning {
				break loop
			}
		}
	}
	return errors.Join(runErr, ss.Stop())
}

// PollOnce polls the producer once and consumes whatever it delivered.
func (ss *StreamingSession) PollOnce() error {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	if ss.state != StreamRunning {
		return newConfigError(ErrBadState, "streaming %s is %v", ss.ID, ss.state)
	}
	poll, err := ss.s.dev.PollStreaming()
	var warning *DeviceWarning
	if errors.As(err, &warning) && warning.Code == StatusWaitingForDataBuffers {
		poll.BufferFull = true
	}
	if err := ss.s.handle(err); err != nil {
		return ss.faulted(err)
	}

	if poll.BufferIndex != ss.current {
		// The producer has moved on, so the buffer it left is fully drained.
		if err := ss.rotate(int(ss.current % 2)); err != nil {
			return ss.faulted(err)
		}
		ss.current = poll.BufferIndex
		ss.rotations++
	} else if poll.BufferFull && ss.standbyReady {
		ss.bufferFulls++
		ProblemLogger.Printf("Streaming %s: producer waiting for data buffers; re-registering standby", ss.ID)
		if err := ss.rotate(int((ss.current + 1) % 2)); err != nil {
			return ss.faulted(err)
		}
	}
	if poll.Delivered > 0 {
		ss.consume(poll)
	} else if poll.Overflow != 0 {
		ss.noteOverflow(poll.Overflow)
	}
	if !ss.standbyReady {
		if err := ss.allocateStandby(); err != nil {
			return ss.faulted(err)
		}
	}
	if poll.AutoStopped {
		UpdateLogger.Printf("Streaming %s: device stopped after %d samples", ss.ID, ss.total)
		ss.state = StreamFinished
	}
	return nil
}

// allocateStandby allocates the second half of the double buffer. The caller holds ss.lock.
func (ss *StreamingSession) allocateStandby() error {
	for _, ch := range ss.channels {
		cb, err := ss.s.alloc.allocateSlot(ch, int(ss.cfg.BufferSamples), ss.cfg.DataType, ss.cfg.Mode, 1)
		if err := ss.s.handle(err); err != nil {
			return err
		}
		ss.bufs[1].Set(ch, cb)
	}
	ss.standbyReady = true
	return nil
}

// rotate hands the buffers of one slot back to the producer. The caller holds ss.lock.
func (ss *StreamingSession) rotate(slot int) error {
	for _, ch := range ss.channels {
		cb, ok := ss.bufs[slot].Get(ch)
		if !ok {
			continue
		}
		if err := ss.s.handle(ss.s.alloc.reregister(cb)); err != nil {
			return err
		}
	}
	return nil
}

func (ss *StreamingSession) faulted(err error) error {
	ss.err = err
	ss.state = StreamFinished
	ProblemLogger.Printf("Streaming %s ended: %v", ss.ID, err)
	return err
}

func codeRange(b Buffer, start, n uint64) []int64 {
	end := min(start+n, uint64(b.Len()))
	out := make([]int64, 0, end-min(start, end))
	for i := start; i < end; i++ {
		out = append(out, b.Code(int(i)))
	}
	return out
}

// trimKeepingN drops all but the last n values of s, reusing its storage.
func trimKeepingN(s []int64, n int) []int64 {
	L := len(s)
	if n <= 0 || n >= L {
		return s
	}
	copy(s[:n], s[L-n:L])
	return s[:n]
}

// consume copies the newly delivered samples out of the current buffer. The caller holds ss.lock.
func (ss *StreamingSession) consume(poll StreamPoll) {
	slot := int(poll.BufferIndex % 2)
	chunk := &StreamChunk{Start: ss.total, Length: poll.Delivered}
	var extra [][]byte
	for _, ch := range ss.channels {
		cb, ok := ss.bufs[slot].Get(ch)
		if !ok {
			continue
		}
		if cb.Aggregate() {
			lo := codeRange(cb.Min, poll.StartOffset, poll.Delivered)
			hi := codeRange(cb.Max, poll.StartOffset, poll.Delivered)
			chunk.Min.Set(ch, lo)
			chunk.Max.Set(ch, hi)
			ss.retainedMin.Set(ch, ss.appendRetained(ss.retainedMin, ch, lo))
			ss.retainedMax.Set(ch, ss.appendRetained(ss.retainedMax, ch, hi))
			continue
		}
		data := codeRange(cb.Data, poll.StartOffset, poll.Delivered)
		chunk.Data.Set(ch, data)
		ss.retained.Set(ch, ss.appendRetained(ss.retained, ch, data))
		if ss.s.updates != nil {
			extra = append(extra, rawBytes(cb.Data, poll.StartOffset, poll.Delivered))
		}
	}
	if poll.Overflow != 0 {
		chunk.Overflow = ss.noteOverflow(poll.Overflow)
	}
	if poll.Triggered && !ss.triggered {
		ss.triggered = true
		ss.triggerAt = ss.total + poll.TriggerAt - poll.StartOffset
		chunk.Triggered, chunk.TriggerAt = true, ss.triggerAt
	}
	ss.total += poll.Delivered
	ss.lastIndex = poll.StartOffset + poll.Delivered
	ss.chunks.Push(chunk)
	if len(extra) > 0 {
		ss.s.publishChunk(ss.ID, chunk, extra)
	}
}

// noteOverflow counts and reports the over-range channels of one poll. The caller holds ss.lock.
func (ss *StreamingSession) noteOverflow(bits uint16) []ChannelID {
	channels := DecodeOverflow(bits)
	for _, ch := range channels {
		n, _ := ss.overflows.Get(ch)
		ss.overflows.Set(ch, n+1)
	}
	ss.s.publish("OVERFLOW", struct {
		StreamID string
		Sample   uint64
		Channels []ChannelID
	}{ss.ID, ss.total, channels})
	return channels
}

func rawBytes(b Buffer, start, n uint64) []byte {
	all := b.Bytes()
	if b.Len() == 0 {
		return nil
	}
	size := uint64(len(all) / b.Len())
	end := min((start+n)*size, uint64(len(all)))
	return append([]byte(nil), all[start*size:end]...)
}

func (ss *StreamingSession) appendRetained(m ChannelMap[[]int64], ch ChannelID, data []int64) []int64 {
	old, _ := m.Get(ch)
	out := append(old, data...)
	return trimKeepingN(out, ss.cfg.MaxRetained)
}

// Stop stops the producer and waits for the polling goroutine, then releases
// the buffers. It is safe to call in any state and more than once.
func (ss *StreamingSession) Stop() error {
	ss.lock.Lock()
	prev := ss.state
	if prev == StreamStopped {
		ss.lock.Unlock()
		return nil
	}
	ss.state = StreamStopped
	if ss.abortSelf != nil {
		closeIfOpen(ss.abortSelf)
	}
	ss.lock.Unlock()

	ss.runDone.Wait()
	ss.chunks.Close()
	ss.s.untrack(ss)
	if prev == StreamIdle || ss.s.checkOpen() != nil {
		return nil
	}
	var errs []error
	if err := ss.s.handle(ss.s.dev.Stop()); err != nil {
		errs = append(errs, err)
	}
	ss.s.alloc.setInFlight(false)
	if err := ss.s.handle(ss.s.alloc.Clear()); err != nil {
		errs = append(errs, err)
	}
	UpdateLogger.Printf("Streaming %s stopped after %d samples, %d rotations", ss.ID, ss.Total(), ss.Rotations())
	ss.lock.Lock()
	ss.publishStatus()
	ss.lock.Unlock()
	return errors.Join(errs...)
}

// shutdown is called by Session.Close.
func (ss *StreamingSession) shutdown() {
	if err := ss.Stop(); err != nil {
		ProblemLogger.Printf("Streaming %s: error stopping at session close: %v", ss.ID, err)
	}
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		log.Println("warning: tried to close a channel twice")
	default:
		close(c)
	}
}

// publishStatus reports the session's counters. The caller holds ss.lock.
func (ss *StreamingSession) publishStatus() {
	ss.s.publish("STATUS", struct {
		StreamID   string
		SessionID  string
		State      string
		Samples    uint64
		Rotations  int
		BufferFull int
		Dropped    int64
	}{ss.ID, ss.s.ID, ss.state.String(), ss.total, ss.rotations, ss.bufferFulls, ss.droppedSamp.Load()})
}

// Chunks returns the hand-off channel of delivered chunks. It is closed by
// Stop; chunks still queued then can be received afterwards.
func (ss *StreamingSession) Chunks() <-chan *StreamChunk {
	return ss.chunks.Out()
}

// Err returns the error that ended the polling, if any.
func (ss *StreamingSession) Err() error {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.err
}

// Total returns the cumulative number of samples per channel received.
func (ss *StreamingSession) Total() uint64 {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.total
}

// LastSampleIndex returns the position just past the latest sample inside the current buffer.
func (ss *StreamingSession) LastSampleIndex() uint64 {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.lastIndex
}

// Rotations returns how often the producer moved to the other buffer.
func (ss *StreamingSession) Rotations() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.rotations
}

// BufferFullEvents returns how often the producer reported it was waiting for buffers.
func (ss *StreamingSession) BufferFullEvents() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.bufferFulls
}

// Overflows returns how many polls reported channel ch out of range.
func (ss *StreamingSession) Overflows(ch ChannelID) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	n, _ := ss.overflows.Get(ch)
	return n
}

// Dropped returns the number of chunks and samples discarded because the
// consumer of Chunks() fell behind.
func (ss *StreamingSession) Dropped() (chunks, samples int64) {
	return ss.droppedChunk.Load(), ss.droppedSamp.Load()
}

// Trigger reports whether and at which cumulative sample the device triggered.
func (ss *StreamingSession) Trigger() (bool, uint64) {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.triggered, ss.triggerAt
}

// Latest returns a copy of the retained raw codes of channel ch.
func (ss *StreamingSession) Latest(ch ChannelID) []int64 {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	v, _ := ss.retained.Get(ch)
	return append([]int64(nil), v...)
}

// LatestAggregate returns copies of the retained min and max codes of channel ch.
func (ss *StreamingSession) LatestAggregate(ch ChannelID) (lo, hi []int64) {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	l, _ := ss.retainedMin.Get(ch)
	h, _ := ss.retainedMax.Get(ch)
	return append([]int64(nil), l...), append([]int64(nil), h...)
}

// LatestMv returns the retained samples of channel ch in mV.
func (ss *StreamingSession) LatestMv(ch ChannelID) ([]float64, error) {
	return ss.s.registry.CodesToMv(ch, ss.Latest(ch), ss.s.limits)
}

// LatestMidpoint returns the mean of the retained min and max of channel ch, in mV.
func (ss *StreamingSession) LatestMidpoint(ch ChannelID) ([]float64, error) {
	lo, hi := ss.LatestAggregate(ch)
	loMv, err := ss.s.registry.CodesToMv(ch, lo, ss.s.limits)
	if err != nil {
		return nil, err
	}
	hiMv, err := ss.s.registry.CodesToMv(ch, hi, ss.s.limits)
	if err != nil {
		return nil, err
	}
	return Midpoint(loMv, hiMv), nil
}
