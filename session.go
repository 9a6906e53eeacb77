package scopeacq

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
)

// Recorder receives metadata about sessions and captures. It never receives
// sample data. A nil Recorder is allowed everywhere.
type Recorder interface {
	RecordSession(info SessionInfo)
	RecordSegments(sessionID string, captureID string, segs []*CaptureSegment)
}

// SessionInfo summarizes an open session for recorders and client updates.
type SessionInfo struct {
	ID         string
	Family     string
	Serial     string
	Resolution int
	ADCMin     int64
	ADCMax     int64
	Channels   []ChannelConfig
	Warnings   int64
	Faulted    bool
	Start      time.Time
	End        time.Time
}

// Session is one open connection to an acquisition device. It owns the
// channel registry, the buffer allocator and the cached ADC limits. Nothing it
// holds is shared with other sessions.
type Session struct {
	ID         string
	dev        AcquisitionDevice
	caps       *Capabilities
	serial     string
	resolution Resolution
	limits     ADCLimits
	registry   *ChannelRegistry
	alloc      *BufferAllocator
	updates    chan<- ClientUpdate
	recorder   Recorder
	started    time.Time

	warnings    atomic.Int64
	closed      bool
	fault       error
	memSegments uint64
	active      map[activity]struct{} // captures and streams the device may be writing for
	lock        sync.Mutex            // guards closed, fault, memSegments and active
}

// activity is an acquisition that Close must end before the device goes away.
type activity interface {
	shutdown()
}

// OpenSession opens dev at resolution res and caches its ADC limits.
func OpenSession(dev AcquisitionDevice, serial string, res Resolution) (*Session, error) {
	caps := dev.Family().Capabilities()
	if !caps.SupportsResolution(res) {
		return nil, newConfigError(ErrInvalidResolution, "%s does not support %v", caps.Name, res)
	}
	s := &Session{
		ID:          ulid.Make().String(),
		dev:         dev,
		caps:        caps,
		serial:      serial,
		resolution:  res,
		registry:    &ChannelRegistry{},
		started:     time.Now(),
		memSegments: 1,
		active:      make(map[activity]struct{}),
	}
	s.alloc = newBufferAllocator(dev, s.registry, s.onWarning)
	if err := s.handle(dev.Open(serial, res)); err != nil {
		return nil, err
	}
	lim, err := dev.ADCLimits(res)
	if err := s.handle(err); err != nil {
		return nil, err
	}
	if !lim.Valid() {
		s.dev.Close()
		return nil, fmt.Errorf("device reported unusable ADC limits %+v", lim)
	}
	s.limits = lim
	UpdateLogger.Printf("Session %s opened: %s serial %q at %v, ADC limits [%d, %d]",
		s.ID, caps.Name, serial, res, lim.Min, lim.Max)
	return s, nil
}

// SetUpdater makes the session publish status messages on updates.
func (s *Session) SetUpdater(updates chan<- ClientUpdate) {
	s.updates = updates
}

// SetRecorder makes the session report its metadata to r.
func (s *Session) SetRecorder(r Recorder) {
	s.recorder = r
	if r != nil {
		r.RecordSession(s.Info())
	}
}

// Family returns the device family of the session.
func (s *Session) Family() Family { return s.dev.Family() }

// Capabilities returns the capability table of the session's device family.
func (s *Session) Capabilities() *Capabilities { return s.caps }

// Resolution returns the resolution fixed at open time.
func (s *Session) Resolution() Resolution { return s.resolution }

// Limits returns the cached ADC limits.
func (s *Session) Limits() ADCLimits { return s.limits }

// Registry returns the session's channel registry.
func (s *Session) Registry() *ChannelRegistry { return s.registry }

// Allocator returns the session's buffer allocator.
func (s *Session) Allocator() *BufferAllocator { return s.alloc }

// Warnings returns the number of device warnings seen so far.
func (s *Session) Warnings() int64 { return s.warnings.Load() }

// Err returns the fault that closed the session, if any.
func (s *Session) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.fault
}

// Closed is true once the session has been closed or has faulted.
func (s *Session) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

func (s *Session) checkOpen() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fault != nil {
		return fmt.Errorf("session %s: %w", s.ID, s.fault)
	}
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// onWarning reports a device warning and, for power-source warnings, asks the
// device to switch power source. It returns an error only if that switch faults.
func (s *Session) onWarning(w *DeviceWarning) error {
	n := s.warnings.Add(1)
	ProblemLogger.Printf("Session %s: %v (warning #%d)", s.ID, w, n)
	s.publish("WARNING", struct {
		SessionID string
		Code      uint32
		Text      string
		Op        string
	}{s.ID, uint32(w.Code), w.Code.String(), w.Op})
	if !w.Code.IsPowerSource() {
		return nil
	}
	err := s.dev.ChangePowerSource(w.Code)
	var again *DeviceWarning
	if errors.As(err, &again) {
		ProblemLogger.Printf("Session %s: %v after changing power source", s.ID, again)
		return nil
	}
	return err
}

// handle applies the error taxonomy to the result of a device call: warnings
// are reported and dropped, faults close the session.
func (s *Session) handle(err error) error {
	var warning *DeviceWarning
	if errors.As(err, &warning) {
		err = s.onWarning(warning)
	}
	if err != nil && IsFault(err) {
		return s.fail(err)
	}
	return err
}

// fail closes the session after a device fault and releases every buffer.
func (s *Session) fail(err error) error {
	s.lock.Lock()
	first := s.fault == nil
	if first {
		s.fault = err
	}
	s.closed = true
	s.lock.Unlock()
	if first {
		s.alloc.forget()
		if cerr := s.dev.Close(); cerr != nil {
			log.Printf("Session %s: error closing device after fault: %v", s.ID, cerr)
		}
		ProblemLogger.Printf("Session %s closed after device fault: %v", s.ID, err)
		if Verbose {
			ProblemLogger.Print(s.DebugDump())
		}
		s.publish("FAULT", struct {
			SessionID string
			Error     string
		}{s.ID, err.Error()})
		if s.recorder != nil {
			s.recorder.RecordSession(s.Info())
		}
	}
	return fmt.Errorf("session %s: %w", s.ID, err)
}

func (s *Session) track(a activity) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.active[a] = struct{}{}
}

func (s *Session) untrack(a activity) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.active, a)
}

// Close stops every streaming session (joining its polling goroutine) and
// every outstanding capture, then stops the device, releases buffers and
// closes the session. Calling Close on a closed session does nothing.
func (s *Session) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	active := make([]activity, 0, len(s.active))
	for a := range s.active {
		active = append(active, a)
	}
	s.lock.Unlock()

	// Streams stop while the session is still open, so they stop the device
	// and release their own buffers.
	for _, a := range active {
		a.shutdown()
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.active = make(map[activity]struct{})
	s.lock.Unlock()

	var errs []error
	if err := s.dev.Stop(); err != nil && !isWarning(err) {
		errs = append(errs, err)
	}
	// The device has stopped, so nothing writes into the buffers any more.
	s.alloc.setInFlight(false)
	if err := s.alloc.Clear(); err != nil && !isWarning(err) {
		errs = append(errs, err)
	}
	s.alloc.forget()
	if err := s.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	UpdateLogger.Printf("Session %s closed", s.ID)
	if s.recorder != nil {
		info := s.Info()
		info.End = time.Now()
		s.recorder.RecordSession(info)
	}
	return errors.Join(errs...)
}

func isWarning(err error) bool {
	var warning *DeviceWarning
	return errors.As(err, &warning)
}

// SetChannel configures one channel on the device and records it in the registry.
func (s *Session) SetChannel(id ChannelID, rng Range, enabled bool, coupling Coupling,
	offsetV float64, probeScale float64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !id.Analog() {
		return newConfigError(ErrInvalidChannel, "channel %v cannot be configured as an input", id)
	}
	if enabled {
		if !rng.Valid() {
			return newConfigError(ErrInvalidRange, "range %v for channel %v", rng, id)
		}
		if probeScale < 1.0 {
			return newConfigError(ErrInvalidProbeScale, "probe scale %v for channel %v must be >= 1", probeScale, id)
		}
	}
	if err := s.handle(s.dev.ConfigureChannel(id, enabled, rng, coupling, offsetV)); err != nil {
		return err
	}
	return s.registry.SetChannel(id, rng, enabled, coupling, offsetV, probeScale)
}

// ConfigureChannels applies a list of channel configurations. Channels not in
// the list are left alone.
func (s *Session) ConfigureChannels(cfgs []ChannelConfig) error {
	for _, c := range cfgs {
		if err := s.SetChannel(c.ID, c.Range, true, c.Coupling, c.OffsetV, c.ProbeScale); err != nil {
			return err
		}
	}
	return nil
}

// AllChannelsOff disables every analog channel.
func (s *Session) AllChannelsOff() error {
	for id := ChannelA; id < NumChannels; id++ {
		if err := s.SetChannel(id, 0, false, CouplingDC, 0, 1); err != nil {
			return err
		}
	}
	return nil
}

// MvToCode converts mv to a raw code on an enabled channel.
func (s *Session) MvToCode(id ChannelID, mv float64) (int64, error) {
	return s.registry.MvToCode(id, mv, s.limits)
}

// CodeToMv converts a raw code of an enabled channel to mV.
func (s *Session) CodeToMv(id ChannelID, code int64) (float64, error) {
	return s.registry.CodeToMv(id, code, s.limits)
}

// BufferToMv converts the first n samples of a buffer of channel id to mV.
func (s *Session) BufferToMv(id ChannelID, b Buffer, n int) ([]float64, error) {
	codes := b.Codes()
	if n >= 0 && n < len(codes) {
		codes = codes[:n]
	}
	return s.registry.CodesToMv(id, codes, s.limits)
}

// YLim returns display limits for the widest enabled channel.
func (s *Session) YLim(unit VoltUnit) (float64, float64, error) {
	return s.registry.YLim(unit)
}

// NearestInterval returns the timebase closest to intervalS seconds and its realized interval.
func (s *Session) NearestInterval(intervalS float64) (uint32, float64, error) {
	return s.caps.NearestTimebase(intervalS, s.resolution)
}

// MinimumTimebase returns the fastest timebase of the session and its interval in seconds.
func (s *Session) MinimumTimebase() (uint32, float64) {
	return s.caps.MinimumTimebase(s.resolution)
}

// SetMemorySegments divides device memory into n segments and returns the
// maximum number of samples each can hold.
func (s *Session) SetMemorySegments(n uint64) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, newConfigError(ErrInvalidSamples, "need at least one memory segment")
	}
	max, err := s.dev.SetMemorySegments(n)
	if err := s.handle(err); err != nil {
		return 0, err
	}
	s.lock.Lock()
	s.memSegments = n
	s.lock.Unlock()
	return max, nil
}

// MemorySegments returns the number of memory segments the device memory is divided into.
func (s *Session) MemorySegments() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.memSegments
}

// ProcessedCaptures reports how many rapid-block captures the device has completed.
func (s *Session) ProcessedCaptures() (uint64, error) {
	n, err := s.dev.ProcessedCaptures()
	return n, s.handle(err)
}

// Info summarizes the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:         s.ID,
		Family:     s.caps.Name,
		Serial:     s.serial,
		Resolution: int(s.resolution),
		ADCMin:     s.limits.Min,
		ADCMax:     s.limits.Max,
		Warnings:   s.Warnings(),
		Faulted:    s.Err() != nil,
		Start:      s.started,
	}
	for _, id := range s.registry.EnabledChannels() {
		cfg, _ := s.registry.Channel(id)
		info.Channels = append(info.Channels, cfg)
	}
	return info
}

// DebugDump returns a human-readable dump of the session configuration.
func (s *Session) DebugDump() string {
	return spew.Sdump(s.Info())
}

func (s *Session) publish(tag string, state any) {
	if s.updates == nil {
		return
	}
	publishUpdate(s.updates, tag, state)
}
