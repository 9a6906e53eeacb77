package scopeacq

import (
	"errors"
	"sync"
)

// BufferAllocator owns every capture buffer of one session and hands them to
// the producer. Storage of a registered buffer is never reused: replacing a
// buffer clears it at the producer and allocates fresh storage.
type BufferAllocator struct {
	dev      AcquisitionDevice
	caps     *Capabilities
	reg      *ChannelRegistry
	warn     func(*DeviceWarning) error
	buffers  map[bufferKey]*CaptureBuffer
	inFlight bool       // a capture that writes into the buffers is outstanding
	lock     sync.Mutex // guards buffers and inFlight
}

func newBufferAllocator(dev AcquisitionDevice, reg *ChannelRegistry, warn func(*DeviceWarning) error) *BufferAllocator {
	if warn == nil {
		warn = func(w *DeviceWarning) error {
			ProblemLogger.Println(w)
			return nil
		}
	}
	return &BufferAllocator{
		dev:     dev,
		caps:    dev.Family().Capabilities(),
		reg:     reg,
		warn:    warn,
		buffers: make(map[bufferKey]*CaptureBuffer),
	}
}

// classify turns a warning into nil (after reporting it) and drops every
// buffer record on a fault, since the session will not survive it.
func (a *BufferAllocator) classify(err error) error {
	var warning *DeviceWarning
	if errors.As(err, &warning) {
		err = a.warn(warning)
	}
	if err != nil && IsFault(err) {
		a.buffers = make(map[bufferKey]*CaptureBuffer)
		a.inFlight = false
	}
	return err
}

func (a *BufferAllocator) register(r BufferRegistration) error {
	r.Mode = a.caps.DriverRatioMode(r.Mode)
	return a.classify(a.dev.RegisterBuffer(r))
}

// unregister clears one registered half at the producer, identified by its storage.
func (a *BufferAllocator) unregister(cb *CaptureBuffer, role BufferRole) error {
	half := cb.Data
	switch role {
	case RoleMax:
		half = cb.Max
	case RoleMin:
		half = cb.Min
	}
	return a.register(BufferRegistration{Channel: cb.Channel, Buffer: half, Role: role,
		Segment: cb.Segment, Mode: cb.Mode, Action: ActionClearThisDataBuffer})
}

// release clears cb at the producer. Its record is dropped only once the
// producer has let go of every half.
func (a *BufferAllocator) release(cb *CaptureBuffer) error {
	if cb.Aggregate() {
		if err := a.unregister(cb, RoleMax); err != nil {
			return err
		}
		if err := a.unregister(cb, RoleMin); err != nil {
			return err
		}
	} else if err := a.unregister(cb, RoleData); err != nil {
		return err
	}
	delete(a.buffers, cb.key())
	return nil
}

func (a *BufferAllocator) driverAction(action Action) Action {
	mapped, ok := a.caps.DriverAction(action)
	if !ok {
		ProblemLogger.Printf("%s does not support buffer action %v; using %v", a.caps.Name, action, mapped)
	}
	return mapped
}

// Allocate creates and registers a zeroed buffer (a min/max pair for
// RatioAggregate) for one channel and segment. With samples == 0 it is a clear
// request for the given action flags instead, and returns a nil buffer.
func (a *BufferAllocator) Allocate(ch ChannelID, samples int, dt DataType, mode RatioMode,
	action Action, segment uint64) (*CaptureBuffer, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.inFlight {
		return nil, errInFlight
	}
	return a.allocateLocked(ch, samples, dt, mode, action, segment, 0)
}

var errInFlight = newConfigError(ErrBadState, "buffers cannot change while a capture is in flight")

// wideClears are the actions that clear more than one buffer at the producer.
const wideClears = ActionClearAll | ActionClearWaveformDataBuffers | ActionClearWaveformReadDataBuffers

// allocateSlot allocates one of several buffers that share a (channel,
// segment, mode) tuple, as the streaming double buffer does. The streaming
// coordinator owns the in-flight buffers, so this skips the in-flight check.
func (a *BufferAllocator) allocateSlot(ch ChannelID, samples int, dt DataType, mode RatioMode,
	slot int) (*CaptureBuffer, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.allocateLocked(ch, samples, dt, mode, ActionAdd, 0, slot)
}

func (a *BufferAllocator) allocateLocked(ch ChannelID, samples int, dt DataType, mode RatioMode,
	action Action, segment uint64, slot int) (*CaptureBuffer, error) {
	if samples == 0 {
		return nil, a.clearLocked(ch, segment, mode, action)
	}
	if samples < 0 {
		return nil, newConfigError(ErrInvalidSamples, "buffer length %d", samples)
	}
	if _, ok := a.reg.Channel(ch); !ok {
		return nil, newConfigError(ErrInvalidRange, "channel %v is not enabled", ch)
	}
	if err := a.caps.CheckDataType(dt); err != nil {
		return nil, err
	}
	if err := CheckRatio(mode, 1); err != nil {
		return nil, err
	}
	action = a.driverAction(action | ActionAdd)
	if action&wideClears != 0 {
		a.buffers = make(map[bufferKey]*CaptureBuffer)
	}
	cb := &CaptureBuffer{Channel: ch, Segment: segment, Mode: mode, Slot: slot}
	if old, ok := a.buffers[cb.key()]; ok {
		if err := a.release(old); err != nil {
			return nil, err
		}
	}

	if cb.Aggregate() {
		var err error
		if cb.Max, err = NewBuffer(dt, samples); err != nil {
			return nil, err
		}
		if cb.Min, err = NewBuffer(dt, samples); err != nil {
			return nil, err
		}
		if err := a.register(BufferRegistration{Channel: ch, Buffer: cb.Max, Role: RoleMax,
			Segment: segment, Mode: mode, Action: action}); err != nil {
			return nil, err
		}
		// The min half uses plain ADD so that a failure here cannot have cleared anything.
		if err := a.register(BufferRegistration{Channel: ch, Buffer: cb.Min, Role: RoleMin,
			Segment: segment, Mode: mode, Action: ActionAdd}); err != nil {
			if rerr := a.unregister(cb, RoleMax); rerr != nil && !IsFault(err) {
				return nil, rerr
			}
			return nil, err
		}
	} else {
		var err error
		if cb.Data, err = NewBuffer(dt, samples); err != nil {
			return nil, err
		}
		if err := a.register(BufferRegistration{Channel: ch, Buffer: cb.Data, Role: RoleData,
			Segment: segment, Mode: mode, Action: action}); err != nil {
			return nil, err
		}
	}
	a.buffers[cb.key()] = cb
	return cb, nil
}

func (a *BufferAllocator) clearLocked(ch ChannelID, segment uint64, mode RatioMode, action Action) error {
	switch {
	case action&wideClears != 0:
		a.buffers = make(map[bufferKey]*CaptureBuffer)
		return a.register(BufferRegistration{Channel: ch, Segment: segment, Mode: mode,
			Action: a.driverAction(action)})
	case action&ActionClearThisDataBuffer != 0:
		if cb, ok := a.buffers[bufferKey{channel: ch, segment: segment, mode: mode}]; ok {
			return a.release(cb)
		}
		return nil
	}
	return newConfigError(ErrInvalidSamples, "a zero-length buffer needs a clear action, not %v", action)
}

// Clear releases every buffer of the session at the producer.
func (a *BufferAllocator) Clear() error {
	_, err := a.Allocate(ChannelA, 0, Int16, RatioRaw, ActionClearAll, 0)
	return err
}

// AllocateForEnabledChannels clears all prior buffers, then allocates one
// buffer (or pair) per enabled channel in ascending channel order.
func (a *BufferAllocator) AllocateForEnabledChannels(samples int, dt DataType, mode RatioMode,
	segment uint64) (ChannelMap[*CaptureBuffer], error) {
	segs, err := a.AllocateSegments(samples, dt, mode, segment, 1)
	if err != nil {
		return ChannelMap[*CaptureBuffer]{}, err
	}
	return segs[0], nil
}

// AllocateSegments clears all prior buffers, then allocates buffers for every
// enabled channel in each of n consecutive segments starting at first.
func (a *BufferAllocator) AllocateSegments(samples int, dt DataType, mode RatioMode,
	first uint64, n uint64) ([]ChannelMap[*CaptureBuffer], error) {
	if samples <= 0 {
		return nil, newConfigError(ErrInvalidSamples, "buffer length %d", samples)
	}
	channels := a.reg.EnabledChannels()
	if len(channels) == 0 {
		return nil, newConfigError(ErrInvalidRange, "no channels are enabled")
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.inFlight {
		return nil, errInFlight
	}
	if _, err := a.allocateLocked(channels[0], 0, dt, mode, ActionClearAll, first, 0); err != nil {
		return nil, err
	}
	result := make([]ChannelMap[*CaptureBuffer], n)
	for i := range n {
		for _, ch := range channels {
			cb, err := a.allocateLocked(ch, samples, dt, mode, ActionAdd, first+i, 0)
			if err != nil {
				if !IsFault(err) {
					if _, cerr := a.allocateLocked(ch, 0, dt, mode, ActionClearAll, first, 0); cerr != nil {
						ProblemLogger.Printf("Could not clear buffers after a failed allocation: %v", cerr)
					}
				}
				return nil, err
			}
			result[i].Set(ch, cb)
		}
	}
	return result, nil
}

// Buffer returns the registered buffer for a (channel, segment, mode) tuple.
func (a *BufferAllocator) Buffer(ch ChannelID, segment uint64, mode RatioMode) (*CaptureBuffer, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	cb, ok := a.buffers[bufferKey{channel: ch, segment: segment, mode: mode}]
	return cb, ok
}

// Registered returns the number of buffers (pairs count once) held for the producer.
func (a *BufferAllocator) Registered() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.buffers)
}

// reregister clears cb at the producer, zeroes it, and adds the same storage
// again. Only valid when the producer has finished writing cb.
func (a *BufferAllocator) reregister(cb *CaptureBuffer) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.release(cb); err != nil {
		return err
	}
	return a.readdLocked(cb)
}

// readd registers cb (allocated earlier by this allocator) with ADD.
func (a *BufferAllocator) readd(cb *CaptureBuffer) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.readdLocked(cb)
}

func (a *BufferAllocator) readdLocked(cb *CaptureBuffer) error {
	cb.zero()
	if cb.Aggregate() {
		if err := a.register(BufferRegistration{Channel: cb.Channel, Buffer: cb.Max, Role: RoleMax,
			Segment: cb.Segment, Mode: cb.Mode, Action: ActionAdd}); err != nil {
			return err
		}
		if err := a.register(BufferRegistration{Channel: cb.Channel, Buffer: cb.Min, Role: RoleMin,
			Segment: cb.Segment, Mode: cb.Mode, Action: ActionAdd}); err != nil {
			if rerr := a.unregister(cb, RoleMax); rerr != nil {
				ProblemLogger.Printf("Could not release the max buffer of %v after a failed add: %v", cb.Channel, rerr)
			}
			return err
		}
	} else if err := a.register(BufferRegistration{Channel: cb.Channel, Buffer: cb.Data, Role: RoleData,
		Segment: cb.Segment, Mode: cb.Mode, Action: ActionAdd}); err != nil {
		return err
	}
	a.buffers[cb.key()] = cb
	return nil
}

func (a *BufferAllocator) setInFlight(v bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.inFlight = v
}

// InFlight is true while a capture may write into the registered buffers.
func (a *BufferAllocator) InFlight() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.inFlight
}

// forget drops all records without talking to the producer. Used once the
// device is closed.
func (a *BufferAllocator) forget() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.buffers = make(map[bufferKey]*CaptureBuffer)
	a.inFlight = false
}
