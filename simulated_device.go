package scopeacq

import (
	"sync"
)

// SimulatedDevice is a drop-in AcquisitionDevice that requires no hardware.
// It produces deterministic codes (see SimulatedCode) and lets tests inject
// driver statuses, per-segment overflow words and streaming buffer-full events.
type SimulatedDevice struct {
	family     Family
	caps       *Capabilities
	resolution Resolution
	isOpen     bool
	channels   ChannelMap[Range]

	blockBufs     map[simKey]Buffer
	streamQueues  ChannelMap[[]*simStreamEntry]
	registrations []BufferRegistration
	powerChanges  []StatusCode
	injections    []*simInjection

	nSegments      uint64
	nCaptures      uint64
	processed      uint64
	armed          bool
	armSegment     uint64
	pre, post      uint64
	timebase       uint32
	readyAfter     int
	readyPolls     int
	truncateTo     uint64
	segOverflow    map[uint64]uint16
	timestamps     []uint64
	timestampStep  uint64
	counterMask    uint64
	triggerOffsets []TimeOffset

	streaming     bool
	streamReq     StreamRequest
	chunk         uint64
	streamLimit   uint64
	streamTrigger int64
	writeIdx      uint64
	writePos      uint64
	produced      uint64
	polls         int
	fullAtPoll    map[int]bool
	overflowAt    map[int]uint16

	lock sync.Mutex
}

type simKey struct {
	channel ChannelID
	segment uint64
	role    BufferRole
}

type simStreamEntry struct {
	data, max, min Buffer
}

type simInjection struct {
	op    string
	skip  int
	code  StatusCode
	fired bool
}

// NewSimulatedDevice returns a closed simulated device of family f.
func NewSimulatedDevice(f Family) *SimulatedDevice {
	return &SimulatedDevice{
		family:        f,
		caps:          f.Capabilities(),
		blockBufs:     make(map[simKey]Buffer),
		nSegments:     1,
		nCaptures:     1,
		segOverflow:   make(map[uint64]uint16),
		timestampStep: 1000,
		counterMask:   DefaultCounterMask,
		chunk:         64,
		streamTrigger: -1,
		fullAtPoll:    make(map[int]bool),
		overflowAt:    make(map[int]uint16),
	}
}

// SimulatedCode is the code the simulator produces for sample n of channel ch
// when it writes into a buffer of type dt.
func SimulatedCode(ch ChannelID, n uint64, dt DataType) int64 {
	base := int64((n*7 + uint64(ch)*1000) % 20000)
	switch dt {
	case Int8:
		return base%200 - 100
	case Uint32:
		return base
	}
	return base - 10000
}

// InjectStatus makes the call to op that follows skip further calls return code.
// op is the method name, for example "RegisterBuffer" or "IsReady".
func (sim *SimulatedDevice) InjectStatus(op string, skip int, code StatusCode) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.injections = append(sim.injections, &simInjection{op: op, skip: skip, code: code})
}

func (sim *SimulatedDevice) status(op string) error {
	for _, inj := range sim.injections {
		if inj.fired || inj.op != op {
			continue
		}
		if inj.skip > 0 {
			inj.skip--
			continue
		}
		inj.fired = true
		return CheckStatus(op, inj.code)
	}
	return nil
}

// SetReadyAfter makes IsReady report true only on the nth poll after arming.
func (sim *SimulatedDevice) SetReadyAfter(n int) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.readyAfter = n
}

// SetTruncate caps the number of samples returned by readouts (0 means no cap).
func (sim *SimulatedDevice) SetTruncate(n uint64) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.truncateTo = n
}

// SetSegmentOverflow sets the overflow word reported for one memory segment.
func (sim *SimulatedDevice) SetSegmentOverflow(segment uint64, bits uint16) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.segOverflow[segment] = bits
}

// SetTriggerTimestamps sets the timestamp counters reported by GetTriggerInfo,
// one per segment. Without them the counter advances by a fixed step per segment.
func (sim *SimulatedDevice) SetTriggerTimestamps(ts []uint64) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.timestamps = append([]uint64(nil), ts...)
}

// SetTriggerOffsets sets the per-segment trigger time offsets.
func (sim *SimulatedDevice) SetTriggerOffsets(offsets []TimeOffset) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.triggerOffsets = append([]TimeOffset(nil), offsets...)
}

// SetStreamChunk sets how many samples each streaming poll delivers at most.
func (sim *SimulatedDevice) SetStreamChunk(n uint64) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.chunk = n
}

// SetStreamLimit makes an auto-stop streaming run end after n samples.
func (sim *SimulatedDevice) SetStreamLimit(n uint64) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.streamLimit = n
}

// SetStreamTrigger makes the streaming run report a trigger at sample n.
func (sim *SimulatedDevice) SetStreamTrigger(n uint64) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.streamTrigger = int64(n)
}

// SetBufferFullAt makes streaming poll number n (counting from 1) report a
// full buffer and deliver nothing. overflow is reported with it.
func (sim *SimulatedDevice) SetBufferFullAt(n int, overflow uint16) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.fullAtPoll[n] = true
	sim.overflowAt[n] = overflow
}

// Registrations returns a copy of every buffer registration received.
func (sim *SimulatedDevice) Registrations() []BufferRegistration {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	return append([]BufferRegistration(nil), sim.registrations...)
}

// PowerChanges returns the status codes that prompted ChangePowerSource calls.
func (sim *SimulatedDevice) PowerChanges() []StatusCode {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	return append([]StatusCode(nil), sim.powerChanges...)
}

// IsOpen is true between Open and Close.
func (sim *SimulatedDevice) IsOpen() bool {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	return sim.isOpen
}

// Produced returns the number of samples per channel made by streaming so far.
func (sim *SimulatedDevice) Produced() uint64 {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	return sim.produced
}

// Family returns the simulated family.
func (sim *SimulatedDevice) Family() Family { return sim.family }

// Open errors if already open.
func (sim *SimulatedDevice) Open(serial string, res Resolution) error {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if sim.isOpen {
		return CheckStatus("Open", StatusBusy)
	}
	if !sim.caps.SupportsResolution(res) {
		return CheckStatus("Open", StatusInvalidDeviceResolution)
	}
	err := sim.status("Open")
	if IsFault(err) {
		return err
	}
	sim.isOpen = true
	sim.resolution = res
	return err
}

// Close errors if already closed.
func (sim *SimulatedDevice) Close() error {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if !sim.isOpen {
		return CheckStatus("Close", StatusInvalidHandle)
	}
	sim.isOpen = false
	sim.streaming = false
	sim.armed = false
	return nil
}

// ADCLimits comes from the capability table.
func (sim *SimulatedDevice) ADCLimits(res Resolution) (ADCLimits, error) {
	return sim.caps.ADCLimits(res)
}

// ChangePowerSource records the request.
func (sim *SimulatedDevice) ChangePowerSource(code StatusCode) error {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.powerChanges = append(sim.powerChanges, code)
	return sim.status("ChangePowerSource")
}

func (sim *SimulatedDevice) checkOpen(op string) error {
	if !sim.isOpen {
		return CheckStatus(op, StatusInvalidHandle)
	}
	return sim.status(op)
}

// ConfigureChannel enables or disables a channel.
func (sim *SimulatedDevice) ConfigureChannel(ch ChannelID, enabled bool, rng Range, coupling Coupling, offsetV float64) error {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	err := sim.checkOpen("ConfigureChannel")
	if IsFault(err) {
		return err
	}
	if !ch.Analog() {
		return CheckStatus("ConfigureChannel", StatusInvalidChannel)
	}
	if enabled && !rng.Valid() {
		return CheckStatus("ConfigureChannel", StatusInvalidVoltageRange)
	}
	if enabled {
		sim.channels.Set(ch, rng)
	} else {
		sim.channels.Delete(ch)
	}
	return err
}

// RegisterBuffer adds or clears buffers. Every registration is also queued
// for streaming so the double buffer is served in registration order.
// An injected warning is returned after the registration took effect.
func (sim *SimulatedDevice) RegisterBuffer(reg BufferRegistration) error {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	warn := sim.checkOpen("RegisterBuffer")
	if IsFault(warn) {
		return warn
	}
	if err := sim.register(reg); err != nil {
		return err
	}
	return warn
}

func (sim *SimulatedDevice) register(reg BufferRegistration) error {
	if reg.Mode == RatioRaw && sim.caps.RawMode != RatioRaw {
		return CheckStatus("RegisterBuffer", StatusInvalidParameter)
	}
	if reg.Buffer != nil && sim.caps.CheckDataType(reg.Buffer.DataType()) != nil {
		return CheckStatus("RegisterBuffer", StatusInvalidParameter)
	}
	sim.registrations = append(sim.registrations, reg)

	switch {
	case reg.Action&(ActionClearAll|ActionClearWaveformDataBuffers|ActionClearWaveformReadDataBuffers) != 0:
		sim.blockBufs = make(map[simKey]Buffer)
		sim.streamQueues = ChannelMap[[]*simStreamEntry]{}
	case reg.Action&ActionClearThisDataBuffer != 0:
		return sim.clearOne(reg)
	}
	if reg.Buffer == nil || reg.Action&ActionAdd == 0 {
		return nil
	}
	sim.blockBufs[simKey{reg.Channel, reg.Segment, reg.Role}] = reg.Buffer
	queue, _ := sim.streamQueues.Get(reg.Channel)
	switch reg.Role {
	case RoleMin:
		if n := len(queue); n > 0 && queue[n-1].min == nil && queue[n-1].max != nil {
			queue[n-1].min = reg.Buffer
		} else {
			queue = append(queue, &simStreamEntry{min: reg.Buffer})
		}
	case RoleMax:
		queue = append(queue, &simStreamEntry{max: reg.Buffer})
	default:
		queue = append(queue, &simStreamEntry{data: reg.Buffer})
	}
	sim.streamQueues.Set(reg.Channel, queue)
	return nil
}

func (sim *SimulatedDevice) clearOne(reg BufferRegistration) error {
	key := simKey{reg.Channel, reg.Segment, reg.Role}
	if reg.Buffer == nil || sim.blockBufs[key] == reg.Buffer {
		delete(sim.blockBufs, key)
	}
	if reg.Buffer == nil {
		return nil
	}
	queue, _ := sim.streamQueues.Get(reg.Channel)
	kept := queue[:0]
	for i, e := range queue {
		if e.data == reg.Buffer || e.max == reg.Buffer || e.min == reg.Buffer {
			if i == 0 && sim.streaming && sim.writePos > 0 {
				return CheckStatus("RegisterBuffer", StatusBufferStall)
			}
			continue
		}
		kept = append(kept, e)
	}
	sim.streamQueues.Set(reg.Channel, kept)
	return nil
}

// SetMemorySegments returns the samples available per segment.
func (sim *SimulatedDevice) SetMemorySegments(n uint64) (uint64, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("SetMemorySegments"); err != nil {
		return 0, err
	}
	const memorySamples = 1 << 28
	if n == 0 || n > memorySamples {
		return 0, CheckStatus("SetMemorySegments", StatusTooManySegments)
	}
	sim.nSegments = n
	return memorySamples / n, nil
}

// SetNoOfCaptures sets the number of segments one run fills.
func (sim *SimulatedDevice) SetNoOfCaptures(n uint64) error {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("SetNoOfCaptures"); err != nil {
		return err
	}
	if n == 0 || n > sim.nSegments {
		return CheckStatus("SetNoOfCaptures", StatusTooManySegments)
	}
	sim.nCaptures = n
	return nil
}

// ProcessedCaptures returns the captures finished in the last run.
func (sim *SimulatedDevice) ProcessedCaptures() (uint64, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	return sim.processed, sim.checkOpen("ProcessedCaptures")
}

// ArmBlock starts a block or rapid-block run.
func (sim *SimulatedDevice) ArmBlock(pre, post uint64, timebase uint32, segment uint64) error {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("ArmBlock"); err != nil {
		return err
	}
	if _, err := sim.caps.Interval(timebase, sim.resolution); err != nil {
		return CheckStatus("ArmBlock", StatusInvalidTimebase)
	}
	if segment >= sim.nSegments {
		return CheckStatus("ArmBlock", StatusSegmentOutOfRange)
	}
	sim.pre, sim.post, sim.timebase = pre, post, timebase
	sim.armSegment = segment
	sim.armed = true
	sim.readyPolls = 0
	sim.processed = 0
	return nil
}

// IsReady reports readiness after the configured number of polls.
func (sim *SimulatedDevice) IsReady() (bool, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	warn := sim.checkOpen("IsReady")
	if IsFault(warn) {
		return false, warn
	}
	if !sim.armed {
		return false, CheckStatus("IsReady", StatusBlockModeFailed)
	}
	sim.readyPolls++
	if sim.readyPolls < sim.readyAfter {
		return false, warn
	}
	sim.processed = sim.nCaptures
	return true, warn
}

func (sim *SimulatedDevice) fillSegment(req ReadRequest, segment uint64) uint64 {
	total := sim.pre + sim.post
	if req.Start >= total {
		return 0
	}
	n := min(req.Count, total-req.Start)
	if sim.truncateTo > 0 {
		n = min(n, sim.truncateTo)
	}
	ratio := max(req.Ratio, 1)
	if req.Mode.IsRaw() {
		ratio = 1
	}
	out := (n + ratio - 1) / ratio
	for _, ch := range sim.channels.Channels() {
		for _, role := range []BufferRole{RoleData, RoleMax, RoleMin} {
			b, ok := sim.blockBufs[simKey{ch, segment, role}]
			if !ok {
				continue
			}
			for i := uint64(0); i < out && int(i) < b.Len(); i++ {
				code := SimulatedCode(ch, req.Start+i*ratio, b.DataType())
				switch role {
				case RoleMax:
					code++
				case RoleMin:
					code--
				}
				b.SetCode(int(i), code)
			}
		}
	}
	return out
}

// ReadValues fills the registered buffers of one segment.
func (sim *SimulatedDevice) ReadValues(req ReadRequest) (ReadResult, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("ReadValues"); err != nil {
		return ReadResult{}, err
	}
	if !sim.armed {
		return ReadResult{}, CheckStatus("ReadValues", StatusDataNotAvailable)
	}
	if req.Segment >= sim.nSegments {
		return ReadResult{}, CheckStatus("ReadValues", StatusSegmentOutOfRange)
	}
	n := sim.fillSegment(req, req.Segment)
	return ReadResult{Count: n, Overflow: sim.segOverflow[req.Segment]}, nil
}

// ReadValuesBulk fills the buffers of segments from..to, wrapping when to < from.
func (sim *SimulatedDevice) ReadValuesBulk(req ReadRequest, from, to uint64) (BulkResult, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("ReadValuesBulk"); err != nil {
		return BulkResult{}, err
	}
	if !sim.armed {
		return BulkResult{}, CheckStatus("ReadValuesBulk", StatusDataNotAvailable)
	}
	if from >= sim.nSegments || to >= sim.nSegments {
		return BulkResult{}, CheckStatus("ReadValuesBulk", StatusSegmentOutOfRange)
	}
	var result BulkResult
	for _, seg := range SegmentRange(from, to, sim.nSegments) {
		result.Count = sim.fillSegment(req, seg)
		result.Overflow = append(result.Overflow, sim.segOverflow[seg])
	}
	return result, nil
}

// StartStreaming begins streaming into the registered buffers.
func (sim *SimulatedDevice) StartStreaming(req StreamRequest) (float64, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("StartStreaming"); err != nil {
		return 0, err
	}
	for _, ch := range sim.channels.Channels() {
		if q, _ := sim.streamQueues.Get(ch); len(q) == 0 {
			return 0, CheckStatus("StartStreaming", StatusStreamingFailed)
		}
	}
	_, actual, err := sim.caps.NearestTimebase(req.Interval*req.Unit.Seconds(), sim.resolution)
	if err != nil {
		return 0, CheckStatus("StartStreaming", StatusInvalidSampleInterval)
	}
	sim.streamReq = req
	sim.streaming = true
	sim.writeIdx, sim.writePos, sim.produced, sim.polls = 0, 0, 0, 0
	return actual / req.Unit.Seconds(), nil
}

func (entry *simStreamEntry) length() int {
	if entry.data != nil {
		return entry.data.Len()
	}
	if entry.max != nil {
		return entry.max.Len()
	}
	return 0
}

// PollStreaming delivers the next chunk into the current buffer of every enabled channel.
func (sim *SimulatedDevice) PollStreaming() (StreamPoll, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("PollStreaming"); err != nil {
		return StreamPoll{}, err
	}
	if !sim.streaming {
		return StreamPoll{}, CheckStatus("PollStreaming", StatusStreamingFailed)
	}
	sim.polls++
	poll := StreamPoll{BufferIndex: sim.writeIdx, StartOffset: sim.writePos}
	channels := sim.channels.Channels()
	if len(channels) == 0 {
		return poll, nil
	}
	if sim.fullAtPoll[sim.polls] {
		poll.BufferFull = true
		poll.Overflow = sim.overflowAt[sim.polls]
		return poll, CheckStatus("PollStreaming", StatusWaitingForDataBuffers)
	}

	// Move to the next buffer once the current one is full and a successor is registered.
	q0, _ := sim.streamQueues.Get(channels[0])
	if len(q0) > 0 && sim.writePos >= uint64(q0[0].length()) {
		for _, ch := range channels {
			if q, _ := sim.streamQueues.Get(ch); len(q) < 2 {
				poll.BufferFull = true
				return poll, CheckStatus("PollStreaming", StatusWaitingForDataBuffers)
			}
		}
		for _, ch := range channels {
			q, _ := sim.streamQueues.Get(ch)
			sim.streamQueues.Set(ch, q[1:])
		}
		sim.writeIdx++
		sim.writePos = 0
		poll.BufferIndex, poll.StartOffset = sim.writeIdx, 0
	}
	q0, _ = sim.streamQueues.Get(channels[0])
	if len(q0) == 0 {
		poll.BufferFull = true
		return poll, CheckStatus("PollStreaming", StatusWaitingForDataBuffers)
	}

	n := min(sim.chunk, uint64(q0[0].length())-sim.writePos)
	if sim.streamReq.AutoStop && sim.streamLimit > 0 {
		n = min(n, sim.streamLimit-sim.produced)
	}
	for _, ch := range channels {
		q, _ := sim.streamQueues.Get(ch)
		entry := q[0]
		for i := uint64(0); i < n; i++ {
			pos := int(sim.writePos + i)
			sampleNum := sim.produced + i
			if entry.data != nil {
				entry.data.SetCode(pos, SimulatedCode(ch, sampleNum, entry.data.DataType()))
			}
			if entry.max != nil {
				entry.max.SetCode(pos, SimulatedCode(ch, sampleNum, entry.max.DataType())+1)
			}
			if entry.min != nil {
				entry.min.SetCode(pos, SimulatedCode(ch, sampleNum, entry.min.DataType())-1)
			}
		}
	}
	if sim.streamTrigger >= 0 && uint64(sim.streamTrigger) >= sim.produced && uint64(sim.streamTrigger) < sim.produced+n {
		poll.Triggered = true
		poll.TriggerAt = sim.writePos + uint64(sim.streamTrigger) - sim.produced
	}
	poll.Delivered = n
	poll.Overflow = sim.overflowAt[sim.polls]
	sim.writePos += n
	sim.produced += n
	if sim.streamReq.AutoStop && sim.streamLimit > 0 && sim.produced >= sim.streamLimit {
		poll.AutoStopped = true
		sim.streaming = false
	}
	return poll, nil
}

// GetTriggerInfo reports one record per segment starting at first.
func (sim *SimulatedDevice) GetTriggerInfo(first, count uint64) ([]TriggerInfo, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("GetTriggerInfo"); err != nil {
		return nil, err
	}
	if first+count > sim.nSegments {
		return nil, CheckStatus("GetTriggerInfo", StatusSegmentOutOfRange)
	}
	infos := make([]TriggerInfo, count)
	for i := range count {
		seg := first + i
		ts := (1000 + seg*sim.timestampStep) & sim.counterMask
		if int(seg) < len(sim.timestamps) {
			ts = sim.timestamps[seg]
		}
		infos[i] = TriggerInfo{
			SegmentIndex:     seg,
			TriggerIndex:     sim.pre,
			TimeUnit:         Picoseconds,
			TimeStampCounter: ts,
		}
		if int(seg) < len(sim.triggerOffsets) {
			infos[i].TriggerTime = float64(sim.triggerOffsets[seg].Value)
			infos[i].TimeUnit = sim.triggerOffsets[seg].Unit
		}
	}
	return infos, nil
}

// TriggerTimeOffsets reports the offsets of segments from..to.
func (sim *SimulatedDevice) TriggerTimeOffsets(from, to uint64) ([]TimeOffset, error) {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	if err := sim.checkOpen("TriggerTimeOffsets"); err != nil {
		return nil, err
	}
	var offsets []TimeOffset
	for _, seg := range SegmentRange(from, to, sim.nSegments) {
		off := TimeOffset{Unit: Picoseconds}
		if int(seg) < len(sim.triggerOffsets) {
			off = sim.triggerOffsets[seg]
		}
		offsets = append(offsets, off)
	}
	return offsets, nil
}

// Stop ends any block or streaming run.
func (sim *SimulatedDevice) Stop() error {
	sim.lock.Lock()
	defer sim.lock.Unlock()
	sim.streaming = false
	if !sim.isOpen {
		return nil
	}
	return sim.status("Stop")
}
