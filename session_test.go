package scopeacq

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// newTestSession opens a simulated session with the given channels enabled at 1 V.
func newTestSession(t *testing.T, f Family, res Resolution, channels ...ChannelID) (*SimulatedDevice, *Session) {
	t.Helper()
	sim := NewSimulatedDevice(f)
	s, err := OpenSession(sim, "SIM001", res)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	for _, ch := range channels {
		if err := s.SetChannel(ch, Range1V, true, CouplingDC, 0, 1); err != nil {
			t.Fatalf("SetChannel(%v) failed: %v", ch, err)
		}
	}
	return sim, s
}

type testRecorder struct {
	sessions []SessionInfo
	segments [][]*CaptureSegment
	lock     sync.Mutex
}

func (r *testRecorder) RecordSession(info SessionInfo) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sessions = append(r.sessions, info)
}

func (r *testRecorder) RecordSegments(sessionID, captureID string, segs []*CaptureSegment) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.segments = append(r.segments, segs)
}

func TestOpenSession(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res10Bit)
	assert.True(t, sim.IsOpen())
	assert.Equal(t, ADCLimits{-32704, 32704}, s.Limits())
	assert.Equal(t, "ps6000a", s.Family().String())
	assert.NotEmpty(t, s.ID)
	assert.NoError(t, s.Err())

	_, err := OpenSession(NewSimulatedDevice(PS5000A), "", Res10Bit)
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestPowerSourceWarning(t *testing.T) {
	sim := NewSimulatedDevice(PS5000A)
	sim.InjectStatus("Open", 0, StatusPowerSupplyNotConnected)
	s, err := OpenSession(sim, "", Res8Bit)
	if err != nil {
		t.Fatalf("OpenSession with a power warning failed: %v", err)
	}
	assert.Equal(t, []StatusCode{StatusPowerSupplyNotConnected}, sim.PowerChanges())
	assert.Equal(t, int64(1), s.Warnings())
	assert.False(t, s.Closed())
}

func TestWarningIsPublished(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res8Bit)
	updates := make(chan ClientUpdate, 10)
	s.SetUpdater(updates)
	sim.InjectStatus("ConfigureChannel", 0, StatusChannelDisabledDueToUSBPower)
	if err := s.SetChannel(ChannelB, Range2V, true, CouplingAC, 0, 1); err != nil {
		t.Fatalf("SetChannel with a warning failed: %v", err)
	}
	cfg, ok := s.Registry().Channel(ChannelB)
	assert.True(t, ok)
	assert.Equal(t, Range2V, cfg.Range)

	update := <-updates
	assert.Equal(t, "WARNING", update.Tag)
	var msg struct {
		Code uint32
		Op   string
	}
	assert.NoError(t, json.Unmarshal(update.Message, &msg))
	assert.Equal(t, uint32(StatusChannelDisabledDueToUSBPower), msg.Code)
	assert.Equal(t, "ConfigureChannel", msg.Op)
	assert.Equal(t, []StatusCode{StatusChannelDisabledDueToUSBPower}, sim.PowerChanges())
}

func TestFaultClosesSession(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	rec := &testRecorder{}
	s.SetRecorder(rec)
	_, err := s.Allocator().Allocate(ChannelA, 10, Int16, RatioRaw, ActionAdd, 0)
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Allocator().Registered())

	sim.InjectStatus("ConfigureChannel", 0, StatusInvalidParameter)
	err = s.SetChannel(ChannelB, Range1V, true, CouplingDC, 0, 1)
	var fault *DeviceFault
	if !errors.As(err, &fault) {
		t.Fatalf("SetChannel error = %v, want a DeviceFault", err)
	}
	assert.True(t, s.Closed())
	assert.Error(t, s.Err())
	assert.False(t, sim.IsOpen())
	assert.Equal(t, 0, s.Allocator().Registered())
	assert.True(t, rec.sessions[len(rec.sessions)-1].Faulted)

	// Later calls report the fault; Close has nothing left to do.
	err = s.SetChannel(ChannelA, Range1V, true, CouplingDC, 0, 1)
	assert.True(t, errors.As(err, &fault))
	assert.NoError(t, s.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	rec := &testRecorder{}
	s.SetRecorder(rec)
	assert.NoError(t, s.Close())
	assert.False(t, sim.IsOpen())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.SetChannel(ChannelA, Range1V, true, CouplingDC, 0, 1), ErrSessionClosed)
	_, err := s.NewBlockCapture(BlockConfig{Samples: 10, Timebase: 5, DataType: Int16})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Len(t, rec.sessions, 2)
	assert.False(t, rec.sessions[1].End.IsZero())
}

func TestSessionSetChannel(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res8Bit)
	var tests = []struct {
		id    ChannelID
		rng   Range
		probe float64
		kind  error
	}{
		{ChannelAux, Range1V, 1, ErrInvalidChannel},
		{ChannelA, Range(-1), 1, ErrInvalidRange},
		{ChannelA, Range1V, 0.5, ErrInvalidProbeScale},
	}
	for _, test := range tests {
		if err := s.SetChannel(test.id, test.rng, true, CouplingDC, 0, test.probe); !errors.Is(err, test.kind) {
			t.Errorf("SetChannel(%v, %v, x%v) error = %v, want %v", test.id, test.rng, test.probe, err, test.kind)
		}
	}
	assert.False(t, s.Closed())

	assert.NoError(t, s.ConfigureChannels([]ChannelConfig{
		{ID: ChannelA, Range: Range1V, Coupling: CouplingDC, ProbeScale: 1},
		{ID: ChannelC, Range: Range5V, Coupling: CouplingDC, ProbeScale: 1},
	}))
	code, err := s.MvToCode(ChannelA, 500)
	assert.NoError(t, err)
	assert.Equal(t, int64(16256), code)
	mv, err := s.CodeToMv(ChannelA, 32512)
	assert.NoError(t, err)
	assert.InDelta(t, 1000.0, mv, 1e-9)
	lo, hi, err := s.YLim(Volts)
	assert.NoError(t, err)
	assert.InDelta(t, -5.0, lo, 1e-12)
	assert.InDelta(t, 5.0, hi, 1e-12)

	assert.NoError(t, s.AllChannelsOff())
	assert.Empty(t, s.Registry().EnabledChannels())
}

func TestSessionTimebase(t *testing.T) {
	_, s := newTestSession(t, PS5000A, Res16Bit)
	n, iv := s.MinimumTimebase()
	assert.Equal(t, uint32(4), n)
	assert.InDelta(t, 16e-9, iv, 1e-18)
	n, _, err := s.NearestInterval(1e-9)
	assert.NoError(t, err)
	assert.Equal(t, uint32(4), n)

	max, err := s.SetMemorySegments(4)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1<<26), max)
	_, err = s.SetMemorySegments(0)
	assert.ErrorIs(t, err, ErrInvalidSamples)
}

func TestDebugDump(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res12Bit, ChannelB)
	dump := s.DebugDump()
	for _, want := range []string{s.ID, "ps6000a", "SIM001", "32736"} {
		if !strings.Contains(dump, want) {
			t.Errorf("DebugDump() does not contain %q:\n%s", want, dump)
		}
	}
	info := s.Info()
	assert.Len(t, info.Channels, 1)
	assert.Equal(t, ChannelB, info.Channels[0].ID)
}
