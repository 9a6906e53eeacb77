package scopeacq

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func streamConfig(bufferSamples uint64) StreamConfig {
	return StreamConfig{
		Interval:      1,
		Unit:          Microseconds,
		BufferSamples: bufferSamples,
		DataType:      Int16,
		Mode:          RatioRaw,
	}
}

// drainChunks reads Chunks until it closes and returns what arrived.
func drainChunks(ss *StreamingSession) <-chan []*StreamChunk {
	result := make(chan []*StreamChunk, 1)
	go func() {
		var got []*StreamChunk
		for c := range ss.Chunks() {
			got = append(got, c)
		}
		result <- got
	}()
	return result
}

func checkContinuous(t *testing.T, data []int64, ch ChannelID, first uint64) {
	t.Helper()
	for i, c := range data {
		if want := SimulatedCode(ch, first+uint64(i), Int16); c != want {
			t.Fatalf("channel %v retained sample %d = %d, want %d", ch, i, c, want)
		}
	}
}

func TestStreamingRotates(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res8Bit, ChannelA, ChannelC)
	ss, err := s.NewStreamingSession(streamConfig(100))
	if err != nil {
		t.Fatalf("NewStreamingSession failed: %v", err)
	}
	chunks := drainChunks(ss)
	// Each 100-sample buffer takes a 64-sample poll and a 36-sample poll.
	if err := ss.RunFor(10); err != nil {
		t.Fatalf("RunFor failed: %v", err)
	}
	assert.Equal(t, StreamRunning, ss.State())
	assert.Equal(t, uint64(500), ss.Total())
	assert.Equal(t, 4, ss.Rotations())
	assert.Equal(t, uint64(100), ss.LastSampleIndex())
	assert.True(t, s.Allocator().InFlight())
	assert.InDelta(t, 156/156.25, ss.ActualInterval(), 1e-9)
	for _, ch := range []ChannelID{ChannelA, ChannelC} {
		data := ss.Latest(ch)
		assert.Len(t, data, 500)
		checkContinuous(t, data, ch, 0)
	}

	assert.NoError(t, ss.Stop())
	assert.Equal(t, StreamStopped, ss.State())
	assert.False(t, s.Allocator().InFlight())
	assert.Equal(t, 0, s.Allocator().Registered())
	got := <-chunks
	assert.Len(t, got, 10)
	var next uint64
	for _, c := range got {
		assert.Equal(t, next, c.Start)
		next += c.Length
		a, ok := c.Data.Get(ChannelA)
		assert.True(t, ok)
		checkContinuous(t, a, ChannelA, c.Start)
	}
	assert.NoError(t, ss.Stop())
}

func TestStreamingMaxRetained(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	cfg := streamConfig(100)
	cfg.MaxRetained = 1000
	ss, err := s.NewStreamingSession(cfg)
	assert.NoError(t, err)
	chunks := drainChunks(ss)
	assert.NoError(t, ss.RunFor(50))
	assert.Equal(t, uint64(2500), ss.Total())
	data := ss.Latest(ChannelA)
	assert.Len(t, data, 1000)
	checkContinuous(t, data, ChannelA, 1500)
	mv, err := ss.LatestMv(ChannelA)
	assert.NoError(t, err)
	assert.InDelta(t, CodeToMv(data[0], Range1V, 1, s.Limits()), mv[0], 1e-9)
	assert.NoError(t, ss.Stop())
	<-chunks
}

func TestStreamingIntervalTooLong(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	for _, iv := range []float64{1, 2.5} {
		cfg := streamConfig(100)
		cfg.Interval, cfg.Unit = iv, Milliseconds
		_, err := s.NewStreamingSession(cfg)
		assert.ErrorIs(t, err, ErrIntervalTooLong)
	}
	cfg := streamConfig(100)
	cfg.Interval, cfg.Unit = 999, Microseconds
	_, err := s.NewStreamingSession(cfg)
	assert.NoError(t, err)

	cfg = streamConfig(0)
	_, err = s.NewStreamingSession(cfg)
	assert.ErrorIs(t, err, ErrInvalidSamples)
	assert.NoError(t, s.SetChannel(ChannelA, 0, false, CouplingDC, 0, 1))
	_, err = s.NewStreamingSession(streamConfig(100))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestStreamingBufferFull(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	sim.SetBufferFullAt(3, 0x1)
	ss, err := s.NewStreamingSession(streamConfig(100))
	assert.NoError(t, err)
	chunks := drainChunks(ss)
	assert.NoError(t, ss.RunFor(11))
	assert.Equal(t, 1, ss.BufferFullEvents())
	assert.Equal(t, 1, ss.Overflows(ChannelA))
	assert.Equal(t, uint64(500), ss.Total())
	assert.Equal(t, 4, ss.Rotations())
	checkContinuous(t, ss.Latest(ChannelA), ChannelA, 0)
	assert.Equal(t, int64(1), s.Warnings())
	assert.NoError(t, ss.Stop())
	<-chunks
}

func TestStreamingStartStop(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	cfg := streamConfig(100)
	cfg.PollInterval = time.Millisecond
	ss, err := s.NewStreamingSession(cfg)
	assert.NoError(t, err)
	chunks := drainChunks(ss)
	assert.NoError(t, ss.Start())
	deadline := time.Now().Add(2 * time.Second)
	for ss.Total() < 300 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.NoError(t, ss.Stop())
	produced := sim.Produced()
	assert.GreaterOrEqual(t, produced, uint64(300))
	assert.Equal(t, produced, ss.Total())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, produced, sim.Produced(), "the device must not be polled after Stop")
	checkContinuous(t, ss.Latest(ChannelA), ChannelA, 0)
	<-chunks
	assert.NoError(t, ss.Err())
}

func TestStreamingAutoStop(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	sim.SetStreamLimit(150)
	sim.SetStreamTrigger(120)
	cfg := streamConfig(100)
	cfg.AutoStop = true
	cfg.PostTrigger = 30
	ss, err := s.NewStreamingSession(cfg)
	assert.NoError(t, err)
	chunks := drainChunks(ss)
	assert.NoError(t, ss.RunFor(10))
	assert.Equal(t, StreamFinished, ss.State())
	assert.Equal(t, uint64(150), ss.Total())
	triggered, at := ss.Trigger()
	assert.True(t, triggered)
	assert.Equal(t, uint64(120), at)
	assert.NoError(t, ss.Stop())
	assert.Equal(t, StreamStopped, ss.State())
	got := <-chunks
	var seen bool
	for _, c := range got {
		if c.Triggered {
			seen = true
			assert.Equal(t, uint64(120), c.TriggerAt)
		}
	}
	assert.True(t, seen)
}

func TestStreamingRunUntil(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	ss, err := s.NewStreamingSession(streamConfig(100))
	assert.NoError(t, err)
	chunks := drainChunks(ss)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, ss.RunUntil(ctx))
	assert.Equal(t, StreamStopped, ss.State())
	assert.Greater(t, ss.Total(), uint64(0))
	<-chunks
}

func TestStreamingDropsOldest(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	cfg := streamConfig(100)
	cfg.QueueCapacity = 1
	ss, err := s.NewStreamingSession(cfg)
	assert.NoError(t, err)
	assert.NoError(t, ss.RunFor(10))
	assert.NoError(t, ss.Stop())

	// Nobody read while streaming, so only the newest chunk survives.
	got := <-drainChunks(ss)
	dropped, samples := ss.Dropped()
	assert.Len(t, got, 1)
	assert.Equal(t, int64(9), dropped)
	assert.Equal(t, uint64(464), got[len(got)-1].Start)
	var kept uint64
	for _, c := range got {
		kept += c.Length
	}
	assert.Equal(t, int64(500), samples+int64(kept))
	assert.Equal(t, uint64(500), ss.Total(), "drops never lose retained samples")
}

func TestStreamingAggregate(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res8Bit, ChannelB)
	cfg := streamConfig(100)
	cfg.Mode = RatioAggregate
	ss, err := s.NewStreamingSession(cfg)
	assert.NoError(t, err)
	chunks := drainChunks(ss)
	assert.NoError(t, ss.RunFor(6))
	lo, hi := ss.LatestAggregate(ChannelB)
	assert.Len(t, lo, 300)
	assert.Len(t, hi, 300)
	mid, err := ss.LatestMidpoint(ChannelB)
	assert.NoError(t, err)
	for i := range lo {
		code := SimulatedCode(ChannelB, uint64(i), Int16)
		if lo[i] != code-1 || hi[i] != code+1 {
			t.Fatalf("sample %d: min %d max %d, want %d and %d", i, lo[i], hi[i], code-1, code+1)
		}
		assert.InDelta(t, CodeToMv(code, Range1V, 1, s.Limits()), mid[i], 1e-9)
	}
	assert.Empty(t, ss.Latest(ChannelB))
	assert.NoError(t, ss.Stop())
	<-chunks
}

func TestStreamingStopWhenIdle(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	ss, err := s.NewStreamingSession(streamConfig(100))
	assert.NoError(t, err)
	assert.NoError(t, ss.Stop())
	assert.Equal(t, StreamStopped, ss.State())
	assert.Equal(t, uint64(0), sim.Produced())
	assert.ErrorIs(t, ss.PollOnce(), ErrBadState)
	assert.NoError(t, ss.RunFor(3))
	assert.Equal(t, uint64(0), ss.Total())
}

func TestStreamingUnreadChunksDoNotLeak(t *testing.T) {
	before := runtime.NumGoroutine()
	for range 20 {
		_, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
		ss, err := s.NewStreamingSession(streamConfig(100))
		assert.NoError(t, err)
		assert.NoError(t, ss.RunFor(5))
		assert.NoError(t, ss.Stop())
		assert.NoError(t, s.Close())
	}
	time.Sleep(20 * time.Millisecond)
	if after := runtime.NumGoroutine(); after > before {
		t.Errorf("goroutines after 20 streaming sessions = %d, want at most %d", after, before)
	}
}

func TestSessionCloseStopsStreaming(t *testing.T) {
	sim, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	cfg := streamConfig(100)
	cfg.PollInterval = time.Millisecond
	ss, err := s.NewStreamingSession(cfg)
	assert.NoError(t, err)
	before := runtime.NumGoroutine()
	assert.NoError(t, ss.Start())
	deadline := time.Now().Add(2 * time.Second)
	for ss.Total() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Greater(t, ss.Total(), uint64(0))

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Err())
	assert.NoError(t, ss.Err())
	assert.Equal(t, StreamStopped, ss.State())
	assert.False(t, sim.IsOpen())
	produced := sim.Produced()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, produced, sim.Produced(), "the device must not be polled after Close")
	assert.LessOrEqual(t, runtime.NumGoroutine(), before)
	for range ss.Chunks() {
	}
	assert.NoError(t, s.Close())
}

func TestStreamingConcurrentStartStop(t *testing.T) {
	_, s := newTestSession(t, PS6000A, Res8Bit, ChannelA)
	before := runtime.NumGoroutine()
	for range 20 {
		cfg := streamConfig(100)
		cfg.PollInterval = time.Millisecond
		ss, err := s.NewStreamingSession(cfg)
		assert.NoError(t, err)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ss.Start()
		}()
		go func() {
			defer wg.Done()
			ss.Stop()
		}()
		wg.Wait()
		assert.NoError(t, ss.Stop())
		assert.Equal(t, StreamStopped, ss.State())
		assert.NoError(t, ss.Err())
	}
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), before)
	assert.NoError(t, s.Close())
}
