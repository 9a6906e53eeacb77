package boundedchan

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestBoundedChannelDeliversAll(t *testing.T) {
	q := NewBoundedChannel[int](100, nil)

	// Send all integers [0, 19], fewer than the capacity, then sum what comes out.
	max := 20
	go func() {
		for i := range max {
			q.Push(i)
		}
		q.Close()
	}()

	sum := 0
	expect := (max * (max - 1)) / 2
	for d := range q.Out() {
		sum += d
	}
	if sum != expect {
		t.Errorf("BoundedChannel sum was %d, want %d", sum, expect)
	}
	if q.Dropped() != 0 {
		t.Errorf("BoundedChannel.Dropped() = %d, want 0", q.Dropped())
	}
}

func TestBoundedChannelDropsOldest(t *testing.T) {
	var dropped []int
	q := NewBoundedChannel[int](3, func(v int) {
		dropped = append(dropped, v)
	})

	// Nobody reads until the queue is closed, so only the newest 3 survive.
	for i := range 10 {
		q.Push(i)
	}
	if q.Len() != 3 {
		t.Errorf("BoundedChannel.Len() = %d, want 3", q.Len())
	}
	q.Close()
	var got []int
	for d := range q.Out() {
		got = append(got, d)
	}
	want := []int{7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("BoundedChannel kept %v, want %v", got, want)
	}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("BoundedChannel kept %v, want %v", got, want)
			break
		}
	}
	if q.Dropped() != 7 || len(dropped) != 7 {
		t.Errorf("BoundedChannel dropped %v (count %d), want 7 items", dropped, q.Dropped())
	}
	for i, v := range dropped {
		if v != i {
			t.Errorf("BoundedChannel dropped %v, want oldest first", dropped)
			break
		}
	}
}

func TestBoundedChannelConcurrentReader(t *testing.T) {
	q := NewBoundedChannel[int](4, nil)
	var wg sync.WaitGroup
	var got []int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for d := range q.Out() {
			got = append(got, d)
		}
	}()
	const n = 1000
	for i := range n {
		q.Push(i)
	}
	q.Close()
	wg.Wait()
	if int64(len(got))+q.Dropped() != n {
		t.Errorf("BoundedChannel received %d and dropped %d, want a total of %d", len(got), q.Dropped(), n)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("BoundedChannel delivered %d after %d, want increasing order", got[i], got[i-1])
		}
	}
}

func TestBoundedChannelCloseWithoutReader(t *testing.T) {
	before := runtime.NumGoroutine()
	for range 20 {
		q := NewBoundedChannel[[]byte](10, nil)
		for range 15 {
			q.Push(make([]byte, 1024))
		}
		q.Close()
		q.Close()
	}
	time.Sleep(10 * time.Millisecond)
	if after := runtime.NumGoroutine(); after > before {
		t.Errorf("goroutines after closing unread queues = %d, want at most %d", after, before)
	}
}

func TestBoundedChannelMinimumCapacity(t *testing.T) {
	q := NewBoundedChannel[string](0, nil)
	q.Push("a")
	q.Push("b")
	q.Close()
	last := ""
	for d := range q.Out() {
		last = d
	}
	if last != "b" {
		t.Errorf("BoundedChannel with capacity 0 delivered %q last, want %q", last, "b")
	}
}
