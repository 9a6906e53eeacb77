// Package boundedchan provides a bounded queue whose data are removed via a
// channel. When the queue is full the oldest item is discarded, so the sender
// never waits on a slow receiver.
package boundedchan

import "sync/atomic"

// BoundedChannel represents a bounded, drop-oldest queue with a single sender.
// Beware! You almost certainly want T to be a primitive type; use pointers for large objects.
type BoundedChannel[T any] struct {
	out     chan T
	onDrop  func(T)
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewBoundedChannel creates a BoundedChannel that holds at most capacity
// items. onDrop (if not nil) is called with every discarded item, from the
// sender's goroutine.
func NewBoundedChannel[T any](capacity int, onDrop func(T)) *BoundedChannel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedChannel[T]{
		out:    make(chan T, capacity),
		onDrop: onDrop,
	}
}

// Push queues val, discarding the oldest queued item if the queue is full.
// It never blocks. Only one goroutine may call Push and Close.
func (bc *BoundedChannel[T]) Push(val T) {
	for {
		select {
		case bc.out <- val:
			return
		default:
		}
		// Full: make room. The receiver may have made room already, in which
		// case there is nothing to drop and the send is retried.
		select {
		case oldest := <-bc.out:
			bc.dropped.Add(1)
			if bc.onDrop != nil {
				bc.onDrop(oldest)
			}
		default:
		}
	}
}

// Close closes the output once the queued items have been received. Items
// nobody receives are released with the BoundedChannel itself. Closing twice is harmless.
func (bc *BoundedChannel[T]) Close() {
	if bc.closed.CompareAndSwap(false, true) {
		close(bc.out)
	}
}

// Out returns the output channel for receiving data
func (bc *BoundedChannel[T]) Out() <-chan T {
	return bc.out
}

// Len returns the number of items waiting to be received.
func (bc *BoundedChannel[T]) Len() int {
	return len(bc.out)
}

// Dropped returns the number of items discarded so far.
func (bc *BoundedChannel[T]) Dropped() int64 {
	return bc.dropped.Load()
}
