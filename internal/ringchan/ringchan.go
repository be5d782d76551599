// Package ringchan provides a bounded channel that never blocks its producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded buffer with overwrite-oldest semantics.
//
// Producers call Send, which always succeeds: when the buffer is full the
// oldest element is discarded and counted. Consumers range over C until Close.
// Send after Close is a no-op, so a producer racing teardown never panics.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was discarded.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		atomic.AddInt64(&rc.metrics.Rejected, 1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		atomic.AddInt64(&rc.metrics.Rejected, 1)
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the receive side. Buffered elements stay readable. Close is idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Closed reports whether Close has been called.
func (rc *RingChannel[T]) Closed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Rejected:    atomic.LoadInt64(&rc.metrics.Rejected),
	}
}

// Metrics counts RingChannel activity.
type Metrics struct {
	Written     int64 // accepted elements
	Overwritten int64 // elements discarded to make room
	Rejected    int64 // sends after Close
}
