package bms

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics. Producers
// never block: when the buffer is full the oldest element is discarded.
//
//	rc := NewRingChannel[frame.RawFrame](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(f) // always succeeds
//	}
//	for f := range rc.C() {
//	    // only the last 3 frames arrive
//	}
type RingChannel[T any] struct {
	ch          chan T
	overwritten atomic.Int64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if needed, and reports
// whether something was dropped. It never blocks for long: a concurrent
// reader can only make room.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	for {
		select {
		case rc.ch <- v:
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// Drain discards everything currently buffered and returns the count.
func (rc *RingChannel[T]) Drain() int {
	n := 0
	for {
		select {
		case <-rc.ch:
			n++
		default:
			return n
		}
	}
}

// Overwritten is the number of elements discarded to make room
func (rc *RingChannel[T]) Overwritten() int64 { return rc.overwritten.Load() }
