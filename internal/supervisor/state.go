// Package supervisor tracks the health of outbound transports and reconnects
// them with bounded exponential backoff.
package supervisor

import "sync/atomic"

// State of one transport connection
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Cell holds a State. It is shared by reference between the transport's
// callbacks, the supervisor and the sink that reads it, and needs no lock.
// The zero Cell is Disconnected.
type Cell struct {
	v atomic.Int32
}

func (c *Cell) Load() State { return State(c.v.Load()) }

func (c *Cell) Store(s State) { c.v.Store(int32(s)) }

func (c *Cell) CompareAndSwap(old, next State) bool {
	return c.v.CompareAndSwap(int32(old), int32(next))
}
