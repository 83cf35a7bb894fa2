package internal

import (
	"sync"
	"time"
)

// ConnState represents the lifecycle state of a pooled connection
type ConnState int

const (
	// StateIdle represents a connection owned by the pool and available for lending
	StateIdle ConnState = iota
	// StateCheckedOut represents a connection lent to exactly one caller
	StateCheckedOut
	// StateDead represents a connection that failed and must be evicted
	StateDead
)

// String returns the string representation of the connection state
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckedOut:
		return "checked_out"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal transition.
// Dead is terminal.
func (s ConnState) CanTransition(next ConnState) bool {
	switch s {
	case StateIdle:
		return next == StateCheckedOut || next == StateDead
	case StateCheckedOut:
		return next == StateIdle || next == StateDead
	default:
		return false
	}
}

// WaitMetrics accumulates time callers spent blocked waiting for pool capacity
type WaitMetrics struct {
	mu       sync.Mutex
	count    int64
	duration time.Duration
}

// Record adds one blocked wait of length d
func (m *WaitMetrics) Record(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.duration += d
}

// Snapshot returns the number of waits and their total duration
func (m *WaitMetrics) Snapshot() (count int64, total time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count, m.duration
}
