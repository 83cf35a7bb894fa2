package pool

import "time"

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	MaxSize int // Configured capacity
	Total   int // Live connections, idle and lent
	InUse   int // Connections currently lent to callers
	Idle    int // Connections available for reuse
	Evicted int64

	WaitCount    int64         // Number of Get calls that had to wait for capacity
	WaitDuration time.Duration // Total time spent waiting
}
