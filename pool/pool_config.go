package pool

import (
	"time"
)

// PoolConfig configures a connection pool
type PoolConfig struct {
	MaxSize         int           // Maximum number of live connections, idle and checked out
	MaxAge          time.Duration // Maximum age of a connection before it's evicted (0 = unlimited)
	MaxIdle         time.Duration // Maximum idle time before a connection is evicted (0 = unlimited)
	PrePing         bool          // Check liveness of an idle connection before lending it
	CleanupInterval time.Duration // How often expired idle connections are pruned
}

// DefaultPoolConfig returns the configuration used when NewConnPool is given nil.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxSize:         10,
		MaxAge:          30 * time.Minute,
		MaxIdle:         5 * time.Minute,
		PrePing:         true,
		CleanupInterval: time.Minute,
	}
}
