package pool

import (
	"io"
	"time"

	"github.com/go-i2p/go-connscope/internal"
)

// PooledConn represents a connection in the pool with metadata.
// All fields except Conn are guarded by the owning pool's mutex.
type PooledConn[T io.Closer] struct {
	ID       uint64
	Conn     T
	Created  time.Time
	LastUsed time.Time
	Uses     int
	State    internal.ConnState

	leased bool
	pool   *ConnPool[T]
}

// Release returns the connection to its pool. Dead connections are closed instead.
func (pc *PooledConn[T]) Release() {
	pc.pool.Release(pc)
}

// MarkDead flags the connection so that Release evicts it
func (pc *PooledConn[T]) MarkDead() {
	pc.pool.MarkDead(pc)
}
