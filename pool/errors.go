package pool

import "errors"

var (
	// ErrConnectionUnavailable is returned when a new connection cannot be
	// established, e.g. the store is unreachable or rejects the credentials.
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrPoolExhausted is returned when no capacity frees up before the
	// acquire deadline.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectionLost marks a connection that failed while checked out.
	ErrConnectionLost = errors.New("connection lost")

	// ErrPoolClosed is returned by Get on a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")
)
