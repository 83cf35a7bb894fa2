package connscope

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/go-i2p/go-connscope/pool"
	"github.com/lib/pq"
)

var (
	// ErrConnectionUnavailable is returned by Acquire when the store is
	// unreachable, rejects the credentials, or does not answer in time.
	ErrConnectionUnavailable = pool.ErrConnectionUnavailable

	// ErrPoolExhausted is returned by Acquire when no connection is released
	// before the acquire timeout.
	ErrPoolExhausted = pool.ErrPoolExhausted

	// ErrConnectionLost is returned by Handle operations when the connection
	// fails mid-use. The connection is evicted on release.
	ErrConnectionLost = pool.ErrConnectionLost

	// ErrPoolClosed is returned by Acquire after Close or during shutdown.
	ErrPoolClosed = pool.ErrPoolClosed

	// ErrHandleReleased is returned by operations on a released Handle.
	ErrHandleReleased = errors.New("handle already released")
)

// isConnectionError reports whether err means the connection itself is no
// longer usable, as opposed to a query-level failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// The caller's own deadline or cancellation says nothing about the session.
	// context.DeadlineExceeded also satisfies net.Error, so this must come first.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection_exception; 57P01-57P03 are server shutdown
		// and cannot_connect_now.
		switch {
		case pqErr.Code.Class() == "08":
			return true
		case pqErr.Code == "57P01", pqErr.Code == "57P02", pqErr.Code == "57P03":
			return true
		}
	}

	return false
}
