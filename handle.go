package connscope

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-connscope/internal"
	"github.com/go-i2p/go-connscope/pool"
	"github.com/google/uuid"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Handle is a single-owner lease on a pooled session. It is valid until
// Release; afterwards every operation fails with ErrHandleReleased.
// A Handle must not be used from more than one goroutine at a time.
type Handle struct {
	id       string
	pc       *pool.PooledConn[*session]
	scope    *Scope
	acquired time.Time
	released atomic.Bool
	once     sync.Once
}

func newHandle(s *Scope, pc *pool.PooledConn[*session]) *Handle {
	return &Handle{
		id:       uuid.NewString(),
		pc:       pc,
		scope:    s,
		acquired: time.Now(),
	}
}

// ID returns the lease id, unique per Acquire.
func (h *Handle) ID() string {
	return h.id
}

// ExecContext executes a statement that returns no rows.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := h.checkReleased(); err != nil {
		return nil, err
	}
	res, err := h.pc.Conn.ExecContext(ctx, query, args...)
	return res, h.observe(err)
}

// QueryContext executes a query that returns rows. The rows must be closed
// before the handle is released.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := h.checkReleased(); err != nil {
		return nil, err
	}
	rows, err := h.pc.Conn.QueryContext(ctx, query, args...)
	return rows, h.observe(err)
}

// QueryRowContext executes a query expected to return at most one row.
// Errors are deferred until Row.Scan.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	if err := h.checkReleased(); err != nil {
		return &Row{h: h, err: err}
	}
	return &Row{h: h, row: h.pc.Conn.QueryRowContext(ctx, query, args...)}
}

// PingContext verifies the session is still alive.
func (h *Handle) PingContext(ctx context.Context) error {
	if err := h.checkReleased(); err != nil {
		return err
	}
	return h.observe(h.pc.Conn.PingContext(ctx))
}

// Transact runs fn inside a transaction on this session. The transaction is
// committed when fn returns nil and rolled back when fn returns an error or
// panics; the panic is re-raised after the rollback.
func (h *Handle) Transact(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) (err error) {
	if err := h.checkReleased(); err != nil {
		return err
	}

	tx, err := h.pc.Conn.BeginTx(ctx, opts)
	if err != nil {
		return h.observe(err)
	}

	defer func() {
		if p := recover(); p != nil {
			h.rollback(tx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		h.rollback(tx)
		return h.observe(err)
	}

	return h.observe(tx.Commit())
}

// Release returns the session to the pool. It is safe to call more than
// once; only the first call has an effect.
func (h *Handle) Release() {
	h.once.Do(h.release)
}

// forceRelease evicts the session regardless of its health. Used when
// shutdown cannot wait for the owner any longer.
func (h *Handle) forceRelease() {
	h.once.Do(func() {
		h.pc.MarkDead()
		h.release()
	})
}

func (h *Handle) release() {
	h.released.Store(true)
	h.scope.untrack(h)
	h.pc.Release()

	h.scope.logger.WithFields(logrus.Fields{
		"handle_id": h.id,
		"conn_id":   h.pc.ID,
		"held":      time.Since(h.acquired).String(),
	}).Debug("handle released")
}

func (h *Handle) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		h.scope.logger.WithError(err).WithField("handle_id", h.id).Warn("rollback failed")
		if isConnectionError(err) {
			h.pc.MarkDead()
		}
	}
}

func (h *Handle) checkReleased() error {
	if h.released.Load() {
		return oops.
			Code("HANDLE_RELEASED").
			In("connscope").
			With("handle_id", h.id).
			Wrapf(ErrHandleReleased, "handle used after release")
	}
	return nil
}

// observe passes err through, except that connection-level failures mark the
// session dead and are reported as ErrConnectionLost.
func (h *Handle) observe(err error) error {
	if err == nil || errors.Is(err, ErrConnectionLost) || !isConnectionError(err) {
		return err
	}

	h.pc.MarkDead()
	h.scope.logger.WithError(err).WithFields(logrus.Fields{
		"handle_id": h.id,
		"conn_id":   h.pc.ID,
	}).Warn("connection lost during use")

	return oops.
		Code("CONNECTION_LOST").
		In("connscope").
		With("handle_id", h.id).
		With("conn_id", h.pc.ID).
		Wrapf(internal.JoinCause(ErrConnectionLost, err), "session %d failed during use", h.pc.ID)
}

// Row is the result of QueryRowContext.
type Row struct {
	h   *Handle
	row *sql.Row
	err error
}

// Scan copies the columns of the matched row into dest. It returns
// sql.ErrNoRows when the query matched nothing.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.h.observe(r.row.Scan(dest...))
}

// Err returns the error, if any, that was encountered running the query.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.h.observe(r.row.Err())
}
