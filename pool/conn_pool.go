package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/go-i2p/go-connscope/internal"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Factory creates and health-checks the connections a ConnPool manages.
type Factory[T io.Closer] interface {
	// Dial establishes a new connection to the store.
	Dial(ctx context.Context) (T, error)

	// Ping performs a trivial round trip to confirm conn is still usable.
	Ping(ctx context.Context, conn T) error
}

// ConnPool manages a bounded pool of reusable connections to a single store.
// At most MaxSize connections are live at any time; a connection is lent to
// at most one caller at a time.
type ConnPool[T io.Closer] struct {
	mu      sync.Mutex
	factory Factory[T]
	config  PoolConfig
	idle    []*PooledConn[T] // most recently released last
	slots   chan struct{}    // one token per connection that may be lent
	done    chan struct{}
	total   int
	inUse   int
	evicted int64
	nextID  uint64
	closed  bool
	waits   internal.WaitMetrics
	logger  *logger.Logger
}

// NewConnPool creates a new connection pool with the given configuration.
// A nil config selects DefaultPoolConfig.
func NewConnPool[T io.Closer](factory Factory[T], config *PoolConfig) *ConnPool[T] {
	if config == nil {
		config = DefaultPoolConfig()
	}
	cfg := *config
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultPoolConfig().MaxSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	p := &ConnPool[T]{
		factory: factory,
		config:  cfg,
		idle:    make([]*PooledConn[T], 0, cfg.MaxSize),
		slots:   make(chan struct{}, cfg.MaxSize),
		done:    make(chan struct{}),
		logger:  logger.GetGoI2PLogger(),
	}
	for i := 0; i < cfg.MaxSize; i++ {
		p.slots <- struct{}{}
	}

	go p.cleanup()

	return p
}

// Get lends a connection to the caller. Idle connections are preferred; a new
// one is dialed only when none is idle. While the pool is at capacity Get
// blocks until a connection is released or ctx is done. An expired ctx
// deadline yields ErrPoolExhausted; a failed dial yields ErrConnectionUnavailable.
func (p *ConnPool[T]) Get(ctx context.Context) (*PooledConn[T], error) {
	if err := p.waitSlot(ctx); err != nil {
		return nil, err
	}

	pc, err := p.takeIdle(ctx)
	if err != nil {
		p.returnSlot()
		return nil, err
	}
	if pc != nil {
		return pc, nil
	}

	pc, err = p.dial(ctx)
	if err != nil {
		p.returnSlot()
		return nil, err
	}
	return pc, nil
}

// Release returns a lent connection to the idle set. Connections marked dead,
// past their age or idle limits, or released after Close are closed instead,
// in the background; their capacity becomes available once the close returns.
// Release never blocks. Releasing a connection that is not currently lent is a
// no-op.
func (p *ConnPool[T]) Release(pc *PooledConn[T]) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	if !pc.leased {
		p.mu.Unlock()
		return
	}
	pc.leased = false
	p.inUse--

	now := time.Now()
	pc.LastUsed = now
	retire := pc.State == internal.StateDead || p.closed || !p.isValid(pc, now)
	if retire {
		p.retireLocked(pc)
	} else {
		pc.State = internal.StateIdle
		p.idle = append(p.idle, pc)
	}
	uses := pc.Uses
	p.mu.Unlock()

	if retire {
		// The slot is returned only once the connection is closed, so the
		// store never sees more than MaxSize live connections.
		go func() {
			p.closeConn(pc, "released dead or expired connection")
			p.returnSlot()
		}()
		return
	}
	p.returnSlot()

	p.logger.WithFields(logrus.Fields{
		"conn_id": pc.ID,
		"uses":    uses,
	}).Debug("connection returned to pool")
}

// MarkDead flags a lent connection as failed. It will be closed on Release
// and never returned to the idle set.
func (p *ConnPool[T]) MarkDead(pc *PooledConn[T]) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pc.leased && pc.State.CanTransition(internal.StateDead) {
		pc.State = internal.StateDead
		p.logger.WithField("conn_id", pc.ID).Warn("connection marked dead")
	}
}

// Close closes all idle connections and rejects further Get calls.
// Connections still lent out are closed when they are released.
func (p *ConnPool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	idle := p.idle
	p.idle = nil
	for _, pc := range idle {
		p.retireLocked(pc)
	}
	inUse := p.inUse
	p.mu.Unlock()

	var firstErr error
	for _, pc := range idle {
		if err := pc.Conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.logger.WithFields(logrus.Fields{
		"closed_idle": len(idle),
		"in_use":      inUse,
	}).Info("connection pool closed")

	if firstErr != nil {
		return oops.
			Code("POOL_CLOSE_FAILED").
			In("pool").
			With("closed_idle", len(idle)).
			Wrapf(firstErr, "failed to close idle connection")
	}
	return nil
}

// Stats returns pool statistics
func (p *ConnPool[T]) Stats() Stats {
	waitCount, waitDuration := p.waits.Snapshot()

	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxSize:      p.config.MaxSize,
		Total:        p.total,
		InUse:        p.inUse,
		Idle:         len(p.idle),
		Evicted:      p.evicted,
		WaitCount:    waitCount,
		WaitDuration: waitDuration,
	}
}

// waitSlot blocks until the caller may hold one more connection.
func (p *ConnPool[T]) waitSlot(ctx context.Context) error {
	if p.isClosed() {
		return p.closedError()
	}

	select {
	case <-p.slots:
		return p.checkSlot(ctx)
	default:
	}

	start := time.Now()
	p.logger.WithField("max_size", p.config.MaxSize).Debug("pool at capacity, waiting for release")

	select {
	case <-p.slots:
		p.waits.Record(time.Since(start))
		return p.checkSlot(ctx)
	case <-p.done:
		return p.closedError()
	case <-ctx.Done():
		waited := time.Since(start)
		p.waits.Record(waited)
		return p.waitError(ctx, waited)
	}
}

// checkSlot gives the slot back if the pool closed or ctx expired while a slot
// became ready, since select picks randomly among ready cases.
func (p *ConnPool[T]) checkSlot(ctx context.Context) error {
	if p.isClosed() {
		p.returnSlot()
		return p.closedError()
	}
	if ctx.Err() != nil {
		p.returnSlot()
		return p.waitError(ctx, 0)
	}
	return nil
}

func (p *ConnPool[T]) returnSlot() {
	p.slots <- struct{}{}
}

// takeIdle pops idle connections until one passes the validity and liveness
// checks. Returns nil, nil when the idle set is empty.
func (p *ConnPool[T]) takeIdle(ctx context.Context) (*PooledConn[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, p.closedError()
		}
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			return nil, nil
		}
		pc := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		pc.State = internal.StateCheckedOut
		expired := !p.isValid(pc, time.Now())
		if expired {
			p.retireLocked(pc)
		}
		p.mu.Unlock()

		if expired {
			p.closeConn(pc, "idle connection expired")
			continue
		}

		if p.config.PrePing {
			if err := p.factory.Ping(ctx, pc.Conn); err != nil {
				if ctx.Err() != nil {
					// The caller ran out of time; the connection itself may be fine.
					p.pushIdle(pc)
					return nil, p.waitError(ctx, 0)
				}
				p.mu.Lock()
				p.retireLocked(pc)
				p.mu.Unlock()
				p.logger.WithError(err).WithField("conn_id", pc.ID).Warn("liveness check failed")
				p.closeConn(pc, "liveness check failed")
				continue
			}
		}

		p.mu.Lock()
		pc.leased = true
		pc.LastUsed = time.Now()
		pc.Uses++
		p.inUse++
		uses := pc.Uses
		p.mu.Unlock()

		p.logger.WithFields(logrus.Fields{
			"conn_id": pc.ID,
			"uses":    uses,
		}).Debug("reusing idle connection")
		return pc, nil
	}
}

// pushIdle puts an unleased connection back on the idle set, or closes it
// when the pool has been closed in the meantime.
func (p *ConnPool[T]) pushIdle(pc *PooledConn[T]) {
	p.mu.Lock()
	if p.closed {
		p.retireLocked(pc)
		p.mu.Unlock()
		p.closeConn(pc, "pool closed")
		return
	}
	pc.State = internal.StateIdle
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// dial establishes a new connection and lends it to the caller.
func (p *ConnPool[T]) dial(ctx context.Context) (*PooledConn[T], error) {
	start := time.Now()
	conn, err := p.factory.Dial(ctx)
	if err != nil {
		p.logger.WithError(err).WithField("elapsed", time.Since(start).String()).
			Warn("failed to establish connection")
		return nil, oops.
			Code("CONNECTION_UNAVAILABLE").
			In("pool").
			With("max_size", p.config.MaxSize).
			With("elapsed", time.Since(start).String()).
			Wrapf(internal.JoinCause(ErrConnectionUnavailable, err), "dial after %s", time.Since(start).Round(time.Millisecond))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, p.closedError()
	}
	p.nextID++
	now := time.Now()
	pc := &PooledConn[T]{
		ID:       p.nextID,
		Conn:     conn,
		Created:  now,
		LastUsed: now,
		Uses:     1,
		State:    internal.StateCheckedOut,
		leased:   true,
		pool:     p,
	}
	p.total++
	p.inUse++
	total := p.total
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"conn_id": pc.ID,
		"total":   total,
		"elapsed": time.Since(start).String(),
	}).Debug("established new connection")
	return pc, nil
}

// retireLocked moves pc to the dead state and drops it from the live count.
// The caller must hold p.mu and close pc.Conn after unlocking.
func (p *ConnPool[T]) retireLocked(pc *PooledConn[T]) {
	pc.State = internal.StateDead
	p.total--
	p.evicted++
}

func (p *ConnPool[T]) closeConn(pc *PooledConn[T], reason string) {
	if err := pc.Conn.Close(); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"conn_id": pc.ID,
			"reason":  reason,
		}).Warn("error closing evicted connection")
		return
	}
	p.logger.WithFields(logrus.Fields{
		"conn_id": pc.ID,
		"reason":  reason,
	}).Debug("evicted connection")
}

// isValid checks if a pooled connection is still within its age and idle limits
func (p *ConnPool[T]) isValid(pc *PooledConn[T], now time.Time) bool {
	if p.config.MaxAge > 0 && now.Sub(pc.Created) > p.config.MaxAge {
		return false
	}
	if p.config.MaxIdle > 0 && now.Sub(pc.LastUsed) > p.config.MaxIdle {
		return false
	}
	return true
}

func (p *ConnPool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ConnPool[T]) closedError() error {
	return oops.
		Code("POOL_CLOSED").
		In("pool").
		Wrapf(ErrPoolClosed, "cannot acquire from closed pool")
}

// waitError classifies why a bounded wait ended without a connection.
func (p *ConnPool[T]) waitError(ctx context.Context, waited time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return oops.
			Code("POOL_EXHAUSTED").
			In("pool").
			With("max_size", p.config.MaxSize).
			With("waited", waited.String()).
			Wrapf(internal.JoinCause(ErrPoolExhausted, ctx.Err()), "no connection available before deadline")
	}
	return oops.
		Code("ACQUIRE_CANCELLED").
		In("pool").
		With("waited", waited.String()).
		Wrapf(ctx.Err(), "acquire cancelled")
}

// cleanup runs periodically to remove expired idle connections
func (p *ConnPool[T]) cleanup() {
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.performCleanupCycle()
		}
	}
}

// performCleanupCycle evicts idle connections past their age or idle limits
func (p *ConnPool[T]) performCleanupCycle() {
	now := time.Now()

	p.mu.Lock()
	kept := p.idle[:0]
	var expired []*PooledConn[T]
	for _, pc := range p.idle {
		if p.isValid(pc, now) {
			kept = append(kept, pc)
			continue
		}
		p.retireLocked(pc)
		expired = append(expired, pc)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()

	for _, pc := range expired {
		p.closeConn(pc, "idle connection expired")
	}
}
