// Package connscope lends live PostgreSQL sessions from a bounded pool as
// single-owner handles that are returned to the pool when the caller is done.
package connscope

import (
	"context"
	"database/sql"
	"sync"

	"github.com/go-i2p/go-connscope/pool"
	"github.com/go-i2p/logger"
	"github.com/lib/pq"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Stats is a point-in-time snapshot of a Scope's pool.
type Stats = pool.Stats

// Scope owns a bounded pool of live PostgreSQL sessions and lends them out as
// single-owner Handles. A Scope is created once, shared by reference, and
// closed at shutdown.
type Scope struct {
	// config is a private copy of the configuration the scope was built from
	config *ScopeConfig

	// db supplies new sessions
	db *sql.DB

	// ownsDB is set when the scope opened db and must close it
	ownsDB bool

	// pool tracks idle and lent sessions
	pool *pool.ConnPool[*session]

	// logger for scope events
	logger *logger.Logger

	// shutdownManager for coordinated shutdown (optional)
	shutdownManager *ShutdownManager

	// mu protects shutdownManager
	mu sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

// NewScope opens a Scope against the server described by config using the
// lib/pq driver. When config.VerifyOnOpen is set, one connection is
// established and pinged before NewScope returns, retrying up to
// config.ConnectRetries times while the store is unavailable.
func NewScope(ctx context.Context, config *ScopeConfig) (*Scope, error) {
	if config == nil {
		return nil, oops.
			Code("INVALID_CONFIG").
			In("connscope").
			Errorf("scope config cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, oops.
			Code("INVALID_CONFIG").
			In("connscope").
			Wrapf(err, "invalid scope configuration")
	}

	connector, err := pq.NewConnector(config.DSN())
	if err != nil {
		return nil, oops.
			Code("INVALID_DSN").
			In("connscope").
			With("dsn_fingerprint", config.Fingerprint()).
			Wrapf(err, "failed to build connector")
	}

	s := newScope(sql.OpenDB(connector), config, true)

	if config.VerifyOnOpen {
		if err := s.VerifyWithRetry(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"host":            config.Host,
		"port":            config.Port,
		"database":        config.Database,
		"sslmode":         config.SSLMode,
		"max_size":        config.MaxSize,
		"pre_ping":        config.PrePing,
		"dsn_fingerprint": config.Fingerprint(),
	}).Info("connection scope opened")

	return s, nil
}

// NewScopeWithDB wraps an existing *sql.DB. Only the pool settings of config
// are used; a nil config selects NewScopeConfig defaults. The scope caps db's
// open connections at MaxSize but does not close db.
func NewScopeWithDB(db *sql.DB, config *ScopeConfig) (*Scope, error) {
	if db == nil {
		return nil, oops.
			Code("INVALID_DB").
			In("connscope").
			Errorf("db cannot be nil")
	}

	if config == nil {
		config = NewScopeConfig()
	}

	if err := config.validatePool(); err != nil {
		return nil, oops.
			Code("INVALID_CONFIG").
			In("connscope").
			Wrapf(err, "invalid scope configuration")
	}

	return newScope(db, config, false), nil
}

func newScope(db *sql.DB, config *ScopeConfig, ownsDB bool) *Scope {
	cfg := config.clone()

	db.SetMaxOpenConns(cfg.MaxSize)

	factory := &sqlFactory{db: db, connectTimeout: cfg.ConnectTimeout}

	return &Scope{
		config: cfg,
		db:     db,
		ownsDB: ownsDB,
		pool:   pool.NewConnPool[*session](factory, cfg.poolConfig()),
		logger: log,
	}
}

// Acquire lends a session to the caller for one unit of work. The caller must
// call Release on the returned Handle; Do does so automatically.
//
// Acquire blocks while all MaxSize sessions are lent, for at most
// AcquireTimeout. It fails with ErrPoolExhausted when that wait runs out and
// with ErrConnectionUnavailable when a new session cannot be established.
// Acquire never retries.
func (s *Scope) Acquire(ctx context.Context) (*Handle, error) {
	if sm := s.getShutdownManager(); sm != nil && sm.Context().Err() != nil {
		return nil, oops.
			Code("SHUTTING_DOWN").
			In("connscope").
			Wrapf(ErrPoolClosed, "scope is shutting down")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.AcquireTimeout)
	defer cancel()

	pc, err := s.pool.Get(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("acquire_timeout", s.config.AcquireTimeout.String()).
			Debug("acquire failed")
		return nil, err
	}

	h := newHandle(s, pc)
	s.track(h)

	s.logger.WithFields(logrus.Fields{
		"handle_id": h.id,
		"conn_id":   pc.ID,
	}).Debug("handle acquired")

	return h, nil
}

// Do acquires a Handle, runs fn with it and releases it on every exit path,
// including a panic in fn. The error from fn is returned unchanged; Handle
// operations inside fn already report a lost connection as ErrConnectionLost.
func (s *Scope) Do(ctx context.Context, fn func(h *Handle) error) error {
	h, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	return fn(h)
}

// Stats returns pool statistics
func (s *Scope) Stats() Stats {
	return s.pool.Stats()
}

// Config returns a copy of the configuration the scope was built with.
func (s *Scope) Config() ScopeConfig {
	return *s.config
}

// SetShutdownManager registers the scope with a shutdown manager, which will
// drain its handles and close it on shutdown.
func (s *Scope) SetShutdownManager(sm *ShutdownManager) {
	s.mu.Lock()
	old := s.shutdownManager
	s.shutdownManager = sm
	s.mu.Unlock()

	if old != nil && old != sm {
		old.UnregisterScope(s)
	}
	if sm != nil {
		sm.RegisterScope(s)
	}
}

func (s *Scope) getShutdownManager() *ShutdownManager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdownManager
}

func (s *Scope) track(h *Handle) {
	if sm := s.getShutdownManager(); sm != nil {
		sm.registerHandle(h)
	}
}

func (s *Scope) untrack(h *Handle) {
	if sm := s.getShutdownManager(); sm != nil {
		sm.unregisterHandle(h)
	}
}

// Close closes idle sessions and rejects further Acquire calls. Sessions
// still lent out are closed as their handles are released. If the scope
// opened its own *sql.DB, that is closed too.
func (s *Scope) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pool.Close()

		if s.ownsDB {
			if err := s.db.Close(); err != nil && s.closeErr == nil {
				s.closeErr = oops.
					Code("DB_CLOSE_FAILED").
					In("connscope").
					Wrapf(err, "failed to close database")
			}
		}

		if sm := s.getShutdownManager(); sm != nil {
			sm.UnregisterScope(s)
		}

		s.logger.WithField("database", s.config.Database).Info("connection scope closed")
	})

	return s.closeErr
}
