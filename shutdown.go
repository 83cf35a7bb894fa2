package connscope

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// ShutdownManager coordinates graceful shutdown of scopes.
// It provides context-based cancellation, waits for outstanding handles to be
// released, and force-evicts whatever is still lent once the timeout expires.
type ShutdownManager struct {
	// ctx is the context for shutdown signaling
	ctx context.Context

	// cancel cancels the shutdown context
	cancel context.CancelFunc

	// scopes tracks scopes to close on shutdown
	scopes map[*Scope]struct{}

	// handles tracks lent handles for draining
	handles map[*Handle]struct{}

	// mu protects the scope and handle maps
	mu sync.RWMutex

	// shutdownTimeout is the maximum time to wait for handles to drain
	shutdownTimeout time.Duration

	// logger for shutdown events
	logger *logger.Logger

	// done signals when shutdown is complete
	done chan struct{}

	// once ensures shutdown only happens once
	once sync.Once
}

// NewShutdownManager creates a new shutdown manager with the given timeout.
// If timeout is 0, a default of 30 seconds is used.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		ctx:             ctx,
		cancel:          cancel,
		scopes:          make(map[*Scope]struct{}),
		handles:         make(map[*Handle]struct{}),
		shutdownTimeout: timeout,
		logger:          logger.GetGoI2PLogger(),
		done:            make(chan struct{}),
	}
}

// RegisterScope adds a scope to be closed during shutdown.
// Prefer Scope.SetShutdownManager, which also tracks the scope's handles.
func (sm *ShutdownManager) RegisterScope(s *Scope) {
	if s == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.scopes[s] = struct{}{}
	sm.logger.WithFields(logrus.Fields{
		"database":     s.config.Database,
		"total_scopes": len(sm.scopes),
	}).Debug("registered scope for shutdown management")
}

// UnregisterScope removes a scope from shutdown management.
// This is called when a scope is closed normally.
func (sm *ShutdownManager) UnregisterScope(s *Scope) {
	if s == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.scopes, s)
	sm.logger.WithFields(logrus.Fields{
		"database":     s.config.Database,
		"total_scopes": len(sm.scopes),
	}).Debug("unregistered scope from shutdown management")
}

func (sm *ShutdownManager) registerHandle(h *Handle) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handles[h] = struct{}{}
}

func (sm *ShutdownManager) unregisterHandle(h *Handle) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.handles, h)
}

// OutstandingHandles returns the number of handles not yet released.
func (sm *ShutdownManager) OutstandingHandles() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.handles)
}

// Context returns the shutdown context for monitoring shutdown signals.
// Components can use this context to detect when shutdown has been initiated.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// Shutdown initiates graceful shutdown of all managed scopes.
// New acquires are rejected immediately, outstanding handles are given until
// the timeout to be released, remaining ones are force-evicted, and finally
// every scope is closed.
func (sm *ShutdownManager) Shutdown() error {
	var shutdownErr error

	sm.once.Do(func() {
		defer close(sm.done)

		sm.logShutdownInitiation()
		sm.cancel()

		shutdownErr = sm.executeShutdownSequence()
		sm.logger.Info("graceful shutdown complete")
	})

	return shutdownErr
}

// logShutdownInitiation logs the start of the shutdown process with current state.
func (sm *ShutdownManager) logShutdownInitiation() {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sm.logger.WithFields(logrus.Fields{
		"timeout": sm.shutdownTimeout.String(),
		"handles": len(sm.handles),
		"scopes":  len(sm.scopes),
	}).Info("initiating graceful shutdown")
}

// executeShutdownSequence performs the main shutdown operations in order.
func (sm *ShutdownManager) executeShutdownSequence() error {
	var shutdownErr error

	if err := sm.waitForHandlesDrain(); err != nil {
		sm.logger.WithError(err).Warn("timeout waiting for handles to drain, forcing release")
		sm.forceReleaseHandles()
		shutdownErr = err
	}

	if err := sm.closeScopes(); err != nil {
		sm.logger.WithError(err).Error("error closing scopes during shutdown")
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

// Wait blocks until shutdown is complete.
// This can be used to wait for shutdown to finish after calling Shutdown().
func (sm *ShutdownManager) Wait() {
	<-sm.done
}

// waitForHandlesDrain waits for all handles to be released within timeout.
func (sm *ShutdownManager) waitForHandlesDrain() error {
	if sm.OutstandingHandles() == 0 {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timeout := time.NewTimer(sm.shutdownTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-timeout.C:
			return oops.
				Code("SHUTDOWN_TIMEOUT").
				In("shutdown").
				With("remaining_handles", sm.OutstandingHandles()).
				With("timeout", sm.shutdownTimeout.String()).
				Errorf("timeout waiting for handles to drain")

		case <-ticker.C:
			remaining := sm.OutstandingHandles()
			if remaining == 0 {
				return nil
			}

			sm.logger.WithField("remaining_handles", remaining).
				Debug("waiting for handles to drain")
		}
	}
}

// forceReleaseHandles evicts the sessions behind all remaining handles.
func (sm *ShutdownManager) forceReleaseHandles() {
	sm.mu.RLock()
	handles := make([]*Handle, 0, len(sm.handles))
	for h := range sm.handles {
		handles = append(handles, h)
	}
	sm.mu.RUnlock()

	for _, h := range handles {
		sm.logger.WithField("handle_id", h.ID()).Warn("force releasing handle during shutdown")
		h.forceRelease()
	}
}

// closeScopes closes all registered scopes.
func (sm *ShutdownManager) closeScopes() error {
	sm.mu.RLock()
	scopes := make([]*Scope, 0, len(sm.scopes))
	for s := range sm.scopes {
		scopes = append(scopes, s)
	}
	sm.mu.RUnlock()

	var firstError error
	for _, s := range scopes {
		if err := s.Close(); err != nil {
			sm.logger.WithError(err).WithField("database", s.config.Database).
				Error("error closing scope during shutdown")
			if firstError == nil {
				firstError = err
			}
		}
	}

	return firstError
}
