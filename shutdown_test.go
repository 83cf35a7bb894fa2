package connscope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager(t *testing.T) {
	tests := []struct {
		name            string
		timeout         time.Duration
		expectedTimeout time.Duration
	}{
		{
			name:            "with custom timeout",
			timeout:         10 * time.Second,
			expectedTimeout: 10 * time.Second,
		},
		{
			name:            "with zero timeout uses default",
			timeout:         0,
			expectedTimeout: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewShutdownManager(tt.timeout)

			assert.NotNil(t, sm)
			assert.Equal(t, tt.expectedTimeout, sm.shutdownTimeout)
			assert.NotNil(t, sm.ctx)
			assert.NotNil(t, sm.done)
			assert.NotNil(t, sm.scopes)
			assert.NotNil(t, sm.handles)
			assert.NotNil(t, sm.logger)
		})
	}
}

func TestShutdownManagerContext(t *testing.T) {
	sm := NewShutdownManager(5 * time.Second)

	ctx := sm.Context()
	require.NoError(t, ctx.Err(), "context should not be cancelled initially")

	require.NoError(t, sm.Shutdown())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after shutdown")
	}
}

func TestShutdownManagerTracksHandles(t *testing.T) {
	s, _ := newMockScope(t, 2)
	sm := NewShutdownManager(time.Second)
	s.SetShutdownManager(sm)

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sm.OutstandingHandles())

	h.Release()
	assert.Equal(t, 0, sm.OutstandingHandles())
}

func TestShutdownDrainsHandles(t *testing.T) {
	s, _ := newMockScope(t, 1)
	sm := NewShutdownManager(2 * time.Second)
	s.SetShutdownManager(sm)

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Release()
	}()

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, 0, sm.OutstandingHandles())
	assert.Equal(t, int64(1), s.Stats().Evicted, "idle session is closed with the scope")

	_, err = s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestShutdownTimeoutForcesRelease(t *testing.T) {
	s, _ := newMockScope(t, 1)
	sm := NewShutdownManager(50 * time.Millisecond)
	s.SetShutdownManager(sm)

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	err = sm.Shutdown()
	require.Error(t, err)

	assert.Equal(t, 0, sm.OutstandingHandles())
	assert.ErrorIs(t, h.PingContext(context.Background()), ErrHandleReleased)

	stats := s.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(1), stats.Evicted)

	// the owner's late release is harmless
	h.Release()
	assert.Equal(t, 0, s.Stats().InUse)
}

func TestShutdownIsIdempotent(t *testing.T) {
	sm := NewShutdownManager(time.Second)

	require.NoError(t, sm.Shutdown())
	require.NoError(t, sm.Shutdown())

	done := make(chan struct{})
	go func() {
		sm.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait should return after shutdown")
	}
}

func TestScopeCloseUnregisters(t *testing.T) {
	s, _ := newMockScope(t, 1)
	sm := NewShutdownManager(time.Second)
	s.SetShutdownManager(sm)

	sm.mu.RLock()
	_, registered := sm.scopes[s]
	sm.mu.RUnlock()
	assert.True(t, registered)

	require.NoError(t, s.Close())

	sm.mu.RLock()
	_, registered = sm.scopes[s]
	sm.mu.RUnlock()
	assert.False(t, registered)
}

func TestSetShutdownManagerReplaces(t *testing.T) {
	s, _ := newMockScope(t, 1)
	first := NewShutdownManager(time.Second)
	second := NewShutdownManager(time.Second)

	s.SetShutdownManager(first)
	s.SetShutdownManager(second)

	assert.Empty(t, first.scopes)
	assert.Len(t, second.scopes, 1)
}
