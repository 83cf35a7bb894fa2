package connscope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	s, _ := newMockScope(t, 1)

	require.NoError(t, s.Verify(context.Background()))

	stats := s.Stats()
	assert.Equal(t, 0, stats.InUse, "verification releases its handle")
	assert.Equal(t, 1, stats.Idle)
}

func TestVerifyWithRetrySucceeds(t *testing.T) {
	s, _ := newMockScope(t, 1)
	s.config.ConnectRetries = 2
	s.config.RetryBackoff = time.Millisecond

	assert.NoError(t, s.VerifyWithRetry(context.Background()))
}

func TestShouldRetry(t *testing.T) {
	s, _ := newMockScope(t, 1)

	tests := []struct {
		name       string
		attempt    int
		maxRetries int
		err        error
		want       bool
	}{
		{"unavailable with retries left", 0, 2, ErrConnectionUnavailable, true},
		{"lost with retries left", 1, 2, ErrConnectionLost, true},
		{"retries exhausted", 2, 2, ErrConnectionUnavailable, false},
		{"exhausted pool is not retried", 0, 2, ErrPoolExhausted, false},
		{"closed pool is not retried", 0, 2, ErrPoolClosed, false},
		{"other errors are not retried", 0, 2, errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.shouldRetry(tt.attempt, tt.maxRetries, tt.err))
		})
	}
}

func TestWaitForRetry(t *testing.T) {
	s, _ := newMockScope(t, 1)

	t.Run("no backoff", func(t *testing.T) {
		s.config.RetryBackoff = 0
		assert.NoError(t, s.waitForRetry(context.Background(), 5))
	})

	t.Run("exponential delay", func(t *testing.T) {
		s.config.RetryBackoff = 10 * time.Millisecond
		start := time.Now()
		require.NoError(t, s.waitForRetry(context.Background(), 2))
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("cancelled context", func(t *testing.T) {
		s.config.RetryBackoff = time.Hour
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.waitForRetry(ctx, 0), context.Canceled)
	})
}

func TestVerifyAfterCloseIsNotRetried(t *testing.T) {
	s, _ := newMockScope(t, 1)
	s.config.ConnectRetries = 3
	s.config.RetryBackoff = time.Hour

	require.NoError(t, s.Close())

	err := s.VerifyWithRetry(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Contains(t, err.Error(), "after 1 attempts")
}
