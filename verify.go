package connscope

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// maxRetryDelay caps the exponential backoff between verification attempts.
const maxRetryDelay = 30 * time.Second

// Verify establishes or reuses one session, pings it and releases it.
func (s *Scope) Verify(ctx context.Context) error {
	return s.Do(ctx, func(h *Handle) error {
		return h.PingContext(ctx)
	})
}

// VerifyWithRetry runs Verify, retrying with exponential backoff while the
// store is unavailable, up to ConnectRetries extra attempts. Only startup
// verification retries; Acquire never does.
func (s *Scope) VerifyWithRetry(ctx context.Context) error {
	if s.shouldUseSingleAttempt() {
		return s.Verify(ctx)
	}

	return s.executeRetryLoop(ctx)
}

// shouldUseSingleAttempt determines if only a single verification attempt should be made.
func (s *Scope) shouldUseSingleAttempt() bool {
	return s.config.ConnectRetries == 0
}

// executeRetryLoop performs the main retry logic with exponential backoff.
func (s *Scope) executeRetryLoop(ctx context.Context) error {
	maxRetries := s.config.ConnectRetries
	attempt := 0

	for {
		err := s.Verify(ctx)
		if err == nil {
			s.logSuccessAfterRetries(attempt)
			return nil
		}

		if !s.shouldRetry(attempt, maxRetries, err) {
			return s.wrapRetryError(err, attempt+1)
		}

		if err := s.waitForRetry(ctx, attempt); err != nil {
			return s.wrapRetryError(err, attempt+1)
		}

		attempt++
		s.logRetryAttempt(attempt, err)
	}
}

// logSuccessAfterRetries logs successful verification after retries.
func (s *Scope) logSuccessAfterRetries(attempt int) {
	if attempt > 0 {
		s.logger.WithFields(logrus.Fields{
			"attempts": attempt + 1,
			"host":     s.config.Host,
		}).Info("store reachable after retries")
	}
}

// shouldRetry determines if verification should be retried based on attempt count and error type.
// Configuration and closed-pool errors are permanent.
func (s *Scope) shouldRetry(attempt, maxRetries int, err error) bool {
	if attempt >= maxRetries {
		return false
	}

	return errors.Is(err, ErrConnectionUnavailable) || errors.Is(err, ErrConnectionLost)
}

// waitForRetry implements exponential backoff delay before retry attempt.
func (s *Scope) waitForRetry(ctx context.Context, attempt int) error {
	if s.config.RetryBackoff <= 0 {
		return nil
	}

	delay := time.Duration(float64(s.config.RetryBackoff) * math.Pow(2, float64(attempt)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	s.logger.WithFields(logrus.Fields{
		"attempt": attempt + 1,
		"delay":   delay,
		"host":    s.config.Host,
	}).Debug("waiting before verification retry")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// logRetryAttempt logs information about the retry attempt.
func (s *Scope) logRetryAttempt(attempt int, lastErr error) {
	s.logger.WithFields(logrus.Fields{
		"attempt":    attempt + 1,
		"host":       s.config.Host,
		"last_error": lastErr.Error(),
	}).Warn("store unavailable, retrying")
}

// wrapRetryError wraps the final error with retry context information.
func (s *Scope) wrapRetryError(err error, totalAttempts int) error {
	return oops.
		Code("VERIFY_FAILED").
		In("connscope").
		With("total_attempts", totalAttempts).
		With("max_retries", s.config.ConnectRetries).
		With("host", s.config.Host).
		With("port", s.config.Port).
		With("dsn_fingerprint", s.config.Fingerprint()).
		Wrapf(err, "store verification failed after %d attempts", totalAttempts)
}
