package appstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// BackoffFactor scales the exponential backoff: retry n waits
	// BackoffFactor * 2^(n-1).
	BackoffFactor time.Duration

	// BackoffJitter adds up to this much random delay to each backoff.
	BackoffJitter time.Duration

	// MaxBackoff caps every backoff, including Retry-After hints.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   5,
		BackoffFactor: 3 * time.Second,
		BackoffJitter: 0,
		MaxBackoff:    60 * time.Second,
	}
}

// Validate checks the configuration for impossible values.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.BackoffFactor < 0 {
		return fmt.Errorf("backoff_factor must be >= 0 (got %s)", c.BackoffFactor)
	}
	if c.BackoffJitter < 0 {
		return fmt.Errorf("backoff_jitter must be >= 0 (got %s)", c.BackoffJitter)
	}
	if c.MaxBackoff < 0 {
		return fmt.Errorf("max_backoff must be >= 0 (got %s)", c.MaxBackoff)
	}
	return nil
}

// Backoff returns the delay before the given retry (1 for the first retry).
func (c RetryConfig) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	backoff := c.MaxBackoff
	// 2^32 seconds is far beyond any sane cap
	if shift := retry - 1; shift < 32 {
		if scaled := c.BackoffFactor * time.Duration(1<<shift); scaled/time.Duration(1<<shift) == c.BackoffFactor {
			backoff = scaled
		}
	}

	if c.BackoffJitter > 0 {
		backoff += rand.N(c.BackoffJitter)
	}

	if backoff > c.MaxBackoff {
		return c.MaxBackoff
	}
	return backoff
}

// delayFor picks the wait before the next attempt, preferring a server hint.
func (c RetryConfig) delayFor(retry int, err error) time.Duration {
	var storeErr *AppStoreError
	if errors.As(err, &storeErr) && storeErr.RetryAfter > 0 {
		if storeErr.RetryAfter > c.MaxBackoff {
			return c.MaxBackoff
		}
		return storeErr.RetryAfter
	}
	return c.Backoff(retry)
}

// classifyError returns the error class carried by err, if any.
func classifyError(err error) ErrorClass {
	var storeErr *AppStoreError
	if errors.As(err, &storeErr) {
		return storeErr.ErrorClass
	}
	return ""
}

// retryWithBackoff executes fn until it succeeds, returns a non-retryable
// error, or config.MaxAttempts is reached. It respects context cancellation.
func retryWithBackoff(ctx context.Context, config RetryConfig, logger zerolog.Logger, fn func() error) error {
	var lastErr error
	var errorClass ErrorClass

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		errorClass = classifyError(err)

		if ctx.Err() != nil || !shouldRetry(errorClass) {
			return lastErr
		}

		// If this was the last attempt, don't wait
		if attempt >= config.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(errorClass)).Inc()

		delay := config.delayFor(attempt, err)
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(delay.Seconds())

		logger.Debug().
			Err(err).
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return &AppStoreError{
				ErrorClass: errorClass,
				Message:    "retry interrupted",
				Err:        fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err()),
			}
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	logger.Warn().
		Err(lastErr).
		Str("error_class", string(errorClass)).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	exhausted := &AppStoreError{
		ErrorClass: errorClass,
		Message:    fmt.Sprintf("request failed after %d attempts", config.MaxAttempts),
		Err:        fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr),
	}
	var storeErr *AppStoreError
	if errors.As(lastErr, &storeErr) {
		exhausted.StatusCode = storeErr.StatusCode
	}
	return exhausted
}
