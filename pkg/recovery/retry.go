package recovery

import (
	"context"
	"math"
	"time"

	"efio-gateway/pkg/logger"
)

// RetryConfig controls the exponential backoff schedule
type RetryConfig struct {
	MaxRetries   int           // Attempts before giving up. Default: 3
	InitialDelay time.Duration // Delay after the first failure. Default: 1s
	MaxDelay     time.Duration // Cap on the computed delay. Default: 30s
	Base         float64       // Exponential growth factor. Default: 2.0

	// Retryable decides which errors are worth another attempt.
	// Nil retries everything.
	Retryable func(error) bool
}

// DefaultRetryConfig returns the retry settings used by the transport layers
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Base:         2.0,
	}
}

func (rc *RetryConfig) applyDefaults() {
	if rc.MaxRetries == 0 {
		rc.MaxRetries = 3
	}
	if rc.InitialDelay == 0 {
		rc.InitialDelay = 1 * time.Second
	}
	if rc.MaxDelay == 0 {
		rc.MaxDelay = 30 * time.Second
	}
	if rc.Base == 0 {
		rc.Base = 2.0
	}
}

// delayFor computes the sleep before attempt+1: min(initial * base^attempt, max)
func (rc RetryConfig) delayFor(attempt int) time.Duration {
	d := time.Duration(float64(rc.InitialDelay) * math.Pow(rc.Base, float64(attempt)))
	if d > rc.MaxDelay || d < 0 {
		d = rc.MaxDelay
	}
	return d
}

// Retry runs fn up to MaxRetries times with exponential backoff between
// attempts. The last error is returned once attempts are exhausted, the
// error is not retryable, or ctx is cancelled during a backoff sleep.
func Retry(ctx context.Context, op string, config RetryConfig, fn func() error) error {
	config.applyDefaults()

	var lastErr error
	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if config.Retryable != nil && !config.Retryable(lastErr) {
			return lastErr
		}

		if attempt == config.MaxRetries-1 {
			break
		}

		delay := config.delayFor(attempt)
		logger.LogWarn("%s failed (attempt %d/%d), retrying in %v: %v",
			op, attempt+1, config.MaxRetries, delay, lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.LogError("%s failed after %d attempts: %v", op, config.MaxRetries, lastErr)
	return lastErr
}
