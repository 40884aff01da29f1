package infra

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls retry behavior for transient failures.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry. The delay doubles
	// after each attempt.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// JitterFraction adds +-fraction randomness to each delay.
	JitterFraction float64

	// RetryIf decides whether an error is retryable. Nil retries everything.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the defaults used for tool transports.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.1,
	}
}

// Retry runs fn until it succeeds, the attempts are exhausted, or the context
// is done. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.JitterFraction > 0 {
			jitter := 1 + cfg.JitterFraction*(2*rand.Float64()-1)
			wait = time.Duration(float64(wait) * jitter)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
