package core

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff schedule.
	BaseDelay time.Duration
	// Logger receives one line per retry. Nil disables retry logging.
	Logger *zap.Logger

	// rng overrides the jitter source, for deterministic tests.
	rng func() float64
}

// DefaultRetryOptions returns the standard 3-attempt schedule.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// maxRetryDelay caps the backoff schedule before jitter is applied.
const maxRetryDelay = 30 * time.Second

// WithRetry runs fn with truncated exponential backoff and full jitter.
//
// Classification: a failure carrying a 4xx status other than 429 is a client
// error and fails immediately; everything else (5xx, 429, timeouts, errors
// with no status) is retried. The delay before attempt n+1 is a uniformly
// random duration in [0, min(base*2^n, 30s)).
//
// On exhaustion the last error is returned, tagged with the operation name.
// Context cancellation during a backoff sleep aborts immediately.
func WithRetry(ctx context.Context, name string, opts RetryOptions, fn func(ctx context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	rng := opts.rng
	if rng == nil {
		rng = rand.Float64
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if status := HTTPStatusOf(lastErr); status >= 400 && status < 500 && status != 429 {
			return fmt.Errorf("%s: %w", name, lastErr)
		}
		if attempt == opts.MaxAttempts-1 {
			break
		}

		delay := opts.BaseDelay << uint(attempt)
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		jitter := time.Duration(rng() * float64(delay))

		if opts.Logger != nil {
			opts.Logger.Warn("retrying operation",
				zap.String("operation", name),
				zap.Int("attempt", attempt+1),
				zap.Duration("jitter", jitter),
				zap.Error(lastErr))
		}

		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", name, lastErr)
}
