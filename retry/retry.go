// Package retry provides generic retry with exponential backoff for
// transient failures, honoring context cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentrails/agentpay"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable reports whether an error should trigger a retry.
type IsRetryable func(error) bool

// Transient is the IsRetryable used for settlement: facilitator outages
// retry, everything else (rejections, invalid credentials, replays) fails
// fast. Retrying a settlement is safe because the nonce store makes the
// operation idempotent.
func Transient(err error) bool {
	return errors.Is(err, agentpay.ErrFacilitatorUnavailable)
}

// WithRetry executes fn with exponential backoff until it succeeds, the
// error is not retryable, attempts run out, or the context ends.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < config.MaxAttempts-1 {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// WithSimpleRetry runs fn with DefaultConfig and the Transient predicate.
func WithSimpleRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return WithRetry(ctx, DefaultConfig, Transient, fn)
}
