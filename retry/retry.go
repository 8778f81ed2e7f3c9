// Package retry runs transient backend calls with a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried call. The zero value makes a single attempt.
type Policy struct {
	// MaxTries counts the first attempt, so 2 means one retry.
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Retryable reports whether err is transient. Nil treats every error
	// except context cancellation as transient.
	Retryable func(error) bool

	Operation string
	Logger    *slog.Logger
}

// Once is the default policy for backend calls: one retry after a short pause.
func Once(operation string, retryable func(error) bool) Policy {
	return Policy{
		MaxTries:        2,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Retryable:       retryable,
		Operation:       operation,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	operation := func() (T, error) {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !isRetryable(p.Retryable, err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("retrying after transient error",
				"operation", p.Operation,
				"wait", wait,
				"error", err)
		}),
	)
}

func isRetryable(fn func(error) bool, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if fn == nil {
		return true
	}
	return fn(err)
}
