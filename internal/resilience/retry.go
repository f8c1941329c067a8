package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
)

// RetryPolicy describes how an outbound call is repeated after a failure.
//
// The zero value makes exactly one attempt with no per-attempt timeout.
type RetryPolicy struct {
	// Name labels the call in log messages.
	Name string

	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int

	// Backoff returns the pause before retry number n (1-based). Nil means
	// retry immediately.
	Backoff func(n int) time.Duration

	// Retryable reports whether err is worth another attempt. Nil means
	// [IsTransient].
	Retryable func(err error) bool

	// AttemptTimeout bounds each individual attempt. Zero disables the
	// per-attempt deadline; the parent context still applies.
	AttemptTimeout time.Duration
}

// ConstantBackoff returns a backoff function that always waits d.
func ConstantBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do runs fn under the policy. See [Retry].
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry calls fn until it succeeds, the error is not retryable, the retry
// budget is spent, or ctx is done. Each attempt receives its own child context
// carrying AttemptTimeout. When ctx itself is cancelled the context error is
// returned as is, so callers can tell cancellation apart from failure.
func Retry[R any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (R, error)) (R, error) {
	var zero R
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	attempts := p.MaxRetries + 1
	var (
		err  error
		made int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		var result R
		result, err = runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !retryable(err) || attempt == attempts {
			break
		}

		slog.Warn("call failed, retrying",
			"call", p.Name,
			"attempt", attempt,
			"max_attempts", attempts,
			"err", err,
		)
		if p.Backoff != nil {
			if wait := p.Backoff(attempt); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return zero, ctx.Err()
				case <-t.C:
				}
			}
		}
	}
	if made > 1 {
		return zero, fmt.Errorf("%s: %d attempts: %w", p.label(), made, err)
	}
	return zero, err
}

func runAttempt[R any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (R, error)) (R, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (p RetryPolicy) label() string {
	if p.Name == "" {
		return "retry"
	}
	return p.Name
}

// ─── Transient errors ────────────────────────────────────────────────────────

// MarkTransient is [provider.MarkTransient].
func MarkTransient(err error) error { return provider.MarkTransient(err) }

// IsTransient is [provider.IsTransient], the default [RetryPolicy.Retryable].
func IsTransient(err error) bool { return provider.IsTransient(err) }
