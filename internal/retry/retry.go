package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// Backoff decides how long to wait after a failed attempt.
type Backoff interface {
	Delay(attempt int, err error) time.Duration
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures Do.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Sleep       SleepFunc
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, returns a permanent error, or the policy runs out of attempts.
func Do[T any](ctx context.Context, p Policy, logger zerolog.Logger, operation string, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		value, err := op(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("operation", operation).Int("attempts", attempt).Msg("operation succeeded after retries")
			}
			return value, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff.Delay(attempt, err)
		}

		logger.Warn().Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("retry_in", delay).
			Msg("operation failed, retrying")

		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry cancelled: %w", err)
			}
		}
	}

	return zero, &ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

// ContextSleep waits for d unless ctx is cancelled first.
func ContextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fixed waits the same duration after every failure.
type Fixed time.Duration

func (f Fixed) Delay(int, error) time.Duration { return time.Duration(f) }

// Jitter waits a uniformly random duration in [Min, Max).
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

func (j Jitter) Delay(int, error) time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	return j.Min + rand.N(j.Max-j.Min)
}

type switchBackoff struct {
	match     func(error) bool
	onMatch   Backoff
	otherwise Backoff
}

func (s switchBackoff) Delay(attempt int, err error) time.Duration {
	if s.match(err) {
		return s.onMatch.Delay(attempt, err)
	}
	return s.otherwise.Delay(attempt, err)
}

// Switch selects onMatch when match reports true for the failure, otherwise the fallback.
func Switch(match func(error) bool, onMatch, otherwise Backoff) Backoff {
	return switchBackoff{match: match, onMatch: onMatch, otherwise: otherwise}
}
