package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrMaxAttempts is returned when the check never reports completion.
var ErrMaxAttempts = errors.New("scheduler: max poll attempts reached")

// CheckFunc is invoked on every poll; done stops the loop.
type CheckFunc func(ctx context.Context, attempt int) (done bool, err error)

// Options tune poller behaviour.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
}

// Poller drives fixed-interval status checks with an upper bound.
type Poller struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Poller instance.
func New(opts Options, logger zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.MaxAttempts <= 0 {
		panic("scheduler max attempts must be positive")
	}
	return &Poller{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run checks immediately, then once per interval, until check is done, fails, ctx ends or attempts run out.
func (p *Poller) Run(ctx context.Context, check CheckFunc) error {
	for attempt := 1; ; attempt++ {
		done, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= p.opts.MaxAttempts {
			p.logger.Warn().Int("attempts", attempt).Dur("interval", p.opts.Interval).Msg("poll limit reached")
			return ErrMaxAttempts
		}

		p.logger.Debug().Int("attempt", attempt).Dur("next_in", p.opts.Interval).Msg("waiting for next poll")

		timer := time.NewTimer(p.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Deadline is the longest a Run can wait between checks in total.
func (p *Poller) Deadline() time.Duration {
	return time.Duration(p.opts.MaxAttempts-1) * p.opts.Interval
}
