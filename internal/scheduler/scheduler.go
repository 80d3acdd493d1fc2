package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc runs one scan cycle.
type TickFunc func(ctx context.Context) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler drives scan cycles at a fixed wall-clock cadence. The time a
// cycle consumes is subtracted from the following sleep, so the cadence
// does not drift with per-cycle latency.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick on each cadence until ctx is cancelled. It is
// the outermost failure boundary: a failing or panicking cycle is logged
// and the loop proceeds to the next tick.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		if err := s.runTick(ctx, tick); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("cycle failed")
		}

		delay := s.opts.Interval - time.Since(start)
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Dur("sleep", delay).Msg("waiting for next cycle")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, tick TickFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return tick(ctx)
}
