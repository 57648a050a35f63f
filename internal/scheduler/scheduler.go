package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CycleFunc runs one poll-evaluate-dispatch cycle for the given instant.
type CycleFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// AlignToStart runs cycles on interval boundaries instead of sleeping Interval after each cycle.
	AlignToStart   bool
	RunImmediately bool
	StartupDelay   time.Duration
}

// Scheduler drives the polling loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking cycle until ctx is cancelled. A failing cycle is logged and the
// loop continues. Cancellation interrupts the sleep but never a cycle in flight; the
// cycle itself observes ctx.
func (s *Scheduler) Run(ctx context.Context, cycle CycleFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunImmediately {
		s.execute(ctx, cycle, s.now())
	}

	for {
		next := s.nextTick(s.now())
		s.logger.Debug().Time("next_cycle", next).Msg("sleeping until next cycle")

		if err := s.sleep(ctx, time.Until(next)); err != nil {
			return err
		}
		s.execute(ctx, cycle, s.bucketStart(s.now()))
	}
}

func (s *Scheduler) execute(ctx context.Context, cycle CycleFunc, at time.Time) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	s.logger.Debug().Time("at", at).Msg("executing cycle")

	if err := cycle(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("cycle failed")
		return
	}
	s.logger.Debug().Time("at", at).Dur("took", time.Since(started)).Msg("cycle finished")
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	// Timers can fire a hair early; round so the cycle lands on its boundary.
	return t.Round(s.opts.Interval)
}
