package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
)

const DefaultInterval = 30 * time.Minute

// Pauser is the live watch the scheduler stops while a pass runs.
type Pauser interface {
	Pause() error
	Resume() error
}

// Scheduler runs a reconciliation pass every interval with the watch paused,
// so the two never touch the trees or the ledger at the same time.
type Scheduler struct {
	reconciler *Reconciler
	watch      Pauser
	interval   time.Duration
	clock      clockwork.Clock
	observe    func(Result, error)
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(clock clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithPassObserver registers fn to be called with the outcome of every pass,
// before the watch is resumed.
func WithPassObserver(fn func(Result, error)) SchedulerOption {
	return func(s *Scheduler) {
		s.observe = fn
	}
}

func NewScheduler(r *Reconciler, watch Pauser, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		reconciler: r,
		watch:      watch,
		interval:   interval,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is done or a pass finds a conflict. A conflict is
// returned and the watch is left paused.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("reconcile scheduler start", "interval", s.interval)

	// a timer, not a ticker, so a slow pass does not queue up more passes
	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconcile scheduler stop")
			return nil
		case <-timer.Chan():
			if err := s.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrConflict) {
					return err
				}
				if !errors.Is(err, context.Canceled) {
					slog.Error("reconcile pass", "error", err)
				}
			}
			timer.Reset(s.interval)
		}
	}
}

// RunOnce pauses the watch, reconciles, and resumes the watch unless a
// conflict was found.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.watch.Pause(); err != nil {
		return fmt.Errorf("pause watch: %w", err)
	}

	res, err := s.reconciler.CompareConnections(ctx)
	if s.observe != nil {
		s.observe(res, err)
	}
	if errors.Is(err, ErrConflict) {
		return err
	}

	if resumeErr := s.watch.Resume(); resumeErr != nil {
		return multierr.Append(err, fmt.Errorf("resume watch: %w", resumeErr))
	}
	return err
}
