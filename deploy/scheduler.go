package deploy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig configures the background reconcile scheduler.
type SchedulerConfig struct {
	// Pipeline executes each tick. Required.
	Pipeline *Pipeline
	// Plan is the command sequence run on every tick.
	Plan Plan
	// Options are applied to every tick; Reconcile and Scheduled are
	// forced on so ticks converge instead of blindly destroying state.
	Options Options
	// Cron is the 5-field UTC schedule expression. Required.
	Cron string
	// OnResult, when set, receives every tick's result (used to persist
	// scheduled runs to history).
	OnResult func(RunResult)
	// Now is the clock, injectable for tests.
	Now func() time.Time
	// Logger receives scheduler log lines. Nil means slog.Default().
	Logger *slog.Logger
}

// Scheduler re-runs a reconcile plan on a cron schedule. Ticks run
// sequentially: a tick that becomes due while the previous run is still
// executing is folded into the next schedule computation rather than
// stacking up.
type Scheduler struct {
	pipeline *Pipeline
	plan     Plan
	opts     Options
	schedule cron.Schedule
	onResult func(RunResult)
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler, validating the cron expression.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("deploy: scheduler pipeline is nil")
	}
	schedule, err := ParseCronUTC(cfg.Cron)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := cfg.Options
	opts.Reconcile = true
	opts.Scheduled = true

	return &Scheduler{
		pipeline: cfg.Pipeline,
		plan:     cfg.Plan,
		opts:     opts,
		schedule: schedule,
		onResult: cfg.OnResult,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Start begins the schedule loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		s.loop(loopCtx)
	}()
}

// Stop halts the schedule loop and waits for an in-flight tick to finish,
// bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single tick outside the schedule loop.
func (s *Scheduler) RunOnce(ctx context.Context) (RunResult, error) {
	result, err := s.pipeline.Run(ctx, s.plan, s.opts)
	if s.onResult != nil {
		s.onResult(result)
	}
	return result, err
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		now := s.now().UTC()
		next := nextCronRunUTC(s.schedule, now)
		s.logger.Info("next scheduled reconcile", "app", s.plan.App, "at", next)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled reconcile failed", "app", s.plan.App, "error", err)
		}
	}
}
