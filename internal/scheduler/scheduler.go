package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/powerman/structlog"

	"github.com/gridcast/gridcast/pkg/alert"
)

// Step is one task of a scheduled run. Run returns the id of the pipeline
// run it executed, which is attached to failure alerts.
type Step struct {
	Name string
	Run  func(ctx context.Context) (runID string, err error)
}

// Config controls when runs start and how failed steps are retried.
type Config struct {
	Cron       string
	Retries    int
	RetryDelay time.Duration
	Location   *time.Location
	Region     int
}

// Scheduler triggers the steps on a cron schedule. Steps run in order and a
// step runs only after the previous one succeeded. A failing step is retried
// up to Retries times; when it still fails the run stops and an alert is
// broadcast.
type Scheduler struct {
	cron   *gocron.Scheduler
	cfg    Config
	steps  []Step
	alerts *alert.Manager
	log    *structlog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New creates a new scheduler.
func New(cfg Config, steps []Step, alerts *alert.Manager) *Scheduler {
	if cfg.Cron == "" {
		cfg.Cron = "5 * * * *"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		cron:   gocron.NewScheduler(cfg.Location),
		cfg:    cfg,
		steps:  steps,
		alerts: alerts,
		log:    structlog.New(structlog.KeyUnit, "scheduler"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Start registers the cron job and starts the underlying scheduler. Runs
// never overlap. Cancelling ctx aborts the run in progress.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.Cron(s.cfg.Cron).SingletonMode().Do(func() {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.PrintErr("scheduled run failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.cfg.Cron, err)
	}

	s.cron.StartAsync()
	s.log.Info("scheduler started", "cron", s.cfg.Cron, "retries", s.cfg.Retries, "retry_delay", s.cfg.RetryDelay)
	return nil
}

// Stop stops the scheduler and cancels any future runs.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("scheduler stopped")
}

// NextRun reports when the job fires next.
func (s *Scheduler) NextRun() time.Time {
	_, next := s.cron.NextRun()
	return next
}

// RunOnce executes every step once, in order, with retries.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	for _, step := range s.steps {
		attempts, runID, err := s.runStep(ctx, step)
		if err == nil {
			continue
		}
		if ctx.Err() == nil {
			s.notify(step.Name, runID, attempts, err)
		}
		return fmt.Errorf("%s: %w", step.Name, err)
	}
	return nil
}

func (s *Scheduler) runStep(ctx context.Context, step Step) (int, string, error) {
	for attempt := 1; ; attempt++ {
		runID, err := step.Run(ctx)
		if err == nil {
			return attempt, runID, nil
		}
		if attempt > s.cfg.Retries || ctx.Err() != nil {
			return attempt, runID, err
		}
		s.log.Warn("step failed, retrying", "step", step.Name, "run_id", runID, "attempt", attempt, "delay", s.cfg.RetryDelay, "err", err)
		if serr := s.sleep(ctx, s.cfg.RetryDelay); serr != nil {
			return attempt, runID, errors.Join(err, serr)
		}
	}
}

func (s *Scheduler) notify(step, runID string, attempts int, runErr error) {
	if !s.alerts.HasNotifiers() {
		return
	}
	// The run context may be near its end; alerts get their own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.alerts.Broadcast(ctx, &alert.Notification{
		Pipeline: step,
		Region:   s.cfg.Region,
		RunID:    runID,
		Attempts: attempts,
		Error:    runErr.Error(),
		Time:     s.now(),
	})
	if err != nil {
		s.log.PrintErr("alert delivery failed", "step", step, "run_id", runID, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
