// Package scheduler triggers staged pipeline runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/pipeline"
)

// DefaultSpec runs once a day at 06:00.
const DefaultSpec = "0 6 * * *"

// Runner executes one staged run.
type Runner interface {
	RunStaged(ctx context.Context, req pipeline.Request) (pipeline.Report, error)
}

// Config controls the schedule and the request each tick sends.
type Config struct {
	Spec       string
	Request    pipeline.Request
	Retries    int
	RetryDelay time.Duration
	RunTimeout time.Duration
}

// Scheduler owns the cron loop. At most one run is active at a time; ticks that
// arrive while a run is in flight are dropped.
type Scheduler struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
	cron   *cron.Cron
	entry  cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the schedule and registers the run job.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("scheduler: runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	clog := cronLogger{s: logger.Sugar()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		cron:   c,
		ctx:    ctx,
		cancel: cancel,
	}
	entry, err := c.AddFunc(cfg.Spec, s.tick)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Spec, err)
	}
	s.entry = entry
	return s, nil
}

// Start begins dispatching ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.cfg.Spec), zap.Time("next", s.Next()))
}

// Stop halts the cron loop, cancels an in-flight run and waits for it.
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	s.cancel()
	<-cronCtx.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Next returns the next scheduled activation.
func (s *Scheduler) Next() time.Time {
	e := s.cron.Entry(s.entry)
	if e.Next.IsZero() && e.Schedule != nil {
		return e.Schedule.Next(time.Now())
	}
	return e.Next
}

func (s *Scheduler) tick() {
	s.wg.Add(1)
	defer s.wg.Done()
	if _, err := s.RunOnce(s.ctx); err != nil {
		s.logger.Error("scheduled run failed", zap.Error(err))
	}
}

// RunOnce executes one run, retrying failures up to cfg.Retries times.
func (s *Scheduler) RunOnce(ctx context.Context) (pipeline.Report, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying scheduled run", zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return pipeline.Report{}, fmt.Errorf("scheduled run canceled: %w", errors.Join(ctx.Err(), lastErr))
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		runCtx, cancel := s.runContext(ctx)
		report, err := s.runner.RunStaged(runCtx, s.cfg.Request)
		cancel()
		if err == nil {
			return report, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return pipeline.Report{}, fmt.Errorf("scheduled run failed after %d attempt(s): %w", s.cfg.Retries+1, lastErr)
}

func (s *Scheduler) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}

// cronLogger routes cron's internal logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
