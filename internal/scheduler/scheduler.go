// Package scheduler triggers crawl runs on a cron spec or fixed interval
// and enforces single-flight execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ZihanQ/intelligent-data-crawler/internal/crawl"
)

// ErrRunInProgress is returned when a trigger arrives while a run is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// Runner executes one complete crawl run.
type Runner interface {
	Run(ctx context.Context, trigger crawl.RunTrigger) (crawl.JobRun, error)
}

// Config controls scheduling. Exactly one of CronSpec or Interval should
// be set; manual triggers work either way.
type Config struct {
	CronSpec     string
	Interval     time.Duration
	HistoryLimit int
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Running         bool           `json:"running"`
	SkippedTriggers int            `json:"skipped_triggers"`
	Last            *crawl.JobRun  `json:"last,omitempty"`
	History         []crawl.JobRun `json:"history"`
}

// Scheduler drives a Runner from timed triggers.
type Scheduler struct {
	runner Runner
	cfg    Config
	logger *zap.Logger
	cron   *cron.Cron

	mu           sync.Mutex
	running      bool
	activeCancel context.CancelFunc
	last         *crawl.JobRun
	history      []crawl.JobRun
	skipped      int
}

// New builds a Scheduler.
func New(runner Runner, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
	}, nil
}

// Start registers the timed trigger and begins scheduling. With neither
// a cron spec nor an interval configured, only manual triggers fire.
func (s *Scheduler) Start() error {
	switch {
	case s.cfg.CronSpec != "":
		if _, err := s.cron.AddFunc(s.cfg.CronSpec, func() {
			s.timedRun(crawl.TriggerCron)
		}); err != nil {
			return fmt.Errorf("register cron spec %q: %w", s.cfg.CronSpec, err)
		}
	case s.cfg.Interval > 0:
		spec := fmt.Sprintf("@every %s", s.cfg.Interval)
		if _, err := s.cron.AddFunc(spec, func() {
			s.timedRun(crawl.TriggerInterval)
		}); err != nil {
			return fmt.Errorf("register interval %q: %w", spec, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a timed run in flight.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// TriggerNow runs synchronously on behalf of an operator. A concurrent
// run fails the trigger with ErrRunInProgress.
func (s *Scheduler) TriggerNow(ctx context.Context) (crawl.JobRun, error) {
	return s.run(ctx, crawl.TriggerManual)
}

// Status reports the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]crawl.JobRun, len(s.history))
	copy(history, s.history)
	return Status{
		Running:         s.running,
		SkippedTriggers: s.skipped,
		Last:            s.last,
		History:         history,
	}
}

// CancelActive cancels the run in flight, if any.
func (s *Scheduler) CancelActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCancel == nil {
		return false
	}
	s.activeCancel()
	return true
}

func (s *Scheduler) timedRun(trigger crawl.RunTrigger) {
	if _, err := s.run(context.Background(), trigger); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Warn("trigger skipped, run in progress", zap.String("trigger", string(trigger)))
			return
		}
		s.logger.Error("scheduled run failed", zap.String("trigger", string(trigger)), zap.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context, trigger crawl.RunTrigger) (crawl.JobRun, error) {
	runCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return crawl.JobRun{}, err
	}
	defer cancel()

	run, err := s.runner.Run(runCtx, trigger)
	s.finish(run)
	if err != nil {
		return run, fmt.Errorf("run %s: %w", trigger, err)
	}
	return run, nil
}

func (s *Scheduler) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.skipped++
		return nil, nil, ErrRunInProgress
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.activeCancel = cancel
	return runCtx, cancel, nil
}

func (s *Scheduler) finish(run crawl.JobRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.activeCancel = nil
	s.last = &run
	s.history = append(s.history, run)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
}
