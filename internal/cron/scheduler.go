// Package cron periodically fires named cron-expression schedules by
// creating tasks in the task store. Schedules are a producer-side
// feature, distinct from a single task's payload-level
// repeat_interval_seconds recurrence, which the dispatcher owns.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/taskfabric/fabric/internal/store"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the scheduler's dependencies.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and creates
// a task for each one that has come due.
type Scheduler struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: cfg.Store, logger: logger, interval: interval}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: querying due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	taskType := sched.TaskType
	if taskType == "" {
		taskType = store.TaskTypeWork
	}
	taskID, err := s.store.TaskCreate(ctx, taskType, sched.Payload)
	if err != nil {
		s.logger.Error("cron: creating task for schedule",
			"schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: computing next run time",
			"schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return
	}

	if err := s.store.ScheduleMarkRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: marking schedule run", "schedule_id", sched.ID, "error", err)
		return
	}

	s.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID, "schedule_name", sched.Name, "task_id", taskID, "next_run_at", nextRun)
}

// NextRunTime parses cronExpr and returns its next firing time after after.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
