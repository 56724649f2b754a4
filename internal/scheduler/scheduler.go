package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a named maintenance job run on a cron schedule: autosave,
// approval expiry sweeps, store vacuuming.
type Task struct {
	Name           string
	CronExpression string
	Run            func(ctx context.Context) error
}

type scheduledTask struct {
	task    Task
	nextRun time.Time
}

// Scheduler drives the background maintenance loop. Tasks are checked once
// per tick and run inline; a task still running when its next slot comes
// around is skipped for that slot.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	tasks  map[string]*scheduledTask
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler ticking at the given interval.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: interval,
		tasks:    make(map[string]*scheduledTask),
		inflight: make(map[string]struct{}),
	}
}

// AddTask registers a task. The first run lands at the expression's next
// slot after now.
func (s *Scheduler) AddTask(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name is empty")
	}
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}
	next, err := s.CalculateNextRun(task.CronExpression, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %q already registered", task.Name)
	}
	s.tasks[task.Name] = &scheduledTask{task: task, nextRun: next}
	return nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs every task whose slot has arrived and advances its schedule.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, st := range s.dueTasks(now) {
		if !s.tryAcquire(st.task.Name) {
			continue
		}
		s.runTask(ctx, st.task, now)
		s.release(st.task.Name)
	}
}

func (s *Scheduler) dueTasks(now time.Time) []*scheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*scheduledTask
	for _, st := range s.tasks {
		if st.nextRun.After(now) {
			continue
		}
		next, err := s.CalculateNextRun(st.task.CronExpression, now)
		if err != nil {
			// AddTask parsed the expression once already; keep the task
			// parked rather than hot-looping on it.
			s.logger.Error("reschedule task", "task", st.task.Name, "error", err)
			st.nextRun = now.Add(24 * time.Hour)
			continue
		}
		st.nextRun = next
		due = append(due, st)
	}
	return due
}

func (s *Scheduler) runTask(ctx context.Context, task Task, now time.Time) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		s.logger.Error("scheduled task failed", "task", task.Name, "error", err)
		return
	}
	s.logger.Debug("scheduled task completed", "task", task.Name, "duration", time.Since(start))
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next slot for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// NextRun reports the scheduled time of a task's next run.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		return time.Time{}, false
	}
	return st.nextRun, true
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
