// Package cron runs the gateway's periodic housekeeping (diagnostic
// heartbeat, stuck-session sweeps) on a single robfig/cron scheduler.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"
)

// Task is one periodic job. It receives the scheduler's run context.
type Task func(ctx context.Context)

// Scheduler wraps robfig/cron. Tasks never overlap with themselves: a tick
// that arrives while the previous run is still going is skipped.
type Scheduler struct {
	mu      sync.Mutex
	robfig  *robfigcron.Cron
	entries map[string]robfigcron.EntryID
	ctx     context.Context
	logger  *slog.Logger
}

// NewScheduler creates an idle scheduler. Register tasks, then call Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	cl := slogLogger{logger}
	return &Scheduler{
		robfig: robfigcron.New(
			robfigcron.WithSeconds(),
			robfigcron.WithLogger(cl),
			robfigcron.WithChain(robfigcron.Recover(cl), robfigcron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]robfigcron.EntryID),
		ctx:     context.Background(),
		logger:  logger,
	}
}

// Every runs task at a fixed interval. robfig/cron rounds intervals below
// one second up to one second.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("cron: task %q: interval must be positive", name)
	}
	return s.add(name, robfigcron.Every(interval), task)
}

// Cron runs task on a standard five-field cron expression ("*/5 * * * *").
func (s *Scheduler) Cron(name, expr string, task Task) error {
	parser := robfigcron.NewParser(
		robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
	)
	sched, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron: task %q: parse %q: %w", name, expr, err)
	}
	return s.add(name, sched, task)
}

func (s *Scheduler) add(name string, sched robfigcron.Schedule, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("cron: task %q already registered", name)
	}
	s.entries[name] = s.robfig.Schedule(sched, robfigcron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		task(ctx)
	}))
	s.logger.Debug("task registered", "name", name)
	return nil
}

// Remove unregisters a task. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.robfig.Remove(id)
		delete(s.entries, name)
	}
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	return names
}

// Start runs the scheduler until ctx is cancelled, then waits for running
// tasks to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.entries)
	s.mu.Unlock()

	s.robfig.Start()
	s.logger.Info("scheduler started", "tasks", n)

	<-ctx.Done()

	<-s.robfig.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// slogLogger adapts slog to robfig/cron's logger interface.
type slogLogger struct{ l *slog.Logger }

func (c slogLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c slogLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
