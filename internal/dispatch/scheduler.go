package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/r0bb10/ornament-node/internal/clock"
)

// Task is one unit of scheduled work.
type Task interface {
	Step(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Step(ctx context.Context) error { return f(ctx) }

type entry struct {
	name  string
	every time.Duration
	delay time.Duration
	once  bool
	done  bool
	next  time.Time
	task  Task
}

// Scheduler steps named tasks from a single goroutine. Tasks never run
// concurrently with each other; tasks due at the same instant run in
// registration order.
type Scheduler struct {
	clock   clock.Clock
	entries []*entry
	log     *slog.Logger
}

func NewScheduler(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{clock: clk, log: logger}
}

// Every runs task every interval, starting immediately.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) {
	s.entries = append(s.entries, &entry{name: name, every: interval, task: task})
}

// After runs task once, delay after Run starts.
func (s *Scheduler) After(name string, delay time.Duration, task Task) {
	s.entries = append(s.entries, &entry{name: name, delay: delay, once: true, task: task})
}

// Run steps tasks until ctx is done or a task returns ErrRebootPending. Other
// task errors are logged and the task keeps its schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.clock.Now()
	for _, e := range s.entries {
		e.next = start.Add(e.delay)
		e.done = false
	}

	for {
		next, ok := s.nextDue()
		if !ok {
			<-ctx.Done()
			return ctx.Err()
		}
		if wait := next.Sub(s.clock.Now()); wait > 0 {
			if err := s.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		now := s.clock.Now()
		for _, e := range s.entries {
			if e.done || now.Before(e.next) {
				continue
			}
			if err := e.task.Step(ctx); err != nil {
				if errors.Is(err, ErrRebootPending) {
					s.log.Info("scheduler stopped", "task", e.name, "reason", err)
					return err
				}
				s.log.Warn("task step failed", "task", e.name, "error", err)
			}
			if e.once {
				e.done = true
				continue
			}
			e.next = e.next.Add(e.every)
			if !e.next.After(now) {
				// Overran; skip the missed ticks instead of bursting.
				e.next = now.Add(e.every)
			}
		}
	}
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, e := range s.entries {
		if e.done {
			continue
		}
		if !found || e.next.Before(next) {
			next, found = e.next, true
		}
	}
	return next, found
}
