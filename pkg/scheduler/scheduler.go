// Package scheduler runs a fixed set of periodic actions on one background
// goroutine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyvo/fwbuild/pkg/logging"
)

// Task is one periodic action. A failing or panicking action is logged and
// does not affect the other tasks or the loop.
type Task struct {
	Name   string
	Period time.Duration
	Action func(ctx context.Context) error
}

// Scheduler fires every task at start and then once per period, measured
// from the moment the loop observed it as due.
type Scheduler struct {
	tasks  []Task
	clock  clockwork.Clock
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New validates tasks and returns a stopped scheduler.
func New(tasks []Task, opts ...Option) (*Scheduler, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("scheduler: no tasks")
	}
	for i, t := range tasks {
		if t.Action == nil {
			return nil, fmt.Errorf("scheduler: task %d (%s) has no action", i, t.Name)
		}
		if t.Period <= 0 {
			return nil, fmt.Errorf("scheduler: task %d (%s) has non-positive period %s", i, t.Name, t.Period)
		}
	}
	s := &Scheduler{
		tasks: append([]Task(nil), tasks...),
		clock: clockwork.NewRealClock(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s, nil
}

// Start launches the loop. Calls after the first are ignored.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
		go s.run(ctx)
	})
}

// Stop signals the loop, interrupting any sleep, and waits for it to exit.
// It is safe to call more than once and before Start.
func (s *Scheduler) Stop() {
	s.startOnce.Do(func() { close(s.done) })
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	next := make([]time.Time, len(s.tasks))
	start := s.clock.Now()
	for i := range next {
		next[i] = start
	}

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		now := s.clock.Now()
		for i, t := range s.tasks {
			if now.Before(next[i]) {
				continue
			}
			s.execute(ctx, t)
			next[i] = now.Add(t.Period)
		}

		earliest := next[0]
		for _, n := range next[1:] {
			if n.Before(earliest) {
				earliest = n
			}
		}
		wait := earliest.Sub(now)
		if wait <= 0 {
			continue
		}

		timer := s.clock.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", logging.Task(t.Name), slog.Any("panic", r))
		}
	}()
	if err := t.Action(ctx); err != nil {
		s.logger.Error("scheduled task failed", logging.Task(t.Name), logging.Error(err))
	}
}
