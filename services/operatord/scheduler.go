// Package operatord runs the operator's periodic tasks and serves the
// operations endpoints.
package operatord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"commitchain/observability"
)

var (
	// ErrUnknownTask is returned for a task name that was never registered.
	ErrUnknownTask = errors.New("operatord: unknown task")
	// ErrTaskBusy is returned when a manual run overlaps a scheduled one.
	ErrTaskBusy = errors.New("operatord: task already running")
	// ErrTaskPanicked wraps a panic recovered from a task.
	ErrTaskPanicked = errors.New("operatord: task panicked")
)

// TaskFunc is one unit of periodic work.
type TaskFunc func(ctx context.Context) error

// TaskStatus is the last observed outcome of a task.
type TaskStatus struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Runs         uint64        `json:"runs"`
	Skipped      uint64        `json:"skipped"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"lastRun,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
}

type task struct {
	fn     TaskFunc
	status TaskStatus
}

// Scheduler triggers registered tasks on their cron specs. A trigger that
// finds its task still running is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	nowFn   func() time.Time

	mu    sync.Mutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
}

type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler builds an idle scheduler. timeout bounds every run; zero
// leaves runs unbounded.
func NewScheduler(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{logger})), cron.WithLogger(cronLogger{logger})),
		logger:  logger,
		timeout: timeout,
		nowFn:   time.Now,
		tasks:   make(map[string]*task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a task. An empty spec registers it for manual runs only.
func (s *Scheduler) Register(name, spec string, fn TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("operatord: task %s has no function", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("operatord: task %s registered twice", name)
	}
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.trigger(name) }); err != nil {
			return fmt.Errorf("operatord: task %s spec %q: %w", name, spec, err)
		}
	}
	s.tasks[name] = &task{fn: fn, status: TaskStatus{Name: name, Spec: spec}}
	return nil
}

// Start begins triggering tasks.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts triggers, cancels running tasks and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) trigger(name string) {
	err := s.Run(s.ctx, name)
	switch {
	case errors.Is(err, ErrTaskBusy):
		observability.Tasks().RecordSkip(name)
		s.logger.Debug("task still running, trigger skipped", "task", name)
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Error("task failed", "task", name, "error", err)
	}
}

// Run executes name now and returns its error. A panicking task is reported
// as ErrTaskPanicked and does not stay marked as running.
func (s *Scheduler) Run(ctx context.Context, name string) (err error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if t.status.Running {
		t.status.Skipped++
		s.mu.Unlock()
		return ErrTaskBusy
	}
	t.status.Running = true
	s.mu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := s.nowFn()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrTaskPanicked, name, r)
			s.logger.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
		}
		elapsed := s.nowFn().Sub(start)
		observability.Tasks().Observe(name, elapsed, err)

		s.mu.Lock()
		defer s.mu.Unlock()
		t.status.Running = false
		t.status.Runs++
		t.status.LastRun = start
		t.status.LastDuration = elapsed
		t.status.LastError = ""
		if err != nil {
			t.status.LastError = err.Error()
		}
	}()
	return t.fn(ctx)
}

// Statuses lists every task by name.
func (s *Scheduler) Statuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
