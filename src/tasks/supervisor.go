// Package tasks runs fire-and-forget background work whose failures are
// reported instead of lost.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/vatsalvatsyayan/pocketllm/src/logging"
)

// TaskError describes one failed task. Panic is set when the task panicked.
type TaskError struct {
	Name  string
	Err   error
	Panic any
	Stack []byte
}

func (e *TaskError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task %s panicked: %v", e.Name, e.Panic)
	}
	return fmt.Sprintf("task %s failed: %v", e.Name, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Supervisor runs tasks on their own goroutines under a context detached
// from any request. A failing or panicking task is logged and passed to the
// registered handlers; it never affects other tasks or the caller.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu       sync.RWMutex
	closed   bool
	handlers []func(*TaskError)

	wg       sync.WaitGroup
	inFlight atomic.Int64
	failures atomic.Int64
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	logger = logging.OrDefault(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "tasks"),
	}
}

// OnError registers h to receive every task failure.
func (s *Supervisor) OnError(h func(*TaskError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Go schedules fn. It returns false, without running fn, once Shutdown has
// begun.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		s.logger.Warn("task rejected, supervisor is shutting down", "task", name)
		return false
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	s.inFlight.Add(1)
	go s.run(name, fn)
	return true
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) {
	defer s.wg.Done()
	defer s.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.report(&TaskError{Name: name, Panic: r, Stack: debug.Stack()})
		}
	}()

	if err := fn(s.ctx); err != nil {
		s.report(&TaskError{Name: name, Err: err})
	}
}

func (s *Supervisor) report(te *TaskError) {
	s.failures.Add(1)
	if te.Panic != nil {
		s.logger.Error("background task panicked", "task", te.Name, "panic", te.Panic, "stack", string(te.Stack))
	} else {
		s.logger.Warn("background task failed", "task", te.Name, "error", te.Err)
	}

	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()
	for _, h := range handlers {
		h(te)
	}
}

// InFlight is the number of tasks currently running.
func (s *Supervisor) InFlight() int64 { return s.inFlight.Load() }

// Failures is the number of tasks that have failed since start.
func (s *Supervisor) Failures() int64 { return s.failures.Load() }

// Shutdown stops accepting tasks and waits for running ones until ctx ends,
// then cancels the task context.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d task(s) still running: %w", s.inFlight.Load(), ctx.Err())
	}
}
