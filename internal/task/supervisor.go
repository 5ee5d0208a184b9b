// Package task keeps at most one running background action per name.
package task

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"auralink/internal/logging"
)

// Func is the body of a supervised task. It should return once ctx is
// cancelled.
type Func func(ctx context.Context)

// Handle is one running task.
type Handle struct {
	Name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel requests that the task stop. It does not wait.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the task body has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Supervisor is a registry of named tasks.
type Supervisor struct {
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*Handle
	wg      sync.WaitGroup
	waiting bool
}

// NewSupervisor returns a supervisor whose tasks inherit ctx.
func NewSupervisor(ctx context.Context, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		ctx:    ctx,
		logger: logging.OrDefault(logger).With("component", "task"),
		tasks:  make(map[string]*Handle),
	}
}

// Push starts fn under name. A task already registered under name is
// cancelled first and can no longer be retrieved once Push returns.
//
// Once Wait has been called the supervisor is shut: Push does not run fn
// and returns a handle that is already done.
func (s *Supervisor) Push(name string, fn Func) *Handle {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{Name: name, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.waiting {
		s.mu.Unlock()
		cancel()
		close(h.done)
		s.logger.Debug("task refused after shutdown", "task", name)
		return h
	}
	if prev, ok := s.tasks[name]; ok {
		prev.cancel()
		s.logger.Debug("task replaced", "task", name)
	}
	s.tasks[name] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, h, fn)
	return h
}

func (s *Supervisor) run(ctx context.Context, h *Handle, fn Func) {
	defer s.wg.Done()
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panic", "task", h.Name, "panic", r)
		}
		h.cancel()
		s.mu.Lock()
		if s.tasks[h.Name] == h {
			delete(s.tasks, h.Name)
		}
		s.mu.Unlock()
	}()
	fn(ctx)
}

// Abort cancels the task registered under name, if any.
func (s *Supervisor) Abort(name string) bool {
	s.mu.Lock()
	h, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// Get returns the task registered under name.
func (s *Supervisor) Get(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[name]
	return h, ok
}

// Names lists the registered tasks, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// AbortAll cancels every task.
func (s *Supervisor) AbortAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*Handle)
	s.mu.Unlock()
	for _, h := range tasks {
		h.cancel()
	}
}

// Wait shuts the supervisor and blocks until every task started before it
// has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.waiting = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
