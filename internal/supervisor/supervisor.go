// Package supervisor owns the dialer's periodic loops. Each named loop runs
// at most once per process; starting it again returns the live handle.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Task is one run of a loop. Errors are logged and recorded; they never stop
// the loop.
type Task func(ctx context.Context) error

type Status struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at"`
	LastRunAt time.Time     `json:"last_run_at,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
}

// Handle controls one running loop.
type Handle struct {
	name     string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	status Status
}

func (h *Handle) Name() string { return h.name }

// Stop cancels the loop and waits for the current run to return.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.status
	select {
	case <-h.done:
		st.Running = false
	default:
		st.Running = true
	}
	return st
}

func (h *Handle) record(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.Runs++
	h.status.LastRunAt = at
	h.status.LastError = ""
	if err != nil {
		h.status.Failures++
		h.status.LastError = err.Error()
	}
}

type Supervisor struct {
	parent context.Context
	log    *slog.Logger

	mu    sync.Mutex
	loops map[string]*Handle

	clock func() time.Time
}

// New returns a supervisor whose loops stop when parent is canceled.
func New(parent context.Context, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{parent: parent, log: log, loops: map[string]*Handle{}, clock: time.Now}
}

// Start launches task every interval, running it once immediately. If a loop
// with this name is already running its handle is returned and started is
// false.
func (s *Supervisor) Start(name string, interval time.Duration, task Task) (h *Handle, started bool) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.loops[name]; ok {
		select {
		case <-cur.done:
		default:
			return cur, false
		}
	}

	ctx, cancel := context.WithCancel(s.parent)
	h = &Handle{
		name:     name,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Status{Name: name, Interval: interval, StartedAt: s.clock().UTC()},
	}
	s.loops[name] = h
	go s.loop(ctx, h, task)
	s.log.Info("loop started", "loop", name, "interval", interval.String())
	return h, true
}

func (s *Supervisor) loop(ctx context.Context, h *Handle, task Task) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	s.runOnce(ctx, h, task)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("loop stopped", "loop", h.name)
			return
		case <-ticker.C:
			s.runOnce(ctx, h, task)
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, h *Handle, task Task) {
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			s.log.Error("loop run failed", "loop", h.name, "error", err)
		}
		h.record(s.clock().UTC(), err)
	}()
	err = task(ctx)
}

// Stop stops the named loop. It reports false when no loop was running.
func (s *Supervisor) Stop(name string) bool {
	s.mu.Lock()
	h, ok := s.loops[name]
	delete(s.loops, name)
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.Stop()
	return true
}

// StopAll stops every loop and waits for them to exit.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	loops := s.loops
	s.loops = map[string]*Handle{}
	s.mu.Unlock()
	for _, h := range loops {
		h.Stop()
	}
}

func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	h, ok := s.loops[name]
	s.mu.Unlock()
	return ok && h.Status().Running
}

// Status lists every known loop, sorted by name.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.loops))
	for _, h := range s.loops {
		out = append(out, h.Status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
