package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a job.
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Handle is the running state of a job. It owns the job's goroutines and, for process jobs, the process.
// The only way to act on it from outside is Cancel (or Shutdown, which cancels and then waits).
type Handle struct {
	id   string
	kind string
	pid  int
	log  *zap.SugaredLogger

	shutdownTimeout time.Duration

	mu    sync.Mutex
	state State
	// stop is closed on cancellation; stream readers check it after every read.
	stop chan struct{}
	// kill forcibly ends the underlying work. It is called at most once, with mu held.
	kill func()

	done chan struct{}
}

func newHandle(id, kind string, log *zap.SugaredLogger, shutdownTimeout time.Duration) *Handle {
	return &Handle{
		id:              id,
		kind:            kind,
		log:             log,
		shutdownTimeout: shutdownTimeout,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (h *Handle) ID() string { return h.id }

// PID is the process ID of a process job, or 0 for an in-process call.
func (h *Handle) PID() int { return h.pid }

// Kind is "process" or "call".
func (h *Handle) Kind() string { return h.kind }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once every worker goroutine of the job has returned and, for process jobs, the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops the job: readers stop after their current read and the process group is killed.
// It does not wait. Cancelling a job that is already cancelled or completed does nothing.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning {
		return
	}
	h.state = StateCancelled
	close(h.stop)
	if h.kill != nil {
		h.kill()
	}
	h.log.Debug("job cancelled")
}

// Shutdown cancels the job and waits for its workers to return, for at most the runner's shutdown timeout or until ctx is done.
// A worker that refuses to stop is logged and abandoned.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.Cancel()
	timer := time.NewTimer(h.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		h.log.Warnw("job workers did not stop in time, abandoning them", "Timeout", h.shutdownTimeout)
		return fmt.Errorf("job %s: workers still running after %s", h.id, h.shutdownTimeout)
	case <-ctx.Done():
		h.log.Warnw("gave up waiting for job workers", "Error", ctx.Err())
		return ctx.Err()
	}
}

func (h *Handle) stopped() <-chan struct{} { return h.stop }

func (h *Handle) setKill(kill func()) {
	h.mu.Lock()
	h.kill = kill
	h.mu.Unlock()
}

// complete moves a running job to StateCompleted and reports the resulting state.
func (h *Handle) complete() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateRunning {
		h.state = StateCompleted
		h.kill = nil
	}
	return h.state
}
