package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner starts jobs and relays their events. A Runner is safe for concurrent use and holds no per-job state.
type Runner struct {
	log     *zap.SugaredLogger
	metrics *Metrics

	env []string

	partialFlushDelay time.Duration
	maxPartialSize    int
	shutdownTimeout   time.Duration
	pipeGrace         time.Duration

	pollMin time.Duration
	pollMax time.Duration
}

type Option func(r *Runner)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithEnv adds "KEY=value" entries applied to every process job, beneath the job's own Env.
func WithEnv(env ...string) Option {
	return func(r *Runner) {
		r.env = append(r.env, env...)
	}
}

// WithPartialFlushDelay sets how long undelimited output may sit before it is emitted as a partial event.
// Zero disables time-based flushing.
func WithPartialFlushDelay(d time.Duration) Option {
	return func(r *Runner) {
		r.partialFlushDelay = d
	}
}

// WithMaxPartialSize sets how many undelimited bytes may accumulate before they are emitted as a partial event.
func WithMaxPartialSize(n int) Option {
	return func(r *Runner) {
		r.maxPartialSize = n
	}
}

// WithShutdownTimeout bounds how long Handle.Shutdown waits for a job's workers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = d
	}
}

// WithPipeGrace sets how long readers may keep draining output after a process exits or is killed
// before their pipes are closed under them.
func WithPipeGrace(d time.Duration) Option {
	return func(r *Runner) {
		r.pipeGrace = d
	}
}

// WithPollInterval sets the relay's backoff bounds while the event channel is empty.
func WithPollInterval(min, max time.Duration) Option {
	return func(r *Runner) {
		r.pollMin = min
		r.pollMax = max
	}
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		log:               zap.NewNop().Sugar(),
		partialFlushDelay: defaultPartialFlushDelay,
		maxPartialSize:    defaultMaxPartialSize,
		shutdownTimeout:   5 * time.Second,
		pipeGrace:         500 * time.Millisecond,
		pollMin:           time.Millisecond,
		pollMax:           50 * time.Millisecond,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start launches job on its own goroutines and returns its handle and the receiving end of its event channel.
// If the job cannot be started, the error is returned here and no channel is created.
//
// Cancelling ctx cancels the job, as if Handle.Cancel had been called.
func (r *Runner) Start(ctx context.Context, job Job) (*Handle, *Receiver, error) {
	if job == nil {
		return nil, nil, ErrNilJob
	}
	if err := job.validate(); err != nil {
		r.metrics.spawnFailed()
		return nil, nil, err
	}

	id := uuid.NewString()
	log := r.log.Named("job").With("JobID", id, "Kind", job.kind())
	h := newHandle(id, job.kind(), log, r.shutdownTimeout)
	sender, rx := NewChannel()

	var err error
	switch j := job.(type) {
	case InProcessCall:
		r.startCall(h, sender, j)
	case *InProcessCall:
		r.startCall(h, sender, *j)
	case ExternalProcess:
		err = r.startProcess(h, sender, j)
	case *ExternalProcess:
		err = r.startProcess(h, sender, *j)
	default:
		err = fmt.Errorf("unsupported job type %T", job)
	}
	if err != nil {
		sender.Close()
		r.metrics.spawnFailed()
		log.Debugf("job failed to start: %s", err)
		return nil, nil, err
	}
	r.metrics.jobStarted(job.kind())
	log.Debug("job started")

	stopWatch := context.AfterFunc(ctx, h.Cancel)
	go func() {
		<-h.done
		stopWatch()
		r.metrics.workersDone()
	}()

	return h, rx, nil
}

// exitCoder is implemented by errors that carry a process-style exit code, e.g. *exec.ExitError.
type exitCoder interface {
	ExitCode() int
}

func (r *Runner) startCall(h *Handle, sender *Sender, job InProcessCall) {
	ctx, cancel := context.WithCancel(context.Background())
	h.setKill(cancel)

	go func() {
		reported := false
		defer func() {
			p := recover()
			switch {
			case p != nil:
				h.log.Errorw("job panicked", "Panic", p)
				r.metrics.jobFinished(h.kind, h.complete(), ExitInternal)
				sender.Send(Exit(ExitInternal, fmt.Sprintf("panic: %v", p)))
			case !reported:
				// runtime.Goexit; the relay synthesizes the exit once the channel closes
				h.log.Warn("job goroutine exited without reporting status")
				r.metrics.jobFinished(h.kind, h.complete(), ExitInternal)
			}
			cancel()
			sender.Close()
			close(h.done)
		}()

		err := job.Fn(ctx, channelSink{s: sender})
		state := h.complete()
		ev := Exit(0, "")
		if err != nil {
			ev = Exit(ExitInternal, err.Error())
			var ec exitCoder
			if errors.As(err, &ec) && ec.ExitCode() != 0 {
				ev.Code = ec.ExitCode()
			}
		}
		h.log.Debugf("job returned: %s", ev)
		r.metrics.jobFinished(h.kind, state, ev.Code)
		sender.Send(ev)
		reported = true
	}()
}
