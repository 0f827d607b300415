package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func newTestRunner(opts ...Option) *Runner {
	return NewRunner(append([]Option{WithLogger(log)}, opts...)...)
}

// recorder is a Session that records everything relayed to it.
type recorder struct {
	mu        sync.Mutex
	events    []Event
	terminals int
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminals > 0 {
		panic(fmt.Sprintf("event %s after terminal", e))
	}
	r.events = append(r.events, e)
}

func (r *recorder) OnTerminal(code int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals++
	r.events = append(r.events, Exit(code, message))
}

func run(t *testing.T, r *Runner, job Job) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, rx, err := r.Start(ctx, job)
	require.NoError(t, err)

	rec := &recorder{}
	term := r.Relay(ctx, rx, rec)
	require.True(t, term.Terminal())
	require.Equal(t, 1, rec.terminals)

	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatal("job workers did not finish")
	}
	return rec.events
}

func TestProcessStdoutLine(t *testing.T) {
	events := run(t, newTestRunner(), Shell(`printf 'hello\n'`))
	assert.Equal(t, []Event{NormalLine("hello"), Exit(0, "")}, events)
}

func TestProcessStderrAndExitCode(t *testing.T) {
	events := run(t, newTestRunner(), Shell(`printf 'boom\n' 1>&2; exit 2`))
	assert.Equal(t, []Event{ErrorLine("boom"), Exit(2, "")}, events)
}

func TestProcessIntraStreamOrder(t *testing.T) {
	events := run(t, newTestRunner(), Shell(`for i in $(seq 1 200); do echo "out $i"; echo "err $i" 1>&2; done`))

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, Exit(0, ""), last)

	var out, errs []string
	for _, e := range events[:len(events)-1] {
		switch e.Kind {
		case KindNormalLine:
			out = append(out, e.Text)
		case KindErrorLine:
			errs = append(errs, e.Text)
		default:
			t.Fatalf("unexpected event %s", e)
		}
	}
	require.Len(t, out, 200)
	require.Len(t, errs, 200)
	for i := 0; i < 200; i++ {
		assert.Equal(t, fmt.Sprintf("out %d", i+1), out[i])
		assert.Equal(t, fmt.Sprintf("err %d", i+1), errs[i])
	}
}

func TestProcessTrailingOutputWithoutNewline(t *testing.T) {
	events := run(t, newTestRunner(WithPartialFlushDelay(0)), Shell(`printf 'done'`))
	assert.Equal(t, []Event{NormalLine("done"), Exit(0, "")}, events)
}

func TestProcessPartialOutput(t *testing.T) {
	events := run(t, newTestRunner(WithPartialFlushDelay(10*time.Millisecond)), Shell(`printf 'Continue? '; sleep 0.3; printf 'yes\n'`))
	assert.Equal(t, []Event{NormalPartial("Continue? "), NormalLine("yes"), Exit(0, "")}, events)
}

func TestProcessExitNotHeldByBackgroundChild(t *testing.T) {
	// the backgrounded sleep inherits stdout and keeps it open after sh exits
	start := time.Now()
	events := run(t, newTestRunner(WithPipeGrace(100*time.Millisecond)), Shell(`sleep 5 & echo hi`))
	assert.Equal(t, []Event{NormalLine("hi"), Exit(0, "")}, events)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProcessEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	job := ExternalProcess{
		Command: "sh",
		Args:    []string{"-c", `echo "$TEN_LOG_FORMATTER $EXTRA"; pwd`},
		Env:     []string{"TEN_LOG_FORMATTER=default"},
		Dir:     dir,
	}
	events := run(t, newTestRunner(WithEnv("EXTRA=runner")), job)

	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, NormalLine("default runner"), events[0])
	assert.Contains(t, []string{dir, realDir}, events[1].Text)
	assert.Equal(t, Exit(0, ""), events[2])
}

func TestProcessSpawnFailure(t *testing.T) {
	r := newTestRunner()

	_, _, err := r.Start(context.Background(), ExternalProcess{Command: "/definitely/not/a/binary"})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/definitely/not/a/binary", spawnErr.Command)

	_, _, err = r.Start(context.Background(), Shell("true").withDir(t, "/definitely/not/a/dir"))
	require.ErrorAs(t, err, &spawnErr)

	_, _, err = r.Start(context.Background(), ExternalProcess{})
	require.ErrorIs(t, err, ErrEmptyCommand)

	_, _, err = r.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilJob)
}

func (p ExternalProcess) withDir(t *testing.T, dir string) ExternalProcess {
	t.Helper()
	p.Dir = dir
	return p
}

func TestProcessCancel(t *testing.T) {
	r := newTestRunner()
	ctx := context.Background()

	h, rx, err := r.Start(ctx, Shell(`echo started; exec sleep 60`))
	require.NoError(t, err)
	require.NotZero(t, h.PID())

	time.AfterFunc(50*time.Millisecond, h.Cancel)

	relayCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rec := &recorder{}
	start := time.Now()
	term := r.Relay(relayCtx, rx, rec)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NotEqual(t, 0, term.Code)
	assert.NotEqual(t, MsgNoStatus, term.Message)
	assert.Equal(t, StateCancelled, h.State())
	assert.Equal(t, 1, rec.terminals)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process was not reaped")
	}
	assertProcessGone(t, h.PID())

	// idempotent, and no second terminal event
	h.Cancel()
	h.Cancel()
	_, status := rx.TryRecv()
	assert.Equal(t, RecvClosed, status)
	assert.Equal(t, 1, rec.terminals)
}

func TestProcessCancelAfterCompletion(t *testing.T) {
	r := newTestRunner()
	h, rx, err := r.Start(context.Background(), Shell("echo hi"))
	require.NoError(t, err)

	events := r.Collect(context.Background(), rx)
	require.Equal(t, []Event{NormalLine("hi"), Exit(0, "")}, events)
	<-h.Done()

	h.Cancel()
	h.Cancel()
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Equal(t, StateCompleted, h.State())

	_, status := rx.TryRecv()
	assert.Equal(t, RecvClosed, status)
}

func TestProcessContextCancelKillsJob(t *testing.T) {
	r := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())

	h, rx, err := r.Start(ctx, Shell("exec sleep 60"))
	require.NoError(t, err)
	cancel()

	relayCtx, relayCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer relayCancel()
	term := r.Relay(relayCtx, rx, &recorder{})
	assert.Equal(t, ExitInternal, term.Code)
	assert.Equal(t, StateCancelled, h.State())
}

func TestShutdownWaitsForProcess(t *testing.T) {
	r := newTestRunner(WithShutdownTimeout(2 * time.Second))
	h, rx, err := r.Start(context.Background(), Shell("exec sleep 60"))
	require.NoError(t, err)

	require.NoError(t, h.Shutdown(context.Background()))
	events := r.Collect(context.Background(), rx)
	require.Len(t, events, 1)
	assert.True(t, events[0].Terminal())
	assert.NotEqual(t, 0, events[0].Code)
}

func TestCallProgressThenSuccess(t *testing.T) {
	job := InProcessCall{
		Name: "install",
		Fn: func(ctx context.Context, out Sink) error {
			out.NormalLine("resolving dependencies")
			out.NormalLine("installed 2 packages")
			return nil
		},
	}
	events := run(t, newTestRunner(), job)
	assert.Equal(t, []Event{
		NormalLine("resolving dependencies"),
		NormalLine("installed 2 packages"),
		Exit(0, ""),
	}, events)
}

func TestCallFailureCarriesCause(t *testing.T) {
	job := InProcessCall{
		Name: "install",
		Fn: func(ctx context.Context, out Sink) error {
			out.ErrorPartial("fetch")
			out.ErrorLine("ing failed")
			return errors.New("package not found: foo@1.0.0")
		},
	}
	events := run(t, newTestRunner(), job)
	assert.Equal(t, []Event{
		ErrorPartial("fetch"),
		ErrorLine("ing failed"),
		Exit(ExitInternal, "package not found: foo@1.0.0"),
	}, events)
}

type codedErr struct{ code int }

func (e codedErr) Error() string { return fmt.Sprintf("exited with %d", e.code) }
func (e codedErr) ExitCode() int { return e.code }

func TestCallFailureWithExitCode(t *testing.T) {
	job := &InProcessCall{
		Fn: func(ctx context.Context, out Sink) error {
			return fmt.Errorf("installer: %w", codedErr{code: 3})
		},
	}
	events := run(t, newTestRunner(), job)
	assert.Equal(t, []Event{Exit(3, "installer: exited with 3")}, events)
}

func TestCallPanicBecomesExit(t *testing.T) {
	job := InProcessCall{
		Fn: func(ctx context.Context, out Sink) error {
			out.NormalLine("about to fail")
			panic("corrupt manifest")
		},
	}
	events := run(t, newTestRunner(), job)
	assert.Equal(t, []Event{NormalLine("about to fail"), Exit(ExitInternal, "panic: corrupt manifest")}, events)
}

func TestCallWithoutStatusSynthesizesExit(t *testing.T) {
	job := InProcessCall{
		Fn: func(ctx context.Context, out Sink) error {
			out.NormalLine("partway")
			runtime.Goexit()
			return nil
		},
	}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	events := run(t, newTestRunner(WithMetrics(m)), job)
	assert.Equal(t, []Event{NormalLine("partway"), Exit(ExitInternal, MsgNoStatus)}, events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("call", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegenerateEOFs))
}

func TestCallCancel(t *testing.T) {
	started := make(chan struct{})
	job := InProcessCall{
		Fn: func(ctx context.Context, out Sink) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	r := newTestRunner()
	h, rx, err := r.Start(context.Background(), job)
	require.NoError(t, err)
	<-started
	h.Cancel()

	events := r.Collect(context.Background(), rx)
	assert.Equal(t, []Event{Exit(ExitInternal, context.Canceled.Error())}, events)
	assert.Equal(t, StateCancelled, h.State())
}

func TestShutdownTimesOutOnStuckCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	job := InProcessCall{
		Fn: func(ctx context.Context, out Sink) error {
			<-release
			return nil
		},
	}
	r := newTestRunner(WithShutdownTimeout(50 * time.Millisecond))
	h, _, err := r.Start(context.Background(), job)
	require.NoError(t, err)

	start := time.Now()
	err = h.Shutdown(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExactlyOneTerminalAcrossJobs(t *testing.T) {
	jobs := []Job{
		Shell("echo a; echo b 1>&2"),
		Shell("exit 7"),
		InProcessCall{Fn: func(ctx context.Context, out Sink) error { return nil }},
		InProcessCall{Fn: func(ctx context.Context, out Sink) error { return errors.New("x") }},
	}
	r := newTestRunner()
	for _, job := range jobs {
		events := run(t, r, job)
		terminals := 0
		for i, e := range events {
			if e.Terminal() {
				terminals++
				assert.Equal(t, len(events)-1, i)
			}
		}
		assert.Equal(t, 1, terminals)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := newTestRunner(WithMetrics(m))

	run(t, r, Shell("echo hi"))
	run(t, r, Shell("exit 1"))
	_, _, err := r.Start(context.Background(), ExternalProcess{Command: "/definitely/not/a/binary"})
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsStarted.WithLabelValues("process")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("process", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("process", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpawnFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsRelayed.WithLabelValues("normal_line")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.JobsRunning) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, `normal_line("hi")`, NormalLine("hi").String())
	assert.Equal(t, "exit(0)", Exit(0, "").String())
	assert.Equal(t, "exit(-1): a:b:c", Exit(-1, "a:b:c").String())
	assert.True(t, strings.HasPrefix(Kind(42).String(), "kind("))
}
