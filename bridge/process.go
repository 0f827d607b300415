package bridge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

const readBufSize = 32 * 1024

func (r *Runner) startProcess(h *Handle, sender *Sender, job ExternalProcess) error {
	cmd := exec.Command(job.Command, job.Args...)
	cmd.Dir = job.Dir
	if len(r.env) > 0 || len(job.Env) > 0 {
		env := append(os.Environ(), r.env...)
		cmd.Env = append(env, job.Env...)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Command: job.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SpawnError{Command: job.Command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &SpawnError{Command: job.Command, Err: err}
	}
	h.pid = cmd.Process.Pid
	h.log.Debugw("process started", "PID", cmd.Process.Pid, "Command", job.Command, "Args", job.Args, "Dir", job.Dir)

	// Readers get a little time to drain what the killed process already wrote; then their pipes are closed so a
	// stray grandchild holding the write end cannot keep them blocked.
	closePipes := func() {
		stdout.Close()
		stderr.Close()
	}
	h.setKill(func() {
		if err := killProcessGroup(cmd.Process); err != nil {
			h.log.Debugf("killing process: %s", err)
		}
		time.AfterFunc(r.pipeGrace, closePipes)
	})

	outSender := sender.Clone()
	errSender := sender.Clone()
	outLines := newLineWriter(outSender.Send, false, r.partialFlushDelay, r.maxPartialSize)
	errLines := newLineWriter(errSender.Send, true, r.partialFlushDelay, r.maxPartialSize)

	var readers errgroup.Group
	readers.Go(func() error {
		defer outSender.Close()
		defer outLines.Close()
		return h.pump(stdout, outLines, "stdout")
	})
	readers.Go(func() error {
		defer errSender.Close()
		defer errLines.Close()
		return h.pump(stderr, errLines, "stderr")
	})

	readersDone := make(chan error, 1)
	go func() { readersDone <- readers.Wait() }()

	go func() {
		defer close(h.done)
		defer sender.Close()
		defer closePipes()

		// A backgrounded grandchild can hold the write ends open long after the process is gone, so the exit is
		// tied to the process itself and the readers only get pipeGrace to drain what is left.
		state, err := cmd.Process.Wait()
		if err != nil {
			h.log.Debugf("unexpected wait error: %s", err)
		}
		var readErr error
		select {
		case readErr = <-readersDone:
		case <-time.After(r.pipeGrace):
			h.log.Debug("output pipes still open after process exit, closing them")
			closePipes()
			readErr = <-readersDone
		}
		if readErr != nil {
			h.log.Debugf("output reader failed: %s", readErr)
		}

		code := ExitInternal
		if state != nil {
			code = state.ExitCode()
		}
		st := h.complete()
		h.log.Debugw("process exited", "Code", code, "State", st)
		r.metrics.jobFinished(h.kind, st, code)
		sender.Send(Exit(code, ""))
	}()
	return nil
}

// pump copies one output stream into w until EOF, a read error, or cancellation.
// Only unexpected read errors are returned; the watcher's exit event is what reports the outcome.
func (h *Handle) pump(src io.Reader, w io.Writer, stream string) error {
	buf := make([]byte, readBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil
			}
		}
		select {
		case <-h.stopped():
			h.log.Debugf("%s reader stopping", stream)
			return nil
		default:
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", stream, err)
		}
	}
}
