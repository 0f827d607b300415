package bridge

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNilJob       = errors.New("job is nil")
	ErrEmptyCommand = errors.New("command is empty")
)

// Sink receives incremental textual progress from an in-process job.
// Implementations passed to jobs by the Runner are safe for concurrent use and never block.
type Sink interface {
	NormalLine(text string)
	NormalPartial(text string)
	ErrorLine(text string)
	ErrorPartial(text string)
}

// Job describes blocking work to run. It is implemented by InProcessCall and ExternalProcess.
type Job interface {
	kind() string
	validate() error
}

// InProcessCall runs Fn on its own goroutine. Fn reports progress through out as it goes.
// A nil error becomes Exit{0}; a non-nil error becomes Exit{-1, err.Error()}, or Exit{code, err.Error()}
// if the error has an ExitCode() int method returning a nonzero code.
type InProcessCall struct {
	Name string
	Fn   func(ctx context.Context, out Sink) error
}

func (InProcessCall) kind() string { return "call" }

func (c InProcessCall) validate() error {
	if c.Fn == nil {
		return fmt.Errorf("call %q: %w", c.Name, ErrNilJob)
	}
	return nil
}

// ExternalProcess runs Command with Args. Env entries ("KEY=value") are merged over the ambient environment,
// and Dir overrides the working directory when set.
type ExternalProcess struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

func (ExternalProcess) kind() string { return "process" }

func (p ExternalProcess) validate() error {
	if p.Command == "" {
		return ErrEmptyCommand
	}
	return nil
}

// Shell builds a job that runs cmdline with "sh -c".
func Shell(cmdline string) ExternalProcess {
	return ExternalProcess{Command: "sh", Args: []string{"-c", cmdline}}
}

// SpawnError is returned by Runner.Start when a job could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type channelSink struct {
	s *Sender
}

func (c channelSink) NormalLine(text string)    { c.s.Send(NormalLine(text)) }
func (c channelSink) NormalPartial(text string) { c.s.Send(NormalPartial(text)) }
func (c channelSink) ErrorLine(text string)     { c.s.Send(ErrorLine(text)) }
func (c channelSink) ErrorPartial(text string)  { c.s.Send(ErrorPartial(text)) }
