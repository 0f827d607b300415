package bridge

import "fmt"

// Kind identifies the variant of an Event.
type Kind int

const (
	KindNormalLine Kind = iota
	KindNormalPartial
	KindErrorLine
	KindErrorPartial
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindNormalLine:
		return "normal_line"
	case KindNormalPartial:
		return "normal_partial"
	case KindErrorLine:
		return "error_line"
	case KindErrorPartial:
		return "error_partial"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a progress or result notification emitted by a running job.
// Text is set for line and partial events. Code and Message are only meaningful for KindExit;
// an empty Message means no cause was reported.
type Event struct {
	Kind    Kind
	Text    string
	Code    int
	Message string
}

// ExitInternal is the exit code used when a job failed internally, was killed, or its status could not be determined.
const ExitInternal = -1

// MsgNoStatus is the message of the Exit synthesized when a job's producers all went away without reporting a status.
const MsgNoStatus = "worker terminated without reporting status"

func NormalLine(text string) Event    { return Event{Kind: KindNormalLine, Text: text} }
func NormalPartial(text string) Event { return Event{Kind: KindNormalPartial, Text: text} }
func ErrorLine(text string) Event     { return Event{Kind: KindErrorLine, Text: text} }
func ErrorPartial(text string) Event  { return Event{Kind: KindErrorPartial, Text: text} }

// Exit builds a terminal event. Code 0 means success.
func Exit(code int, message string) Event {
	return Event{Kind: KindExit, Code: code, Message: message}
}

// Terminal reports whether the event ends the job's event stream.
func (e Event) Terminal() bool { return e.Kind == KindExit }

// Success reports whether the event is an Exit with code 0.
func (e Event) Success() bool { return e.Kind == KindExit && e.Code == 0 }

// Stderr reports whether the event carries standard error output.
func (e Event) Stderr() bool { return e.Kind == KindErrorLine || e.Kind == KindErrorPartial }

func (e Event) String() string {
	if e.Kind == KindExit {
		if e.Message == "" {
			return fmt.Sprintf("exit(%d)", e.Code)
		}
		return fmt.Sprintf("exit(%d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
}
