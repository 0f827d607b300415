package bridge

import (
	"bytes"
	"io"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultPartialFlushDelay = 100 * time.Millisecond
	defaultMaxPartialSize    = 4096
)

// lineWriter splits a byte stream into line events.
// Undelimited trailing bytes are emitted as a partial event once they have sat for flushDelay without a newline,
// or immediately once they reach maxPartial bytes. Whatever is left when the writer is closed goes out as a final line.
type lineWriter struct {
	mu   sync.Mutex
	emit func(Event) bool

	lineKind    Kind
	partialKind Kind

	flushDelay time.Duration
	maxPartial int

	pending []byte
	timer   *time.Timer
	// gen is bumped on every write so that a flush timer armed by an earlier write does nothing.
	gen    uint64
	closed bool
}

func newLineWriter(emit func(Event) bool, stderr bool, flushDelay time.Duration, maxPartial int) *lineWriter {
	w := &lineWriter{
		emit:        emit,
		lineKind:    KindNormalLine,
		partialKind: KindNormalPartial,
		flushDelay:  flushDelay,
		maxPartial:  maxPartial,
	}
	if stderr {
		w.lineKind = KindErrorLine
		w.partialKind = KindErrorPartial
	}
	if w.maxPartial <= 0 {
		w.maxPartial = defaultMaxPartialSize
	}
	return w
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(Event{Kind: w.lineKind, Text: string(bytes.TrimSuffix(w.pending[:i], []byte{'\r'}))})
		w.pending = w.pending[i+1:]
	}

	if len(w.pending) >= w.maxPartial {
		// a multi-byte character split across reads stays pending until it is complete
		if n := completeUTF8(w.pending); n > 0 {
			w.emit(Event{Kind: w.partialKind, Text: string(w.pending[:n])})
			w.pending = w.pending[n:]
		}
	}

	switch {
	case len(w.pending) == 0:
		w.pending = nil
	case w.flushDelay > 0:
		w.pending = append([]byte(nil), w.pending...)
		gen := w.gen
		w.timer = time.AfterFunc(w.flushDelay, func() { w.flushPartial(gen) })
	default:
		w.pending = append([]byte(nil), w.pending...)
	}
	return len(p), nil
}

func (w *lineWriter) flushPartial(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || gen != w.gen || len(w.pending) == 0 {
		return
	}
	w.timer = nil
	w.emitPartial()
}

func (w *lineWriter) emitPartial() {
	w.emit(Event{Kind: w.partialKind, Text: string(w.pending)})
	w.pending = nil
}

// completeUTF8 returns the length of the longest prefix of b that does not end in a truncated UTF-8 sequence.
// Invalid bytes count as complete.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// Close emits any buffered bytes as a final line. Writes after Close fail.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.pending) > 0 {
		w.emit(Event{Kind: w.lineKind, Text: string(w.pending)})
		w.pending = nil
	}
	return nil
}

// SinkWriter returns a writer that splits what is written to it into lines and reports them to out,
// as error lines if stderr is true. Close flushes any trailing undelimited bytes as a final line.
// Fragments are only flushed as partials when they exceed the default maximum size.
func SinkWriter(out Sink, stderr bool) io.WriteCloser {
	return newLineWriter(func(e Event) bool {
		sinkEvent(out, e)
		return true
	}, stderr, 0, defaultMaxPartialSize)
}

func sinkEvent(out Sink, e Event) {
	switch e.Kind {
	case KindNormalLine:
		out.NormalLine(e.Text)
	case KindNormalPartial:
		out.NormalPartial(e.Text)
	case KindErrorLine:
		out.ErrorLine(e.Text)
	case KindErrorPartial:
		out.ErrorPartial(e.Text)
	}
}
