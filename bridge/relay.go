package bridge

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Session is the owner of a job's event stream.
// OnEvent receives every line and partial event in arrival order. OnTerminal receives the job's single Exit;
// no further calls are made for the job after it.
type Session interface {
	OnEvent(e Event)
	OnTerminal(code int, message string)
}

// Relay drains rx into s until the job's Exit event, and returns that event.
//
// The receive side never blocks on the channel: an empty channel makes the relay back off (waking early when new
// events are queued) and try again. If the channel closes without an Exit, or ctx is done first, a terminal event
// with code -1 is synthesized and delivered so the session always finishes.
func (r *Runner) Relay(ctx context.Context, rx *Receiver, s Session) Event {
	log := r.log.Named("relay")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.pollMin
	b.MaxInterval = r.pollMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	timer := time.NewTimer(r.pollMax)
	defer timer.Stop()

	for {
		e, status := rx.TryRecv()
		switch status {
		case RecvOK:
			b.Reset()
			r.metrics.relayed(e)
			if e.Terminal() {
				s.OnTerminal(e.Code, e.Message)
				return e
			}
			s.OnEvent(e)
			continue
		case RecvClosed:
			log.Warn("event channel closed without an exit event")
			r.metrics.degenerateEOF()
			e = Exit(ExitInternal, MsgNoStatus)
			r.metrics.relayed(e)
			s.OnTerminal(e.Code, e.Message)
			return e
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop || wait > r.pollMax {
			wait = r.pollMax
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-rx.Ready():
		case <-timer.C:
		case <-ctx.Done():
			log.Debugf("relay context done: %s", ctx.Err())
			e = Exit(ExitInternal, ctx.Err().Error())
			r.metrics.relayed(e)
			s.OnTerminal(e.Code, e.Message)
			return e
		}
	}
}

// Collect relays rx into memory and returns everything received, ending with the Exit event.
func (r *Runner) Collect(ctx context.Context, rx *Receiver) []Event {
	c := &collector{}
	r.Relay(ctx, rx, c)
	return c.events
}

type collector struct {
	events []Event
}

func (c *collector) OnEvent(e Event) { c.events = append(c.events, e) }

func (c *collector) OnTerminal(code int, message string) {
	c.events = append(c.events, Exit(code, message))
}
