package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayDispatchesInArrivalOrder(t *testing.T) {
	tx, rx := NewChannel()
	go func() {
		defer tx.Close()
		tx.Send(NormalLine("L1"))
		time.Sleep(10 * time.Millisecond)
		tx.Send(NormalPartial("L2 "))
		tx.Send(ErrorLine("L3"))
		time.Sleep(10 * time.Millisecond)
		tx.Send(Exit(0, ""))
		tx.Send(NormalLine("dropped"))
	}()

	rec := &recorder{}
	term := newTestRunner().Relay(context.Background(), rx, rec)

	assert.Equal(t, Exit(0, ""), term)
	assert.Equal(t, []Event{NormalLine("L1"), NormalPartial("L2 "), ErrorLine("L3"), Exit(0, "")}, rec.events)
	assert.Equal(t, 1, rec.terminals)
}

func TestRelayDegenerateClosure(t *testing.T) {
	tx, rx := NewChannel()
	worker := tx.Clone()
	tx.Close()

	go func() {
		worker.Send(NormalLine("before fault"))
		// simulate a worker dying before it reports a status
		worker.Close()
	}()

	rec := &recorder{}
	done := make(chan Event, 1)
	go func() { done <- newTestRunner().Relay(context.Background(), rx, rec) }()

	select {
	case term := <-done:
		assert.Equal(t, ExitInternal, term.Code)
		assert.Equal(t, MsgNoStatus, term.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not reach a terminal state")
	}
	assert.Equal(t, []Event{NormalLine("before fault"), Exit(ExitInternal, MsgNoStatus)}, rec.events)
}

func TestRelayContextDone(t *testing.T) {
	tx, rx := NewChannel()
	defer tx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rec := &recorder{}
	term := newTestRunner().Relay(ctx, rx, rec)
	require.True(t, term.Terminal())
	assert.Equal(t, ExitInternal, term.Code)
	assert.Equal(t, 1, rec.terminals)
}

func TestRelayBacksOffWhileIdle(t *testing.T) {
	tx, rx := NewChannel()
	r := newTestRunner(WithPollInterval(time.Millisecond, 20*time.Millisecond))

	time.AfterFunc(100*time.Millisecond, func() {
		tx.Send(Exit(0, ""))
		tx.Close()
	})

	start := time.Now()
	term := r.Relay(context.Background(), rx, &recorder{})
	assert.Equal(t, Exit(0, ""), term)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
