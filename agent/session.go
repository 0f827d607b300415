package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/execbridge/bridge"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// jobBuilder turns the first message on a connection into the job to run.
type jobBuilder func(msg inboundMessage) (bridge.Job, error)

// session owns one WebSocket connection and the single job started on it.
// Jobs are scoped to the connection: if the connection dies for any reason, the job is cancelled.
type session struct {
	id     string
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	runner            *bridge.Runner
	heartbeatInterval time.Duration

	handleMut sync.Mutex
	handle    *bridge.Handle

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func newSession(ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn, runner *bridge.Runner, heartbeatInterval time.Duration) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		id:                id,
		log:               log.With("SessionID", id),
		conn:              conn,
		ctx:               ctx,
		cancel:            cancel,
		runner:            runner,
		heartbeatInterval: heartbeatInterval,
	}
}

// run reads the start message, starts the job, and relays its events until it exits.
func (s *session) run(build jobBuilder) {
	defer s.shutdown()

	job, err := s.readFirstMessage(build)
	if err != nil {
		s.log.Debugf("error reading first message: %s", err)
		s.close(websocket.StatusPolicyViolation, fmt.Sprintf("reading first message: %s", err))
		return
	}

	handle, rx, err := s.runner.Start(s.ctx, job)
	if err != nil {
		s.log.Debugf("error starting job: %s", err)
		s.write(outboundMessage{Type: msgError, Msg: fmt.Sprintf("Failed to spawn command: %s", err)})
		s.close(websocket.StatusNormalClosure, "")
		return
	}
	s.handleMut.Lock()
	s.handle = handle
	s.handleMut.Unlock()
	s.log.Debugw("job started", "JobID", handle.ID())

	s.wg.Add(2)
	go s.readMessages()
	go s.heartbeat()

	term := s.runner.Relay(s.ctx, rx, s)
	s.log.Debugf("job finished: %s", term)
	s.close(websocket.StatusNormalClosure, "")
}

func (s *session) readFirstMessage(build jobBuilder) (bridge.Job, error) {
	var msg inboundMessage
	err := wsjson.Read(s.ctx, s.conn, &msg)
	if err != nil {
		return nil, err
	}
	s.log.Debugw("got first message", "Message", msg)
	return build(msg)
}

// OnEvent forwards one line or partial event to the client.
func (s *session) OnEvent(e bridge.Event) {
	s.write(eventMessage(e))
}

// OnTerminal forwards the job's exit to the client.
func (s *session) OnTerminal(code int, message string) {
	s.write(eventMessage(bridge.Exit(code, message)))
}

func (s *session) write(msg outboundMessage) {
	err := wsjson.Write(s.ctx, s.conn, msg)
	if err != nil {
		// the client is gone, so there's no one left to stream to
		s.log.Debugf("error writing %s message: %s", msg.Type, err)
		s.stop()
	}
}

// stop cancels the session's job, if any. It is safe to call any number of times.
func (s *session) stop() {
	s.handleMut.Lock()
	h := s.handle
	s.handleMut.Unlock()
	if h != nil {
		h.Cancel()
	}
}

func (s *session) readMessages() {
	defer s.wg.Done()
	for {
		var msg inboundMessage
		err := wsjson.Read(s.ctx, s.conn, &msg)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				s.log.Debug("connection closed, stopping job")
			} else {
				s.log.Debugf("message reader got error: %s", err)
			}
			s.stop()
			return
		}
		switch msg.Type {
		case msgStop:
			s.log.Debug("got stop request")
			s.stop()
		default:
			s.log.Debugf("ignoring unexpected %q message", msg.Type)
		}
	}
}

// heartbeat pings the client periodically and tears the session down when a ping goes unanswered.
func (s *session) heartbeat() {
	defer s.wg.Done()
	if s.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.heartbeatInterval)
		err := s.conn.Ping(ctx)
		cancel()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Debugf("heartbeat failed, closing session: %s", err)
			}
			s.stop()
			s.close(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

func (s *session) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	s.closeConnOnce.Do(func() {
		err := s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}

// shutdown cancels the job and the session's goroutines and waits for them, bounded by the runner's shutdown timeout.
func (s *session) shutdown() {
	s.handleMut.Lock()
	h := s.handle
	s.handleMut.Unlock()
	if h != nil {
		if err := h.Shutdown(context.Background()); err != nil {
			s.log.Warnf("job shutdown: %s", err)
		}
	}
	s.cancel()
	s.close(websocket.StatusNormalClosure, "")
	s.wg.Wait()
}
