package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/execbridge/bridge"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to an agent: plain HTTP endpoints go through a retrying client, job streams through WebSockets.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsURL                    string
	transport                *http.Transport
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.transport.TLSClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent at baseURL, e.g. "http://127.0.0.1:49483".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	var wsURL string
	switch {
	case strings.HasPrefix(baseURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	case strings.HasPrefix(baseURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	default:
		return nil, fmt.Errorf("unsupported agent URL %q", baseURL)
	}

	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      baseURL,
		wsURL:        wsURL,
		transport:    &http.Transport{},
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: c.transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("non-200 HTTP status code %d received from %s: %s", resp.StatusCode, path, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Version returns the agent's build version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/api/v1/version", &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// LogPath returns the agent's log file path, which is empty if it logs to a terminal.
func (c *Client) LogPath(ctx context.Context) (string, error) {
	var resp struct {
		LogPath string `json:"log_path"`
	}
	if err := c.getJSON(ctx, "/api/v1/log-path", &resp); err != nil {
		return "", err
	}
	return resp.LogPath, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, err := c.Version(reqCtx)
			cancel()
			if err == nil {
				c.Logger.Debug("version check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got version check error: %s", err)
		}
	}
}

// RunCommandRequest asks the agent to run Cmd with "sh -c".
type RunCommandRequest struct {
	Cmd              string
	WorkingDirectory string
}

// RunCommand starts cmd on the agent. onEvent is called, in order and from a single goroutine, with every line and partial event.
func (c *Client) RunCommand(ctx context.Context, req RunCommandRequest, onEvent func(bridge.Event)) (*Stream, error) {
	return c.startStream(ctx, "/ws/exec", inboundMessage{
		Type:             msgRun,
		Cmd:              req.Cmd,
		WorkingDirectory: req.WorkingDirectory,
	}, onEvent)
}

// Install installs one package. If req.PkgName is empty, every dependency of the manifest in req.BaseDir is installed.
func (c *Client) Install(ctx context.Context, req InstallRequest, onEvent func(bridge.Event)) (*Stream, error) {
	msg := inboundMessage{Type: msgInstallAll, BaseDir: req.BaseDir}
	if req.PkgName != "" {
		msg = inboundMessage{
			Type:       msgInstall,
			BaseDir:    req.BaseDir,
			PkgType:    req.PkgType,
			PkgName:    req.PkgName,
			PkgVersion: req.PkgVersion,
		}
	}
	return c.startStream(ctx, "/ws/builtin-function", msg, onEvent)
}

func (c *Client) startStream(ctx context.Context, path string, first inboundMessage, onEvent func(bridge.Event)) (*Stream, error) {
	u := c.wsURL + path
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	// the handshake must not go through the retrying client, which doesn't hand back a writable body
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      &http.Client{Transport: c.transport},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to %s: %w", path, err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		conn:     wsConn,
		log:      c.Logger.Named("stream"),
		ctx:      ctx,
		cancel:   cancel,
		onEvent:  onEvent,
		resultCh: make(chan streamResult, 1),
	}
	if s.onEvent == nil {
		s.onEvent = func(bridge.Event) {}
	}

	if err := wsjson.Write(ctx, wsConn, first); err != nil {
		s.close(websocket.StatusInternalError, err.Error())
		cancel()
		return nil, fmt.Errorf("writing first message: %w", err)
	}

	s.wg.Add(1)
	go s.readMessages()
	return s, nil
}

type streamResult struct {
	exit bridge.Event
	err  error
}

// Stream is a job running on an agent.
type Stream struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	onEvent  func(bridge.Event)
	resultCh chan streamResult

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

// Wait blocks until the job exits and returns its Exit event.
// An error means the stream ended without an exit, e.g. because the job could not be started (*RemoteError) or the connection dropped.
func (s *Stream) Wait(ctx context.Context) (bridge.Event, error) {
	select {
	case res := <-s.resultCh:
		s.log.Debugf("got result %s with err: %v", res.exit, res.err)
		return res.exit, res.err
	case <-ctx.Done():
		return bridge.Event{}, ctx.Err()
	case <-s.ctx.Done():
		return bridge.Event{}, s.ctx.Err()
	}
}

// Stop asks the agent to cancel the job. The job's exit is still delivered through Wait.
func (s *Stream) Stop(ctx context.Context) error {
	return wsjson.Write(ctx, s.conn, inboundMessage{Type: msgStop})
}

// Close abandons the stream. Closing the connection makes the agent cancel the job.
func (s *Stream) Close() {
	s.close(websocket.StatusNormalClosure, "")
	s.cancel()
	s.wg.Wait()
}

func (s *Stream) close(code websocket.StatusCode, reason string) {
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

func (s *Stream) readMessages() {
	defer s.wg.Done()
	for {
		var msg outboundMessage
		err := wsjson.Read(s.ctx, s.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			s.resultCh <- streamResult{exit: bridge.Exit(bridge.ExitInternal, ""), err: fmt.Errorf("conn unexpectedly closed: %w", err)}
			return
		}
		if err != nil {
			s.log.Debugf("message reader got error: %s", err)
			s.resultCh <- streamResult{err: err}
			s.close(websocket.StatusInternalError, err.Error())
			return
		}
		if msg.Type == msgError {
			s.resultCh <- streamResult{err: &RemoteError{Msg: msg.Msg}}
			s.close(websocket.StatusNormalClosure, "")
			return
		}
		e, err := msg.event()
		if err != nil {
			s.log.Debugf("ignoring message: %s", err)
			continue
		}
		if e.Terminal() {
			s.resultCh <- streamResult{exit: e}
			s.close(websocket.StatusNormalClosure, "")
			return
		}
		s.onEvent(e)
	}
}
