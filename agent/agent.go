package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/guseggert/execbridge/bridge"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Version is the agent's build version, reported by /api/v1/version. It is set at link time.
var Version = "dev"

// logFormatterEnv forces the deterministic log formatter in commands run through /ws/exec.
const logFormatterEnv = "TEN_LOG_FORMATTER=default"

// Agent is an HTTP server that runs jobs on behalf of WebSocket clients and streams their output back.
type Agent struct {
	logger *zap.SugaredLogger

	listenAddr        string
	tlsConfig         *tls.Config
	installer         Installer
	heartbeatInterval time.Duration
	bindAttempts      uint
	bindRetryInterval time.Duration
	logPath           string
	runnerOpts        []bridge.Option

	registry *prometheus.Registry
	runner   *bridge.Runner

	httpServer *http.Server

	sessionsMut sync.Mutex
	sessions    map[string]*session
	stopped     bool
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLSConfig makes the agent serve HTTPS (and WSS) with the given config.
func WithTLSConfig(c *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = c
	}
}

// WithInstaller sets the installer used by the builtin-function endpoint.
func WithInstaller(i Installer) Option {
	return func(a *Agent) {
		a.installer = i
	}
}

// WithHeartbeatInterval sets how often sessions ping their clients. Zero disables pings.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatInterval = d
	}
}

// WithBindRetry sets how many times listening is attempted, and how long to wait between attempts.
func WithBindRetry(attempts uint, interval time.Duration) Option {
	return func(a *Agent) {
		a.bindAttempts = attempts
		a.bindRetryInterval = interval
	}
}

// WithLogPath sets the path reported by /api/v1/log-path.
func WithLogPath(p string) Option {
	return func(a *Agent) {
		a.logPath = p
	}
}

// WithRunnerOptions passes options through to the agent's job runner.
func WithRunnerOptions(opts ...bridge.Option) Option {
	return func(a *Agent) {
		a.runnerOpts = append(a.runnerOpts, opts...)
	}
}

// NewAgent constructs a new agent.
func NewAgent(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:            logger.Sugar(),
		listenAddr:        "127.0.0.1:49483",
		installer:         &CommandInstaller{Path: "tman"},
		heartbeatInterval: 10 * time.Second,
		bindAttempts:      3,
		bindRetryInterval: time.Second,
		registry:          prometheus.NewRegistry(),
		sessions:          map[string]*session{},
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.Named("agent")
	if ci, ok := a.installer.(*CommandInstaller); ok && ci.Log == nil {
		ci.Log = a.logger.Named("installer")
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	runnerOpts := append([]bridge.Option{
		bridge.WithLogger(a.logger.Named("runner")),
		bridge.WithMetrics(bridge.NewMetrics(a.registry)),
	}, a.runnerOpts...)
	a.runner = bridge.NewRunner(runnerOpts...)

	router := httprouter.New()
	router.GET("/ws/exec", a.execWS)
	router.GET("/ws/builtin-function", a.builtinFunctionWS)
	router.GET("/api/v1/version", a.version)
	router.GET("/api/v1/log-path", a.getLogPath)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	a.httpServer = &http.Server{Handler: router, TLSConfig: a.tlsConfig}
	return a, nil
}

// listen binds the listen address, retrying a bounded number of times.
func (a *Agent) listen(ctx context.Context) (net.Listener, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (net.Listener, error) {
		attempt++
		l, err := net.Listen("tcp", a.listenAddr)
		if err != nil {
			a.logger.Warnf("failed to bind to %s (attempt %d of %d): %s", a.listenAddr, attempt, a.bindAttempts, err)
			return nil, err
		}
		return l, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(a.bindRetryInterval)),
		backoff.WithMaxTries(a.bindAttempts),
	)
}

// Run runs the agent and returns once it has stopped.
// A failure to bind or serve is returned to the caller rather than ending the process.
func (a *Agent) Run() error {
	listener, err := a.listen(context.Background())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.listenAddr, err)
	}
	if a.tlsConfig != nil {
		listener = tls.NewListener(listener, a.tlsConfig)
	}
	a.logger.Infow("agent listening", "Addr", listener.Addr().String(), "TLS", a.tlsConfig != nil)

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the HTTP server and cancels every in-flight job.
func (a *Agent) Stop() error {
	a.sessionsMut.Lock()
	a.stopped = true
	sessions := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessionsMut.Unlock()

	for _, s := range sessions {
		s.stop()
		s.cancel()
	}
	return a.httpServer.Close()
}

func (a *Agent) serveSession(w http.ResponseWriter, r *http.Request, name string, build jobBuilder) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	s := newSession(r.Context(), a.logger.Named(name), wsConn, a.runner, a.heartbeatInterval)
	a.sessionsMut.Lock()
	if a.stopped {
		a.sessionsMut.Unlock()
		wsConn.Close(websocket.StatusGoingAway, "agent stopping")
		return
	}
	a.sessions[s.id] = s
	a.sessionsMut.Unlock()
	defer func() {
		a.sessionsMut.Lock()
		delete(a.sessions, s.id)
		a.sessionsMut.Unlock()
	}()

	s.log.Debug("accepted WebSocket conn")
	s.run(build)
}

// execWS runs a shell command line and streams its output.
func (a *Agent) execWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.serveSession(w, r, "exec_session", func(msg inboundMessage) (bridge.Job, error) {
		if msg.Type != msgRun {
			return nil, fmt.Errorf("expected %q message, got %q", msgRun, msg.Type)
		}
		if msg.Cmd == "" {
			return nil, errors.New("request contained no command")
		}
		job := bridge.Shell(msg.Cmd)
		job.Dir = msg.WorkingDirectory
		job.Env = []string{logFormatterEnv}
		return job, nil
	})
}

// builtinFunctionWS runs a package installation and streams its progress.
func (a *Agent) builtinFunctionWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.serveSession(w, r, "builtin_function_session", func(msg inboundMessage) (bridge.Job, error) {
		var req InstallRequest
		switch msg.Type {
		case msgInstall:
			if msg.PkgName == "" {
				return nil, errors.New("install request contained no package name")
			}
			req = InstallRequest{BaseDir: msg.BaseDir, PkgType: msg.PkgType, PkgName: msg.PkgName, PkgVersion: msg.PkgVersion}
		case msgInstallAll:
			req = InstallRequest{BaseDir: msg.BaseDir}
		default:
			return nil, fmt.Errorf("unknown builtin function %q", msg.Type)
		}
		return bridge.InProcessCall{
			Name: msg.Type,
			Fn: func(ctx context.Context, out bridge.Sink) error {
				return a.installer.Install(ctx, req, out)
			},
		}, nil
	})
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *Agent) version(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, struct {
		Version string `json:"version"`
	}{Version: Version})
}

func (a *Agent) getLogPath(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, struct {
		LogPath string `json:"log_path"`
	}{LogPath: a.logPath})
}
