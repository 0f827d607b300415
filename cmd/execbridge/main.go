package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/execbridge/agent"
	"github.com/guseggert/execbridge/bridge"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const defaultAgentURL = "http://127.0.0.1:49483"

func main() {
	app := &cli.App{
		Name:  "execbridge",
		Usage: "run commands and package installs on an agent and stream their output",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "One of [console,json].",
				Value: "console",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Write logs to this file instead of stderr.",
			},
		},
		Before: func(c *cli.Context) error {
			logger, err := newLogger(logConfig{
				Level:      c.String("log-level"),
				Encoding:   c.String("log-format"),
				OutputPath: c.String("log-file"),
			})
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]interface{}{"logger": logger}
			return nil
		},
		After: func(c *cli.Context) error {
			if l := loggerFrom(c); l != nil {
				_ = l.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			installCommand(),
			installAllCommand(),
			genCertsCommand(),
			versionCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loggerFrom(c *cli.Context) *zap.Logger {
	l, _ := c.App.Metadata["logger"].(*zap.Logger)
	return l
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:49483",
			},
			&cli.StringFlag{
				Name:  "installer",
				Usage: "The package manager executable run by install requests.",
				Value: "tman",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-interval",
				Usage: "How often to ping clients. 0 disables pings.",
				Value: 10 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "How long to wait for a cancelled job's workers to finish.",
				Value: 5 * time.Second,
			},
			&cli.StringFlag{
				Name:  "tls-ca-cert",
				Usage: "CA cert PEM file. Clients must present a cert signed by it.",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "Server cert PEM file. Enables TLS.",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "Server key PEM file.",
			},
		},
		Action: func(c *cli.Context) error {
			logger := loggerFrom(c)

			cfg, err := agent.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			// flags override the file
			if c.IsSet("listen-addr") || cfg.ListenAddr == "" {
				cfg.ListenAddr = c.String("listen-addr")
			}
			if c.IsSet("installer") || cfg.Installer == "" {
				cfg.Installer = c.String("installer")
			}
			if c.IsSet("heartbeat-interval") || cfg.HeartbeatInterval == "" {
				cfg.HeartbeatInterval = c.Duration("heartbeat-interval").String()
			}
			if c.IsSet("shutdown-timeout") || cfg.ShutdownTimeout == "" {
				cfg.ShutdownTimeout = c.Duration("shutdown-timeout").String()
			}
			if c.IsSet("tls-cert") {
				cfg.TLS = agent.TLSFiles{
					CACert: c.String("tls-ca-cert"),
					Cert:   c.String("tls-cert"),
					Key:    c.String("tls-key"),
				}
			}

			opts := []agent.Option{
				agent.WithLogger(logger),
				agent.WithLogPath(c.String("log-file")),
			}
			cfgOpts, err := cfg.Options()
			if err != nil {
				return err
			}
			opts = append(opts, cfgOpts...)

			a, err := agent.NewAgent(opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				logger.Info("shutting down")
				if err := a.Stop(); err != nil {
					logger.Error("stopping agent", zap.Error(err))
				}
			}()

			return a.Run()
		},
	}
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "agent-url",
			Usage:   "The agent's base URL.",
			Value:   defaultAgentURL,
			EnvVars: []string{"EXECBRIDGE_AGENT_URL"},
		},
		&cli.StringFlag{
			Name:  "tls-ca-cert",
			Usage: "CA cert PEM file used to verify the agent.",
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "Client cert PEM file, for agents that require client certs.",
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "Client key PEM file.",
		},
	}
}

func newClient(c *cli.Context) (*agent.Client, error) {
	var opts []agent.ClientOption
	if ca := c.String("tls-ca-cert"); ca != "" {
		tlsConfig, err := agent.LoadClientTLSConfig(ca, c.String("tls-cert"), c.String("tls-key"))
		if err != nil {
			return nil, fmt.Errorf("loading TLS config: %w", err)
		}
		opts = append(opts, agent.WithClientTLSConfig(tlsConfig))
	}
	return agent.NewClient(loggerFrom(c).Sugar(), c.String("agent-url"), opts...)
}

// printEvent writes job output to the terminal, stdout lines to stdout and stderr lines to stderr.
func printEvent(e bridge.Event) {
	out := os.Stdout
	if e.Stderr() {
		out = os.Stderr
	}
	switch e.Kind {
	case bridge.KindNormalLine, bridge.KindErrorLine:
		fmt.Fprintln(out, e.Text)
	case bridge.KindNormalPartial, bridge.KindErrorPartial:
		fmt.Fprint(out, e.Text)
	}
}

// stream relays a job's output to the terminal, stops the job on interrupt, and turns a failed exit into a process exit code.
func stream(c *cli.Context, start func(ctx context.Context) (*agent.Stream, error)) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	s, err := start(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		if ctx.Err() != nil {
			return
		}
		if err := s.Stop(ctx); err != nil {
			loggerFrom(c).Debug("sending stop", zap.Error(err))
		}
	}()

	exit, err := s.Wait(ctx)
	if err != nil {
		var remoteErr *agent.RemoteError
		if errors.As(err, &remoteErr) {
			return cli.Exit(remoteErr.Msg, 1)
		}
		return err
	}
	if exit.Success() {
		return nil
	}
	code := exit.Code
	if code <= 0 {
		code = 1
	}
	return cli.Exit(exit.Message, code)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a shell command line on the agent",
		ArgsUsage: "<command line>",
		Flags: append(clientFlags(),
			&cli.StringFlag{
				Name:  "cwd",
				Usage: "Working directory for the command, on the agent.",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("no command given")
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			req := agent.RunCommandRequest{
				Cmd:              strings.Join(c.Args().Slice(), " "),
				WorkingDirectory: c.String("cwd"),
			}
			return stream(c, func(ctx context.Context) (*agent.Stream, error) {
				return client.RunCommand(ctx, req, printEvent)
			})
		},
	}
}

func baseDirFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "base-dir",
			Usage: "The app directory to install into, on the agent. Defaults to base_dir from --config.",
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a TOML config file.",
		},
	}
}

func baseDir(c *cli.Context) (string, error) {
	if d := c.String("base-dir"); d != "" {
		return d, nil
	}
	cfg, err := agent.LoadConfig(c.String("config"))
	if err != nil {
		return "", err
	}
	if cfg.BaseDir == "" {
		return "", errors.New("no base dir given")
	}
	return cfg.BaseDir, nil
}

func installCommand() *cli.Command {
	return &cli.Command{
		Name:      "install",
		Usage:     "install a package on the agent",
		ArgsUsage: "<type> <name[@version]>",
		Flags:     append(clientFlags(), baseDirFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("expected a package type and name")
			}
			dir, err := baseDir(c)
			if err != nil {
				return err
			}
			name, version, _ := strings.Cut(c.Args().Get(1), "@")
			req := agent.InstallRequest{
				BaseDir:    dir,
				PkgType:    c.Args().Get(0),
				PkgName:    name,
				PkgVersion: version,
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			return stream(c, func(ctx context.Context) (*agent.Stream, error) {
				return client.Install(ctx, req, printEvent)
			})
		},
	}
}

func installAllCommand() *cli.Command {
	return &cli.Command{
		Name:  "install-all",
		Usage: "install every dependency of the app on the agent",
		Flags: append(clientFlags(), baseDirFlags()...),
		Action: func(c *cli.Context) error {
			dir, err := baseDir(c)
			if err != nil {
				return err
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			return stream(c, func(ctx context.Context) (*agent.Stream, error) {
				return client.Install(ctx, agent.InstallRequest{BaseDir: dir}, printEvent)
			})
		},
	}
}

func genCertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "gen-certs",
		Usage: "generate a CA and mTLS cert pairs for an agent and its clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Usage: "Directory to write the PEM files to.",
				Value: ".",
			},
			&cli.StringSliceFlag{
				Name:  "host",
				Usage: "Host name or IP the agent cert is valid for. Repeatable.",
				Value: cli.NewStringSlice("127.0.0.1", "localhost"),
			},
			&cli.DurationFlag{
				Name:  "validity",
				Usage: "How long the certs are valid for.",
				Value: 7 * 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			certs, err := agent.GenerateCerts(c.Duration("validity"), c.StringSlice("host")...)
			if err != nil {
				return err
			}
			if err := certs.WriteFiles(c.String("out")); err != nil {
				return err
			}
			loggerFrom(c).Sugar().Infof("wrote certs to %s", c.String("out"))
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the version, and the agent's version with --remote",
		Flags: append(clientFlags(),
			&cli.BoolFlag{
				Name:  "remote",
				Usage: "Also query the agent.",
			},
		),
		Action: func(c *cli.Context) error {
			fmt.Println(agent.Version)
			if !c.Bool("remote") {
				return nil
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			v, err := client.Version(c.Context)
			if err != nil {
				return fmt.Errorf("querying agent version: %w", err)
			}
			fmt.Printf("agent: %s\n", v)
			return nil
		},
	}
}
