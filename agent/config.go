package agent

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/execbridge/bridge"
	"go.uber.org/zap/zapcore"
)

// Config is the agent's file configuration. Durations are Go duration strings, e.g. "10s".
type Config struct {
	ListenAddr        string            `toml:"listen_addr"`
	BaseDir           string            `toml:"base_dir"`
	Installer         string            `toml:"installer"`
	HeartbeatInterval string            `toml:"heartbeat_interval"`
	ShutdownTimeout   string            `toml:"shutdown_timeout"`
	PartialFlushDelay string            `toml:"partial_flush_delay"`
	LogLevel          string            `toml:"log_level"`
	Env               map[string]string `toml:"env"`
	TLS               TLSFiles          `toml:"tls"`
}

// TLSFiles are PEM file paths. Setting CACert on the agent turns on client cert verification.
type TLSFiles struct {
	CACert string `toml:"ca_cert"`
	Cert   string `toml:"cert"`
	Key    string `toml:"key"`
}

func (f TLSFiles) Enabled() bool { return f.Cert != "" }

// LoadConfig reads a TOML config file. A missing file yields an empty config.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
	}
	return &cfg, nil
}

func parseDuration(value, key string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// EnvList returns the env table as sorted KEY=VALUE pairs.
func (c *Config) EnvList() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Options maps the set fields to agent options. Unset fields keep the agent defaults.
func (c *Config) Options() ([]Option, error) {
	var opts []Option
	var runnerOpts []bridge.Option

	if c.ListenAddr != "" {
		opts = append(opts, WithListenAddr(c.ListenAddr))
	}
	if c.Installer != "" {
		opts = append(opts, WithInstaller(&CommandInstaller{Path: c.Installer, Env: c.EnvList()}))
	}
	if c.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parse log_level: %w", err)
		}
		opts = append(opts, WithLogLevel(lvl))
	}
	if c.HeartbeatInterval != "" {
		d, err := parseDuration(c.HeartbeatInterval, "heartbeat_interval")
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithHeartbeatInterval(d))
	}
	if c.ShutdownTimeout != "" {
		d, err := parseDuration(c.ShutdownTimeout, "shutdown_timeout")
		if err != nil {
			return nil, err
		}
		runnerOpts = append(runnerOpts, bridge.WithShutdownTimeout(d))
	}
	if c.PartialFlushDelay != "" {
		d, err := parseDuration(c.PartialFlushDelay, "partial_flush_delay")
		if err != nil {
			return nil, err
		}
		runnerOpts = append(runnerOpts, bridge.WithPartialFlushDelay(d))
	}
	if len(c.Env) > 0 {
		runnerOpts = append(runnerOpts, bridge.WithEnv(c.EnvList()...))
	}
	if c.TLS.Enabled() {
		tlsConfig, err := LoadServerTLSConfig(c.TLS.CACert, c.TLS.Cert, c.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("loading TLS config: %w", err)
		}
		opts = append(opts, WithTLSConfig(tlsConfig))
	}
	if len(runnerOpts) > 0 {
		opts = append(opts, WithRunnerOptions(runnerOpts...))
	}
	return opts, nil
}
