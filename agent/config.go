package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/guseggert/diagstream/terminal"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of the agent. Command-line flags override it.
type Config struct {
	ListenAddr     string         `yaml:"listen_addr"`
	StaticDir      string         `yaml:"static_dir"`
	LogLevel       string         `yaml:"log_level"`
	OriginPatterns []string       `yaml:"origin_patterns"`
	TLS            TLSConfig      `yaml:"tls"`
	Terminal       TerminalConfig `yaml:"terminal"`
}

type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

type TerminalConfig struct {
	// Env is extra environment for tool processes, as KEY=VALUE entries.
	Env          []string `yaml:"env"`
	ReadSize     int      `yaml:"read_size"`
	IdlePoll     Duration `yaml:"idle_poll"`
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// Duration is a time.Duration that is written as a Go duration string in YAML, e.g. "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "0.0.0.0:8000",
		LogLevel:   "info",
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if _, err := cfg.Level(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Level() (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("parsing log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func (c Config) TerminalOptions() terminal.Options {
	return terminal.Options{
		Env:          c.Terminal.Env,
		ReadSize:     c.Terminal.ReadSize,
		IdlePoll:     time.Duration(c.Terminal.IdlePoll),
		DrainTimeout: time.Duration(c.Terminal.DrainTimeout),
	}
}

// Options turns the config into agent options, loading TLS material if configured.
func (c Config) Options() ([]Option, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithListenAddr(c.ListenAddr),
		WithLogLevel(level),
		WithTerminalOptions(c.TerminalOptions()),
	}
	if c.StaticDir != "" {
		opts = append(opts, WithStaticDir(c.StaticDir))
	}
	if len(c.OriginPatterns) > 0 {
		opts = append(opts, WithOriginPatterns(c.OriginPatterns...))
	}

	switch {
	case c.TLS.CertFile != "" || c.TLS.KeyFile != "":
		certPEM, err := os.ReadFile(c.TLS.CertFile)
		if err != nil {
			return nil, fmt.Errorf("reading TLS cert: %w", err)
		}
		keyPEM, err := os.ReadFile(c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading TLS key: %w", err)
		}
		opts = append(opts, WithTLS(certPEM, keyPEM))
	case c.TLS.SelfSigned:
		cert, err := GenerateSelfSignedCert("localhost", "127.0.0.1", "::1")
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		opts = append(opts, WithTLS(cert.CertPEMBytes, cert.KeyPEMBytes))
	}
	return opts, nil
}
