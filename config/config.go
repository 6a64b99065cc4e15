// Package config loads sipcore node settings from YAML files and SIPCORE_* environment variables.
package config

//go:generate errtrace -w .

import (
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/viper"

	"github.com/ghettovoice/sipcore/flow"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/timing"
	"github.com/ghettovoice/sipcore/transport"
)

// EnvPrefix is the prefix of environment overrides, nested keys are joined with "_".
// Example: SIPCORE_TIMINGS_T1=250ms.
const EnvPrefix = "SIPCORE"

// Config is the root node configuration.
type Config struct {
	// Listen is a list of listen URIs such as "udp://0.0.0.0:5060" or "ws://[::]:8080".
	Listen []string `mapstructure:"listen"`
	// Timings are the transaction timer base values, zero values mean RFC 3261 defaults.
	Timings TimingsConfig `mapstructure:"timings"`
	// Send100Immediately answers INVITE with 100 Trying right away.
	Send100Immediately bool `mapstructure:"send_100_immediately"`
	// TransactionTableSize is the expected number of live transactions.
	TransactionTableSize uint `mapstructure:"transaction_table_size"`
	// FlowTableSize is the expected number of open flows.
	FlowTableSize uint `mapstructure:"flow_table_size"`
	// KeepAlive are keep-alive settings per transport class.
	KeepAlive flow.KeepAliveSet `mapstructure:"keepalive"`
	// FlowTokenKey is the hex encoded flow token key, empty means a random per process key.
	FlowTokenKey string `mapstructure:"flow_token_key"`
	// DNS are resolver settings.
	DNS DNSConfig `mapstructure:"dns"`
	// Metrics are Prometheus exporter settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Log are logger settings.
	Log LogConfig `mapstructure:"log"`
}

// TimingsConfig are the SIP timer base values.
type TimingsConfig struct {
	T1      time.Duration `mapstructure:"t1"`
	T2      time.Duration `mapstructure:"t2"`
	T4      time.Duration `mapstructure:"t4"`
	TimeD   time.Duration `mapstructure:"time_d"`
	Time100 time.Duration `mapstructure:"time_100"`
}

// Config returns the timing config.
func (c TimingsConfig) Config() timing.Config {
	return timing.NewConfig(c.T1, c.T2, c.T4, c.TimeD, c.Time100)
}

// DNSConfig are RFC 3263 resolver settings.
type DNSConfig struct {
	NameServer string        `mapstructure:"name_server"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MetricsConfig are metrics exporter settings.
type MetricsConfig struct {
	// Addr is the HTTP listen address of the /metrics endpoint, empty disables the exporter.
	Addr string `mapstructure:"addr"`
}

// LogConfig are logger settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is one of console, dev, json.
	Format string `mapstructure:"format"`
}

// Default returns the default config.
func Default() *Config {
	return &Config{
		Listen:    []string{"udp://0.0.0.0:5060", "tcp://0.0.0.0:5060"},
		KeepAlive: flow.DefaultKeepAlive(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Listener is a parsed listen URI.
type Listener struct {
	Proto transport.Proto
	Addr  string
}

func (c *Config) setDefaults(v *viper.Viper) {
	v.SetDefault("listen", c.Listen)
	v.SetDefault("timings.t1", c.Timings.T1)
	v.SetDefault("timings.t2", c.Timings.T2)
	v.SetDefault("timings.t4", c.Timings.T4)
	v.SetDefault("timings.time_d", c.Timings.TimeD)
	v.SetDefault("timings.time_100", c.Timings.Time100)
	v.SetDefault("send_100_immediately", c.Send100Immediately)
	v.SetDefault("transaction_table_size", c.TransactionTableSize)
	v.SetDefault("flow_table_size", c.FlowTableSize)
	for name, ka := range map[string]flow.KeepAliveConfig{
		"udp": c.KeepAlive.UDP,
		"tcp": c.KeepAlive.TCP,
		"ws":  c.KeepAlive.WS,
	} {
		prefix := "keepalive." + name + "."
		v.SetDefault(prefix+"mode", string(ka.Mode))
		v.SetDefault(prefix+"method", string(ka.Method))
		v.SetDefault(prefix+"accept", ka.Accept)
		v.SetDefault(prefix+"initial_idle_timeout", ka.InitialIdleTimeout)
		v.SetDefault(prefix+"idle_timeout", ka.IdleTimeout)
		v.SetDefault(prefix+"ping_interval", ka.PingInterval)
		v.SetDefault(prefix+"max_failed", ka.MaxFailed)
		v.SetDefault(prefix+"enforce_pong", ka.EnforcePong)
	}
	v.SetDefault("flow_token_key", c.FlowTokenKey)
	v.SetDefault("dns.name_server", c.DNS.NameServer)
	v.SetDefault("dns.timeout", c.DNS.Timeout)
	v.SetDefault("metrics.addr", c.Metrics.Addr)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
}

// Load reads the config file at path on top of [Default] and applies environment overrides.
// Empty path searches sipcore.yaml in the working directory and ./configs,
// a missing file is not an error then.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	cfg.setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sipcore")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return cfg, nil
}

// ErrInvalidConfig is returned for unreadable or inconsistent configs.
const ErrInvalidConfig errorutil.Error = "invalid config"

// Validate checks the config and normalizes enumerations.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Listeners(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TokenKey(); err != nil {
		errs = append(errs, err)
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if _, ok := parseLevel(c.Log.Level); !ok {
		errs = append(errs, errorutil.NewInvalidArgumentError("invalid log level %q", c.Log.Level))
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "", "console", "dev", "json":
	default:
		errs = append(errs, errorutil.NewInvalidArgumentError("invalid log format %q", c.Log.Format))
	}
	for name, ka := range map[string]flow.KeepAliveConfig{
		"udp": c.KeepAlive.UDP,
		"tcp": c.KeepAlive.TCP,
		"ws":  c.KeepAlive.WS,
	} {
		switch ka.Mode {
		case "", flow.ModeNone, flow.ModePassive, flow.ModeActive:
		default:
			errs = append(errs, errorutil.NewInvalidArgumentError("invalid %s keep-alive mode %q", name, ka.Mode))
		}
		switch ka.Method {
		case "", flow.PingCRLF, flow.PingOptions, flow.PingSTUN:
		default:
			errs = append(errs, errorutil.NewInvalidArgumentError("invalid %s keep-alive method %q", name, ka.Method))
		}
	}
	if err := errorutil.JoinPrefix("config:", errs...); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
	}
	return nil
}

// Listeners parses listen URIs.
func (c *Config) Listeners() ([]Listener, error) {
	out := make([]Listener, 0, len(c.Listen))
	for _, s := range c.Listen {
		u, err := url.Parse(s)
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
		}
		proto, ok := transport.ParseProto(u.Scheme)
		if !ok || u.Host == "" {
			return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid listen URI %q", s))
		}
		out = append(out, Listener{Proto: proto, Addr: u.Host})
	}
	return out, nil
}

// TokenKey decodes the flow token key, nil means a random key.
func (c *Config) TokenKey() ([]byte, error) {
	if c.FlowTokenKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.FlowTokenKey)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid flow token key: %v", err))
	}
	if len(key) != flow.TokenKeySize {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("flow token key must be %d bytes", flow.TokenKeySize))
	}
	return key, nil
}

// Logger creates the configured logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, _ := parseLevel(c.Log.Level)
	switch c.Log.Format {
	case "dev":
		return log.Dev(w, lvl)
	case "json":
		return log.JSON(w, lvl)
	default:
		return log.Console(w, lvl)
	}
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
