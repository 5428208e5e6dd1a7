// Package config loads tuncat settings from defaults, an optional YAML file
// and TUNCAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/tuncat/internal/driver"
	"github.com/1ureka/tuncat/internal/driver/rtc"
	"github.com/1ureka/tuncat/internal/session"
	"github.com/1ureka/tuncat/internal/util"
)

// Config is the root configuration.
type Config struct {
	Driver  DriverConfig  `mapstructure:"driver"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`

	// StatsIntervalMS is how often traffic statistics are logged. Zero
	// disables the reporter.
	StatsIntervalMS int `mapstructure:"stats_interval_ms"`
}

// DriverConfig selects and parameterizes the transport.
type DriverConfig struct {
	Kind          string   `mapstructure:"kind"` // tcp, ws, rtc, quic or mem
	Addr          string   `mapstructure:"addr"`
	MaxPacketSize int      `mapstructure:"max_packet_size"` // 0 selects the driver default
	DialTimeoutMS int      `mapstructure:"dial_timeout_ms"`
	ICEServers    []string `mapstructure:"ice_servers"`
}

// SessionConfig holds the session tunables.
type SessionConfig struct {
	TickIntervalMS       int           `mapstructure:"tick_interval_ms"`
	RecvTimeoutMS        int           `mapstructure:"recv_timeout_ms"`
	MaxHandshakeAttempts int           `mapstructure:"max_handshake_attempts"`
	Backoff              BackoffConfig `mapstructure:"backoff"`
	SynOptions           uint16        `mapstructure:"syn_options"`
}

// BackoffConfig spaces handshake attempts.
type BackoffConfig struct {
	InitialMS  int     `mapstructure:"initial_ms"`
	Multiplier float64 `mapstructure:"multiplier"`
	MaxMS      int     `mapstructure:"max_ms"`
	Jitter     bool    `mapstructure:"jitter"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: trace, debug, info, warn, error
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	sc := session.DefaultConfig()
	return &Config{
		Driver: DriverConfig{
			Kind:          driver.KindTCP,
			Addr:          "localhost:2000",
			DialTimeoutMS: 10000,
			ICEServers:    append([]string(nil), rtc.DefaultICEServers...),
		},
		Session: SessionConfig{
			TickIntervalMS:       1000,
			RecvTimeoutMS:        int(sc.RecvTimeout / time.Millisecond),
			MaxHandshakeAttempts: sc.MaxHandshakeAttempts,
			Backoff: BackoffConfig{
				InitialMS:  int(sc.Backoff.InitialDelay / time.Millisecond),
				Multiplier: sc.Backoff.Multiplier,
				MaxMS:      int(sc.Backoff.MaxDelay / time.Millisecond),
				Jitter:     sc.Backoff.Jitter,
			},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		StatsIntervalMS: 10000,
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// TUNCAT_CONFIG or a tuncat.yaml in the usual locations. Environment
// variables use the prefix TUNCAT with `.` replaced by `_`, for example
// TUNCAT_DRIVER_KIND=ws.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TUNCAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("TUNCAT_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tuncat")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tuncat"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		util.LogDebug("config loaded from %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed defaults so env-only configs work
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("driver.kind", cfg.Driver.Kind)
	v.SetDefault("driver.addr", cfg.Driver.Addr)
	v.SetDefault("driver.max_packet_size", cfg.Driver.MaxPacketSize)
	v.SetDefault("driver.dial_timeout_ms", cfg.Driver.DialTimeoutMS)
	v.SetDefault("driver.ice_servers", cfg.Driver.ICEServers)

	v.SetDefault("session.tick_interval_ms", cfg.Session.TickIntervalMS)
	v.SetDefault("session.recv_timeout_ms", cfg.Session.RecvTimeoutMS)
	v.SetDefault("session.max_handshake_attempts", cfg.Session.MaxHandshakeAttempts)
	v.SetDefault("session.backoff.initial_ms", cfg.Session.Backoff.InitialMS)
	v.SetDefault("session.backoff.multiplier", cfg.Session.Backoff.Multiplier)
	v.SetDefault("session.backoff.max_ms", cfg.Session.Backoff.MaxMS)
	v.SetDefault("session.backoff.jitter", cfg.Session.Backoff.Jitter)
	v.SetDefault("session.syn_options", cfg.Session.SynOptions)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)

	v.SetDefault("stats_interval_ms", cfg.StatsIntervalMS)
}

// Validate normalizes c and reports the first invalid key.
func (c *Config) Validate() error {
	c.Driver.Kind = strings.ToLower(strings.TrimSpace(c.Driver.Kind))
	switch c.Driver.Kind {
	case driver.KindTCP, driver.KindWS, driver.KindRTC, driver.KindQUIC, driver.KindMem:
	default:
		return fmt.Errorf("invalid driver.kind: %q", c.Driver.Kind)
	}
	if c.Driver.Kind != driver.KindMem && strings.TrimSpace(c.Driver.Addr) == "" {
		return errors.New("invalid driver.addr: empty")
	}
	if n := c.Driver.MaxPacketSize; n != 0 && n < session.MinPacketSize {
		return fmt.Errorf("invalid driver.max_packet_size: %d (minimum %d)", n, session.MinPacketSize)
	}
	if c.Driver.DialTimeoutMS < 0 {
		return fmt.Errorf("invalid driver.dial_timeout_ms: %d", c.Driver.DialTimeoutMS)
	}

	if c.Session.TickIntervalMS <= 0 {
		return fmt.Errorf("invalid session.tick_interval_ms: %d", c.Session.TickIntervalMS)
	}
	if c.Session.RecvTimeoutMS < 0 {
		return fmt.Errorf("invalid session.recv_timeout_ms: %d", c.Session.RecvTimeoutMS)
	}
	if c.Session.MaxHandshakeAttempts < 0 {
		return fmt.Errorf("invalid session.max_handshake_attempts: %d", c.Session.MaxHandshakeAttempts)
	}
	b := c.Session.Backoff
	if b.InitialMS < 0 || b.MaxMS < 0 {
		return fmt.Errorf("invalid session.backoff: negative delay (initial %d, max %d)", b.InitialMS, b.MaxMS)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("invalid session.backoff.multiplier: %v", b.Multiplier)
	}

	if _, err := util.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.StatsIntervalMS < 0 {
		return fmt.Errorf("invalid stats_interval_ms: %d", c.StatsIntervalMS)
	}
	return nil
}

// Endpoint converts the driver settings.
func (c *Config) Endpoint() driver.Endpoint {
	return driver.Endpoint{
		Kind:          c.Driver.Kind,
		Addr:          c.Driver.Addr,
		MaxPacketSize: c.Driver.MaxPacketSize,
		DialTimeout:   ms(c.Driver.DialTimeoutMS),
		ICEServers:    c.Driver.ICEServers,
	}
}

// SessionConfig converts the session settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		RecvTimeout:          ms(c.Session.RecvTimeoutMS),
		MaxHandshakeAttempts: c.Session.MaxHandshakeAttempts,
		Backoff: session.BackoffConfig{
			InitialDelay: ms(c.Session.Backoff.InitialMS),
			Multiplier:   c.Session.Backoff.Multiplier,
			MaxDelay:     ms(c.Session.Backoff.MaxMS),
			Jitter:       c.Session.Backoff.Jitter,
		},
		SynOptions: c.Session.SynOptions,
	}
}

// LogOptions converts the logging settings.
func (c *Config) LogOptions() util.LogOptions {
	return util.LogOptions{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

func (c *Config) TickInterval() time.Duration  { return ms(c.Session.TickIntervalMS) }
func (c *Config) StatsInterval() time.Duration { return ms(c.StatsIntervalMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
