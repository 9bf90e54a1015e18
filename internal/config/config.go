// Package config loads payrecon configuration from defaults, an optional
// YAML file and PAYRECON_* environment variables, in that order of
// precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PAYRECON_PROCESSOR_TOKEN for processor.token.
const EnvPrefix = "PAYRECON"

// Config is the full payrecon configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DSN is the PostgreSQL connection URL.
	DSN string `mapstructure:"dsn"`
}

// ProcessorConfig holds the processor API credential. It is read once at
// startup and handed to processor.New.
type ProcessorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ResolverConfig points at an optional CUE policy overriding the embedded one.
type ResolverConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

// EngineConfig tunes dedup and durable retries.
type EngineConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RetryConfig is the backoff schedule for transient processor failures.
type RetryConfig struct {
	InitialInterval    time.Duration `mapstructure:"initial_interval"`
	BackoffCoefficient float64       `mapstructure:"backoff_coefficient"`
	MaximumInterval    time.Duration `mapstructure:"maximum_interval"`
	MaximumAttempts    int           `mapstructure:"maximum_attempts"`
}

// PollerConfig schedules the reconciliation sweeps.
type PollerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	RecoverAfter  time.Duration `mapstructure:"recover_after"`
	OrphanWindow  time.Duration `mapstructure:"orphan_window"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	// WebhookSecret enables HMAC-SHA256 verification of webhook bodies.
	WebhookSecret string `mapstructure:"webhook_secret"`
	// AdminToken protects /admin when set.
	AdminToken string `mapstructure:"admin_token"`
	// WebhookWorkers bounds webhook events processed after the ack.
	WebhookWorkers  int           `mapstructure:"webhook_workers"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// setDefaults registers every key, which also makes each one reachable
// from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "payrecon.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("processor.base_url", "https://api.mercadopago.com")
	v.SetDefault("processor.token", "")
	v.SetDefault("processor.timeout", "5s")

	v.SetDefault("resolver.policy_file", "")

	v.SetDefault("engine.dedup_window", "1m")
	v.SetDefault("engine.retry.initial_interval", "30s")
	v.SetDefault("engine.retry.backoff_coefficient", 2.0)
	v.SetDefault("engine.retry.maximum_interval", "30m")
	v.SetDefault("engine.retry.maximum_attempts", 8)

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", "1m")
	v.SetDefault("poller.retry_interval", "15s")
	v.SetDefault("poller.stale_after", "10m")
	v.SetDefault("poller.recover_after", "2m")
	v.SetDefault("poller.orphan_window", "24h")
	v.SetDefault("poller.batch_size", 50)
	v.SetDefault("poller.workers", 4)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_body_bytes", 64<<10)
	v.SetDefault("server.webhook_secret", "")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.webhook_workers", 8)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks everything the server needs.
func (c *Config) Validate() error {
	return errors.Join(
		c.Store.Validate(),
		c.Processor.Validate(),
		c.Engine.Validate(),
		c.Poller.Validate(),
		c.Server.Validate(),
		c.Log.Validate(),
	)
}

// Validate checks the backend selection.
func (c StoreConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q: must be sqlite or postgres", c.Driver)
	}
	return nil
}

// Validate checks the processor credential.
func (c ProcessorConfig) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("processor.base_url is required"))
	}
	if c.Token == "" {
		errs = append(errs, fmt.Errorf("processor.token is required (set %s_PROCESSOR_TOKEN)", EnvPrefix))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("processor.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks the retry schedule.
func (c EngineConfig) Validate() error {
	var errs []error
	if c.DedupWindow <= 0 {
		errs = append(errs, errors.New("engine.dedup_window must be positive"))
	}
	if c.Retry.InitialInterval <= 0 {
		errs = append(errs, errors.New("engine.retry.initial_interval must be positive"))
	}
	if c.Retry.BackoffCoefficient < 1 {
		errs = append(errs, errors.New("engine.retry.backoff_coefficient must be >= 1"))
	}
	if c.Retry.MaximumInterval < c.Retry.InitialInterval {
		errs = append(errs, errors.New("engine.retry.maximum_interval must be >= initial_interval"))
	}
	if c.Retry.MaximumAttempts < 0 {
		errs = append(errs, errors.New("engine.retry.maximum_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate checks the poller schedule.
func (c PollerConfig) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"interval":       c.Interval,
		"retry_interval": c.RetryInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("poller.%s must be positive", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"stale_after":   c.StaleAfter,
		"recover_after": c.RecoverAfter,
		"orphan_window": c.OrphanWindow,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("poller.%s must not be negative", name))
		}
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("poller.batch_size must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("poller.workers must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks the HTTP gateway settings.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.WebhookWorkers <= 0 {
		errs = append(errs, errors.New("server.webhook_workers must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks the log level and format.
func (c LogConfig) Validate() error {
	if _, err := c.level(); err != nil {
		return err
	}
	if c.Format != "text" && c.Format != "json" {
		return fmt.Errorf("log.format %q: must be text or json", c.Format)
	}
	return nil
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Level, err)
	}
	return l, nil
}

// NewLogger builds the slog logger described by c. verbose forces debug.
func (c LogConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
