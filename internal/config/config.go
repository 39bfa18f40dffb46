// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultPort              = 8080
	DefaultStoreTimeout      = 5 * time.Second
	DefaultDriver            = "sqlite"
	DefaultSQLitePath        = "signalbox.db"
	DefaultWindow            = 90 * time.Second
	DefaultLeaseBackend      = "sql"
	DefaultLeaseTTL          = 2 * time.Minute
	DefaultRetention         = 24 * time.Hour
	DefaultLookback          = 90 * time.Second
	DefaultStaleAfter        = 120 * time.Second
	StaleMargin              = 5 * time.Second
	DefaultDownstreamTimeout = 40 * time.Second
	DefaultMaxRetries        = 2
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 8 * time.Second
	DefaultJitter            = 0.1
	DefaultReclaimSchedule   = "* * * * *"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
)

// Config is the top-level signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Lease       LeaseConfig       `yaml:"lease"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Downstream  DownstreamConfig  `yaml:"downstream"`
	Reclaimer   ReclaimerConfig   `yaml:"reclaimer"`
	Notify      NotifyConfig      `yaml:"notify"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds the inbound API settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DatabaseConfig selects the store dialect and how to reach it.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite, mysql, postgres
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// FingerprintConfig controls the time bucket used for request identity.
type FingerprintConfig struct {
	Window time.Duration `yaml:"window"`
}

// LeaseConfig controls the best-effort serialization layer.
type LeaseConfig struct {
	Backend  string        `yaml:"backend"` // sql, redis
	TTL      time.Duration `yaml:"ttl"`
	RedisURL string        `yaml:"redis_url"`
}

// LedgerConfig controls duplicate lookback and staleness thresholds.
type LedgerConfig struct {
	Retention  time.Duration `yaml:"retention"`
	Lookback   time.Duration `yaml:"lookback"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DownstreamConfig describes the automation webhook and its retry policy.
type DownstreamConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     *float64      `yaml:"jitter"`
}

// Retries returns the configured retry bound, or the default when unset.
func (d DownstreamConfig) Retries() int {
	if d.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *d.MaxRetries
}

// JitterFraction returns the configured jitter fraction, or the default when unset.
func (d DownstreamConfig) JitterFraction() float64 {
	if d.Jitter == nil {
		return DefaultJitter
	}
	return *d.Jitter
}

// WorstCase returns the longest a downstream call can take under this
// policy: every attempt hitting its timeout plus the largest jittered
// backoff before each retry.
func (d DownstreamConfig) WorstCase() time.Duration {
	total := d.Timeout * time.Duration(d.Retries()+1)
	jitter := 1 + d.JitterFraction()
	for retry := 1; retry <= d.Retries(); retry++ {
		delay := float64(d.BaseDelay) * math.Pow(2, float64(retry-1))
		if delay > float64(d.MaxDelay) {
			delay = float64(d.MaxDelay)
		}
		total += time.Duration(delay * jitter)
	}
	return total
}

// ReclaimerConfig schedules background cleanup.
type ReclaimerConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// IsEnabled reports whether the background reclaimer should run. Defaults to true.
func (r ReclaimerConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// NotifyConfig holds optional alert webhooks.
type NotifyConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.StoreTimeout == 0 {
		c.Server.StoreTimeout = DefaultStoreTimeout
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = DefaultSQLitePath
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "mysql":
			c.Database.Port = 3306
		case "postgres":
			c.Database.Port = 5432
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "signalbox"
	}
	if c.Fingerprint.Window == 0 {
		c.Fingerprint.Window = DefaultWindow
	}
	if c.Lease.Backend == "" {
		c.Lease.Backend = DefaultLeaseBackend
	}
	if c.Lease.TTL == 0 {
		c.Lease.TTL = DefaultLeaseTTL
	}
	if c.Ledger.Retention == 0 {
		c.Ledger.Retention = DefaultRetention
	}
	if c.Ledger.Lookback == 0 {
		c.Ledger.Lookback = DefaultLookback
	}
	if c.Downstream.Timeout == 0 {
		c.Downstream.Timeout = DefaultDownstreamTimeout
	}
	if c.Downstream.BaseDelay == 0 {
		c.Downstream.BaseDelay = DefaultBaseDelay
	}
	if c.Downstream.MaxDelay == 0 {
		c.Downstream.MaxDelay = DefaultMaxDelay
	}
	if c.Ledger.StaleAfter == 0 {
		c.Ledger.StaleAfter = defaultStaleAfter(c.Downstream)
	}
	if c.Reclaimer.Schedule == "" {
		c.Reclaimer.Schedule = DefaultReclaimSchedule
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// defaultStaleAfter is DefaultStaleAfter, raised to whole seconds past the
// downstream worst case plus StaleMargin when the retry policy needs longer.
func defaultStaleAfter(d DownstreamConfig) time.Duration {
	need := d.WorstCase() + StaleMargin
	if need <= DefaultStaleAfter {
		return DefaultStaleAfter
	}
	return time.Duration(math.Ceil(need.Seconds())) * time.Second
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite, mysql or postgres", c.Database.Driver))
	}
	switch c.Lease.Backend {
	case "sql":
	case "redis":
		if c.Lease.RedisURL == "" {
			errs = append(errs, "lease.redis_url is required when lease.backend is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("lease.backend %q must be sql or redis", c.Lease.Backend))
	}
	if c.Downstream.URL == "" {
		errs = append(errs, "downstream.url is required")
	} else if u, err := url.Parse(c.Downstream.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("downstream.url %q must be an absolute http(s) URL", c.Downstream.URL))
	}
	if c.Fingerprint.Window < time.Second {
		errs = append(errs, "fingerprint.window must be at least 1s")
	}
	if c.Lease.TTL <= 0 {
		errs = append(errs, "lease.ttl must be positive")
	}
	if c.Ledger.StaleAfter <= 0 {
		errs = append(errs, "ledger.stale_after must be positive")
	} else if wc := c.Downstream.WorstCase(); c.Ledger.StaleAfter <= wc {
		errs = append(errs, fmt.Sprintf("ledger.stale_after %s must exceed the downstream worst case %s", c.Ledger.StaleAfter, wc))
	}
	if c.Ledger.Lookback <= 0 || c.Ledger.Retention <= 0 {
		errs = append(errs, "ledger.lookback and ledger.retention must be positive")
	}
	if c.Downstream.Timeout <= 0 {
		errs = append(errs, "downstream.timeout must be positive")
	}
	if c.Downstream.Retries() < 0 {
		errs = append(errs, "downstream.max_retries must not be negative")
	}
	if j := c.Downstream.JitterFraction(); j < 0 || j > 1 {
		errs = append(errs, "downstream.jitter must be between 0 and 1")
	}
	if c.Downstream.MaxDelay < c.Downstream.BaseDelay {
		errs = append(errs, "downstream.max_delay must not be less than downstream.base_delay")
	}
	if _, err := cron.ParseStandard(c.Reclaimer.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("reclaimer.schedule %q: %v", c.Reclaimer.Schedule, err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
