package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gridlens/gridlens/internal/core"
)

// Config represents the complete application configuration.
// Layers, lowest precedence first: defaults, YAML config file, .env file,
// GRIDLENS_* environment variables, runtime overrides (flags).
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Store      StoreConfig               `mapstructure:"store"`
	Queue      QueueConfig               `mapstructure:"queue"`
	Resources  map[string]ResourceConfig `mapstructure:"resources"`
	Anonymizer AnonymizerConfig          `mapstructure:"anonymizer"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Metrics    MetricsConfig             `mapstructure:"metrics"`
	Health     HealthConfig              `mapstructure:"health"`
	Events     EventsConfig              `mapstructure:"events"`
	Workers    int                       `mapstructure:"workers"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects and configures the durable job store.
type StoreConfig struct {
	// Driver is one of libsql, postgres, redis or memory.
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`

	PostgresDSN string `mapstructure:"postgres_dsn"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// QueueConfig tunes claim batches and retry behaviour.
type QueueConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxAttempts of 1 makes the first upstream failure terminal.
	MaxAttempts         int           `mapstructure:"max_attempts"`
	ClaimLease          time.Duration `mapstructure:"claim_lease"`
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule"`
}

// ResourceConfig holds the static limits of one third-party resource.
type ResourceConfig struct {
	CallsPerMinute int            `mapstructure:"calls_per_minute"`
	CallsPerHour   int            `mapstructure:"calls_per_hour"`
	MaxFailures    int            `mapstructure:"max_failures"`
	Timeout        time.Duration  `mapstructure:"timeout"`
	Cooldown       *time.Duration `mapstructure:"cooldown"`
	BaseURL        string         `mapstructure:"base_url"`
	Disabled       bool           `mapstructure:"disabled"`
}

// Limits converts the resource config into engine limits. A nil cooldown
// falls back to DefaultCooldown.
func (r ResourceConfig) Limits() core.ResourceLimits {
	cooldown := DefaultCooldown
	if r.Cooldown != nil {
		cooldown = *r.Cooldown
	}
	return core.ResourceLimits{
		CallsPerMinute: r.CallsPerMinute,
		CallsPerHour:   r.CallsPerHour,
		MaxFailures:    r.MaxFailures,
		Timeout:        r.Timeout,
		Cooldown:       cooldown,
	}
}

// AnonymizerConfig carries the per-category salts. Salts are secrets and
// usually arrive through GRIDLENS_ANONYMIZER_SALTS_<CATEGORY> or a .env file.
type AnonymizerConfig struct {
	Salts    map[string]string `mapstructure:"salts"`
	Required []string          `mapstructure:"required"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles:
// - SIMPLE: Console output only, minimal configuration (CLI tools)
// - STRUCTURED: JSON to stderr with service metadata (serve/work)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether the Prometheus sink and /metrics are wired
	Enabled bool `mapstructure:"enabled"`

	// Port of the internal telemetry exporter proxied by /metrics (0 = random)
	Port int `mapstructure:"port"`

	// Namespace prefixes every exported series
	Namespace string `mapstructure:"namespace"`

	// Addr is the listener used by `gridlens work` for pipeline metrics.
	// Empty disables it.
	Addr string `mapstructure:"addr"`
}

// EventsConfig publishes pipeline events to an AMQP topic exchange.
// An empty AMQPURL disables publishing.
type EventsConfig struct {
	AMQPURL       string        `mapstructure:"amqp_url"`
	Exchange      string        `mapstructure:"exchange"`
	RoutingPrefix string        `mapstructure:"routing_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether health endpoints are exposed
	Enabled bool `mapstructure:"enabled"`
}

// Resource defaults applied to entries that leave a field unset.
const (
	DefaultCallsPerMinute = 60
	DefaultCallsPerHour   = 1000
	DefaultMaxFailures    = 3
	DefaultTimeout        = 10 * time.Second
	DefaultCooldown       = 30 * time.Second
)

var knownDrivers = map[string]bool{
	"libsql":   true,
	"postgres": true,
	"redis":    true,
	"memory":   true,
}

// ResourceLimits returns engine limits for every configured resource.
func (c *Config) ResourceLimits() map[string]core.ResourceLimits {
	limits := make(map[string]core.ResourceLimits, len(c.Resources))
	for name, resource := range c.Resources {
		limits[name] = resource.Limits()
	}
	return limits
}

// ResourceNames lists configured resources in sorted order.
func (c *Config) ResourceNames() []string {
	names := make([]string, 0, len(c.Resources))
	for name := range c.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyResourceDefaults fills zero-valued fields of each resource.
func (c *Config) applyResourceDefaults() {
	if len(c.Resources) == 0 {
		return
	}
	normalized := make(map[string]ResourceConfig, len(c.Resources))
	for name, resource := range c.Resources {
		if resource.CallsPerMinute == 0 {
			resource.CallsPerMinute = DefaultCallsPerMinute
		}
		if resource.CallsPerHour == 0 {
			resource.CallsPerHour = DefaultCallsPerHour
		}
		if resource.MaxFailures == 0 {
			resource.MaxFailures = DefaultMaxFailures
		}
		if resource.Timeout == 0 {
			resource.Timeout = DefaultTimeout
		}
		normalized[strings.ToLower(strings.TrimSpace(name))] = resource
	}
	c.Resources = normalized
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if !knownDrivers[driver] {
		errs = append(errs, fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver))
	}
	switch driver {
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	}

	if c.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("queue.batch_size must be positive"))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.ClaimLease < 0 {
		errs = append(errs, errors.New("queue.claim_lease must not be negative"))
	}
	if strings.TrimSpace(c.Events.AMQPURL) != "" && strings.TrimSpace(c.Events.Exchange) == "" {
		errs = append(errs, errors.New("events.exchange is required when events.amqp_url is set"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	for _, name := range c.ResourceNames() {
		resource := c.Resources[name]
		prefix := "resources." + name
		if resource.CallsPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("%s.calls_per_minute must be positive", prefix))
		}
		if resource.CallsPerHour <= 0 {
			errs = append(errs, fmt.Errorf("%s.calls_per_hour must be positive", prefix))
		}
		if resource.MaxFailures <= 0 {
			errs = append(errs, fmt.Errorf("%s.max_failures must be positive", prefix))
		}
		if resource.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must be positive", prefix))
		}
		if resource.Cooldown != nil && *resource.Cooldown < 0 {
			errs = append(errs, fmt.Errorf("%s.cooldown must not be negative", prefix))
		}
	}

	if pass := c.LongestPass(); c.Queue.ClaimLease > 0 && c.Queue.ClaimLease <= pass {
		errs = append(errs, fmt.Errorf("queue.claim_lease (%s) must exceed batch_size x the longest resource timeout (%s)", c.Queue.ClaimLease, pass))
	}

	return errors.Join(errs...)
}

// LongestPass bounds how long one claimed batch can stay in flight: every
// job in the batch hitting the slowest resource's timeout. A claim lease at
// or below it lets maintenance requeue jobs a worker still holds.
func (c *Config) LongestPass() time.Duration {
	var slowest time.Duration
	for _, resource := range c.Resources {
		slowest = max(slowest, resource.Timeout)
	}
	return time.Duration(max(c.Queue.BatchSize, 0)) * slowest
}
