package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kbukum/sagakit/badger"
	"github.com/kbukum/sagakit/database"
	"github.com/kbukum/sagakit/kafka"
	"github.com/kbukum/sagakit/observability"
	"github.com/kbukum/sagakit/postgres"
	"github.com/kbukum/sagakit/redis"
	"github.com/kbukum/sagakit/saga"
)

// Snapshot store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendDatabase = "database"
)

// Execution lock backends.
const (
	LockerMemory   = "memory"
	LockerRedis    = "redis"
	LockerPostgres = "postgres"
)

// Config is the full sagakit configuration.
type Config struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`

	// Resilience is the default policy for every target.
	Resilience PolicyConfig `yaml:"resilience" mapstructure:"resilience"`
	// Targets overrides the default policy per target.
	Targets map[string]PolicyConfig `yaml:"targets" mapstructure:"targets" validate:"dive"`

	Saga          SagaConfig          `yaml:"saga" mapstructure:"saga"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Redis         redis.Config        `yaml:"redis" mapstructure:"redis"`
	Badger        badger.Config       `yaml:"badger" mapstructure:"badger"`
	Database      database.Config     `yaml:"database" mapstructure:"database"`
	Postgres      postgres.Config     `yaml:"postgres" mapstructure:"postgres"`
	Kafka         kafka.Config        `yaml:"kafka" mapstructure:"kafka"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

// SagaConfig is the file form of saga.Config.
type SagaConfig struct {
	MaxParallel            int           `yaml:"max_parallel" mapstructure:"max_parallel" validate:"gte=0"`
	CompensationTimeout    time.Duration `yaml:"compensation_timeout" mapstructure:"compensation_timeout" validate:"gte=0"`
	MaxCompensationRetries int           `yaml:"max_compensation_retries" mapstructure:"max_compensation_retries" validate:"gte=0"`
	LockTTL                time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl" validate:"gte=0"`
	SnapshotTTL            time.Duration `yaml:"snapshot_ttl" mapstructure:"snapshot_ttl" validate:"gte=0"`
	// DisableRecovery stops the manager from resuming RUNNING and
	// COMPENSATING sagas when it starts.
	DisableRecovery bool `yaml:"disable_recovery" mapstructure:"disable_recovery"`
}

// ToManagerConfig converts to saga.Config. Zero fields take saga defaults.
func (c SagaConfig) ToManagerConfig() saga.Config {
	return saga.Config{
		MaxParallel:            c.MaxParallel,
		CompensationTimeout:    c.CompensationTimeout,
		MaxCompensationRetries: c.MaxCompensationRetries,
		LockTTL:                c.LockTTL,
		SnapshotTTL:            c.SnapshotTTL,
		DisableRecovery:        c.DisableRecovery,
	}
}

// StoreConfig selects where snapshots and execution locks live.
type StoreConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=memory redis badger database"`
	Locker  string `yaml:"locker" mapstructure:"locker" validate:"oneof=memory redis postgres"`
}

// ObservabilityConfig selects the event sinks and telemetry exporters.
type ObservabilityConfig struct {
	// LogEvents logs every saga and pipeline event.
	LogEvents  bool             `yaml:"log_events" mapstructure:"log_events"`
	Tracing    TracingConfig    `yaml:"tracing" mapstructure:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Prometheus PrometheusConfig `yaml:"prometheus" mapstructure:"prometheus"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint   string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure   bool    `yaml:"insecure" mapstructure:"insecure"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig configures OTLP metric export.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Endpoint string        `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure bool          `yaml:"insecure" mapstructure:"insecure"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval" validate:"gte=0"`
}

// PrometheusConfig configures the Prometheus event sink.
type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// ApplyDefaults fills zero values and enables the sections the selected
// backends depend on.
func (c *Config) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()

	if c.Resilience.IsZero() {
		c.Resilience = DefaultPolicyConfig()
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Locker == "" {
		c.Store.Locker = LockerMemory
		if c.Store.Backend == BackendRedis {
			c.Store.Locker = LockerRedis
		}
	}
	if c.Store.Backend == BackendRedis || c.Store.Locker == LockerRedis {
		c.Redis.Enabled = true
	}
	if c.Store.Backend == BackendDatabase {
		c.Database.Enabled = true
	}
	c.Redis.ApplyDefaults()
	c.Database.ApplyDefaults()
	if c.Store.Backend == BackendBadger {
		d := badger.DefaultConfig(c.Badger.Path)
		if c.Badger.GCInterval == 0 {
			c.Badger.GCInterval = d.GCInterval
		}
		if c.Badger.GCDiscardRatio == 0 {
			c.Badger.GCDiscardRatio = d.GCDiscardRatio
		}
	}

	c.Postgres.ApplyDefaults()

	if c.Kafka.Source == "" {
		c.Kafka.Source = c.Name
	}
	c.Kafka.ApplyDefaults()

	c.Observability.applyDefaults(c.Name)
}

func (o *ObservabilityConfig) applyDefaults(service string) {
	if o.Tracing.Endpoint == "" {
		o.Tracing.Endpoint = "localhost:4318"
	}
	if o.Tracing.SampleRate == 0 {
		o.Tracing.SampleRate = 1.0
	}
	if o.Metrics.Endpoint == "" {
		o.Metrics.Endpoint = "localhost:4318"
	}
	if o.Metrics.Interval == 0 {
		o.Metrics.Interval = 15 * time.Second
	}
	if o.Prometheus.Namespace == "" {
		o.Prometheus.Namespace = observability.DefaultPrometheusConfig().Namespace
	}
}

// Validate checks struct tags and cross-section requirements. Sections of
// unselected backends are not validated.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}

	v := validator.New()
	if err := v.StructExcept(c, "Badger", "Redis", "Database", "Postgres", "Kafka"); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	if c.Redis.Enabled {
		errs = append(errs, section("redis", v.Struct(c.Redis), c.Redis.Validate()))
	}
	if c.Store.Backend == BackendBadger {
		errs = append(errs, section("badger", v.Struct(c.Badger)))
	}
	if c.Database.Enabled {
		errs = append(errs, section("database", v.Struct(c.Database), c.Database.Validate()))
	}
	if c.Store.Locker == LockerPostgres {
		errs = append(errs, section("postgres", v.Struct(c.Postgres)))
	}
	if c.Kafka.Enabled {
		errs = append(errs, section("kafka", v.Struct(c.Kafka), c.Kafka.Validate()))
	}
	return errors.Join(errs...)
}

func section(name string, errs ...error) error {
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config.%s: %w", name, err)
	}
	return nil
}

// TracerConfig returns the tracer settings for this service.
func (c *Config) TracerConfig() observability.TracerConfig {
	tc := observability.DefaultTracerConfig(c.Name)
	tc.ServiceVersion = c.Version
	tc.Environment = c.Environment
	tc.Endpoint = c.Observability.Tracing.Endpoint
	tc.Insecure = c.Observability.Tracing.Insecure
	tc.SampleRate = c.Observability.Tracing.SampleRate
	return tc
}

// MeterConfig returns the meter settings for this service.
func (c *Config) MeterConfig() observability.MeterConfig {
	mc := observability.DefaultMeterConfig(c.Name)
	mc.ServiceVersion = c.Version
	mc.Environment = c.Environment
	mc.Endpoint = c.Observability.Metrics.Endpoint
	mc.Insecure = c.Observability.Metrics.Insecure
	mc.Interval = c.Observability.Metrics.Interval
	return mc
}
