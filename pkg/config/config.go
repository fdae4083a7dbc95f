// Package config loads engine configuration: built-in defaults, an optional
// YAML file merged over them, then DAEDALUS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DAEDALUS_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
)

// Config is the complete engine configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Retry   RetryConfig   `yaml:"retry"`
	Store   StoreConfig   `yaml:"store"`
	NATS    NATSConfig    `yaml:"nats"`
	Tracing TracingConfig `yaml:"tracing"`
	Sentry  SentryConfig  `yaml:"sentry"`
	Blob    BlobConfig    `yaml:"blob"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig holds scheduler limits.
type EngineConfig struct {
	MaxConcurrency   int           `yaml:"maxConcurrency"`
	ExecutionTimeout time.Duration `yaml:"executionTimeout"`
	NodeTimeout      time.Duration `yaml:"nodeTimeout"`
	// MaxOutputBytes caps inline node output; 0 disables the guard.
	MaxOutputBytes   int64  `yaml:"maxOutputBytes"`
	SubscriberBuffer int    `yaml:"subscriberBuffer"`
	SaveData         string `yaml:"saveData"`
	RetainFinished   int    `yaml:"retainFinished"`
}

// RetryConfig is the default node retry policy.
type RetryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
	Jitter     float64       `yaml:"jitter"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the badger directory; empty keeps badger in memory.
	Path string `yaml:"path"`
}

// NATSConfig configures the JetStream event sink. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	Stream        string `yaml:"stream"`
}

// TracingConfig configures OTLP export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"serviceName"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// SentryConfig configures failure reporting. An empty DSN disables it.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// BlobConfig configures offload of oversized output. An empty connection
// string disables it.
type BlobConfig struct {
	ConnectionString string `yaml:"connectionString"`
	Container        string `yaml:"container"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := retry.DefaultPolicy()
	return Config{
		Engine: EngineConfig{
			MaxConcurrency:   concurrency.DefaultMaxConcurrency(),
			SubscriberBuffer: 256,
			SaveData:         string(workflow.SaveAll),
			RetainFinished:   1000,
		},
		Retry: RetryConfig{
			MaxRetries: p.MaxRetries,
			BaseDelay:  p.BaseDelay,
			Multiplier: p.Multiplier,
			MaxDelay:   p.MaxDelay,
		},
		Store: StoreConfig{Driver: DriverMemory},
		NATS: NATSConfig{
			Name:          "daedalus",
			SubjectPrefix: "daedalus.events",
			Stream:        "DAEDALUS_EVENTS",
		},
		Tracing: TracingConfig{
			ServiceName: "daedalus",
			Environment: "development",
			SampleRatio: 1.0,
		},
		Blob: BlobConfig{Container: "daedalus-outputs"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is not empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("failed to merge config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot use.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("engine.maxConcurrency must be positive"))
	}
	if c.Engine.ExecutionTimeout < 0 || c.Engine.NodeTimeout < 0 {
		errs = append(errs, errors.New("engine timeouts must not be negative"))
	}
	if c.Engine.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("engine.maxOutputBytes must not be negative"))
	}
	switch workflow.SaveDataPolicy(c.Engine.SaveData) {
	case workflow.SaveAll, workflow.SaveErrors, workflow.SaveNone:
	default:
		errs = append(errs, fmt.Errorf("engine.saveData %q is not one of all, errors, none", c.Engine.SaveData))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverBadger:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, badger", c.Store.Driver))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sampleRatio must be in [0, 1]"))
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the default node retry policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		Multiplier: c.Retry.Multiplier,
		MaxDelay:   c.Retry.MaxDelay,
		Jitter:     c.Retry.Jitter,
	}
}

// EngineSettings maps the configuration onto engine settings.
func (c Config) EngineSettings() engine.Settings {
	return engine.Settings{
		MaxConcurrency:   c.Engine.MaxConcurrency,
		ExecutionTimeout: c.Engine.ExecutionTimeout,
		NodeTimeout:      c.Engine.NodeTimeout,
		Retry:            c.RetryPolicy(),
		SaveData:         workflow.SaveDataPolicy(c.Engine.SaveData),
		RetainFinished:   c.Engine.RetainFinished,
	}
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	integer("MAX_CONCURRENCY", &c.Engine.MaxConcurrency)
	duration("EXECUTION_TIMEOUT", &c.Engine.ExecutionTimeout)
	duration("NODE_TIMEOUT", &c.Engine.NodeTimeout)
	int64v("MAX_OUTPUT_BYTES", &c.Engine.MaxOutputBytes)
	integer("SUBSCRIBER_BUFFER", &c.Engine.SubscriberBuffer)
	str("SAVE_DATA", &c.Engine.SaveData)
	integer("RETAIN_FINISHED", &c.Engine.RetainFinished)

	integer("MAX_RETRIES", &c.Retry.MaxRetries)
	duration("RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	float("RETRY_MULTIPLIER", &c.Retry.Multiplier)
	duration("RETRY_MAX_DELAY", &c.Retry.MaxDelay)

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)

	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
	str("NATS_STREAM", &c.NATS.Stream)

	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	str("SERVICE_NAME", &c.Tracing.ServiceName)
	float("TRACE_SAMPLE_RATIO", &c.Tracing.SampleRatio)

	str("SENTRY_DSN", &c.Sentry.DSN)
	str("SENTRY_ENVIRONMENT", &c.Sentry.Environment)

	str("BLOB_CONNECTION_STRING", &c.Blob.ConnectionString)
	str("BLOB_CONTAINER", &c.Blob.Container)

	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_DEVELOPMENT", &c.Log.Development)

	return errors.Join(errs...)
}
