// Package config loads the settings of the workflow demo: engine limits,
// checkpoint store, logging, metrics and tracing.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//		WithConfigPath("workflow.yaml").
//		WithEnvPrefix("WORKFLOW").
//		Load()
//
// Precedence: defaults, then the YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/mafdemo/workflow-go/graph"
)

// Config is the complete configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
	Store   StoreConfig   `yaml:"store" env:"STORE"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
	Tracing TracingConfig `yaml:"tracing" env:"TRACING"`
}

// EngineConfig maps to graph engine options.
type EngineConfig struct {
	MaxSteps        int           `yaml:"max_steps" env:"MAX_STEPS"`
	MaxConcurrent   int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	ExecutorTimeout time.Duration `yaml:"executor_timeout" env:"EXECUTOR_TIMEOUT"`
	Checkpointing   bool          `yaml:"checkpointing" env:"CHECKPOINTING"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, mysql, redis.
	Driver     string      `yaml:"driver" env:"DRIVER"`
	SQLitePath string      `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MySQLDSN   string      `yaml:"mysql_dsn" env:"MYSQL_DSN"`
	Redis      RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures the Redis checkpoint store.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// LogConfig configures the zap logger and the event emitter.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	// Format is console or json.
	Format string `yaml:"format" env:"FORMAT"`
	// Events selects how workflow events are logged: none, text, json, zap.
	Events string `yaml:"events" env:"EVENTS"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool   `yaml:"insecure" env:"INSECURE"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxSteps:      100,
			MaxConcurrent: 8,
			Checkpointing: true,
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "workflow.db",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "workflow",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Events: "none",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "workflowdemo",
		},
	}
}

// Loader reads configuration from a YAML file and the environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the WORKFLOW environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "WORKFLOW"}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a check run after loading, in addition to Validate.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// setFieldsFromEnv walks the struct and overrides every field whose
// PREFIX_SECTION_FIELD variable is set.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxSteps < 0 {
		errs = append(errs, "engine.max_steps cannot be negative")
	}
	if c.Engine.MaxConcurrent < 0 {
		errs = append(errs, "engine.max_concurrent cannot be negative")
	}
	if c.Engine.ExecutorTimeout < 0 {
		errs = append(errs, "engine.executor_timeout cannot be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "mysql":
		if c.Store.MySQLDSN == "" {
			errs = append(errs, "store.mysql_dsn is required for the mysql driver")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, mysql, redis", c.Store.Driver))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level %q is invalid", c.Log.Level))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format %q is not console or json", c.Log.Format))
	}
	switch c.Log.Events {
	case "none", "text", "json", "zap":
	default:
		errs = append(errs, fmt.Sprintf("log.events %q is not one of none, text, json, zap", c.Log.Events))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EngineOptions translates the engine section into graph options. Store,
// emitter, metrics and logger options are added by the caller.
func (c *Config) EngineOptions() []graph.Option {
	opts := []graph.Option{
		graph.WithMaxSteps(c.Engine.MaxSteps),
		graph.WithMaxConcurrent(c.Engine.MaxConcurrent),
	}
	if c.Engine.ExecutorTimeout > 0 {
		opts = append(opts, graph.WithExecutorTimeout(c.Engine.ExecutorTimeout))
	}
	return opts
}

// NewLogger builds a zap logger for the log section.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
