package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().WithEnvPrefix("WFTEST_DEFAULTS").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.MaxSteps != 100 || cfg.Store.Driver != "memory" || cfg.Log.Level != "info" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.MaxConcurrent != 8 {
		t.Errorf("expected default max_concurrent 8, got %d", cfg.Engine.MaxConcurrent)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
engine:
  max_steps: 20
  executor_timeout: 2s
store:
  driver: sqlite
  sqlite_path: /tmp/cp.db
log:
  level: debug
  format: json
`)
	t.Setenv("WORKFLOW_ENGINE_MAX_STEPS", "30")
	t.Setenv("WORKFLOW_STORE_REDIS_TTL", "1h")
	t.Setenv("WORKFLOW_METRICS_ENABLED", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.MaxSteps != 30 {
		t.Errorf("expected env to override max_steps, got %d", cfg.Engine.MaxSteps)
	}
	if cfg.Engine.ExecutorTimeout != 2*time.Second {
		t.Errorf("expected timeout 2s from file, got %v", cfg.Engine.ExecutorTimeout)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != "/tmp/cp.db" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Store.Redis.TTL != time.Hour || cfg.Store.Redis.Prefix != "workflow" {
		t.Errorf("unexpected redis config %+v", cfg.Store.Redis)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9090" {
		t.Errorf("unexpected metrics %+v", cfg.Metrics)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json log format, got %s", cfg.Log.Format)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("WORKFLOW_ENGINE_MAX_STEPS", "many")
	if _, err := NewLoader().Load(); err == nil || !strings.Contains(err.Error(), "WORKFLOW_ENGINE_MAX_STEPS") {
		t.Errorf("expected error naming the variable, got %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, "engine: [not, a, map")
	if _, err := NewLoader().WithConfigPath(path).Load(); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"negative steps", func(c *Config) { c.Engine.MaxSteps = -1 }, "engine.max_steps"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "cassandra" }, `store.driver "cassandra"`},
		{"mysql without dsn", func(c *Config) { c.Store.Driver = "mysql" }, "store.mysql_dsn"},
		{"redis without addr", func(c *Config) { c.Store.Driver = "redis"; c.Store.Redis.Addr = "" }, "store.redis.addr"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad events", func(c *Config) { c.Log.Events = "all" }, "log.events"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Endpoint = "" }, "tracing.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("expected defaults to be valid, got %v", err)
	}
}

func TestLoad_CustomValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		if c.Store.Driver == "memory" {
			return os.ErrPermission
		}
		return nil
	}).Load()
	if err == nil {
		t.Error("expected custom validator to fail")
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := DefaultConfig()
	if got := len(cfg.EngineOptions()); got != 2 {
		t.Errorf("expected 2 options without timeout, got %d", got)
	}
	cfg.Engine.ExecutorTimeout = time.Second
	if got := len(cfg.EngineOptions()); got != 3 {
		t.Errorf("expected 3 options with timeout, got %d", got)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := LogConfig{Level: "warn", Format: format}.NewLogger()
		if err != nil {
			t.Fatalf("NewLogger(%s) failed: %v", format, err)
		}
		if logger.Core().Enabled(-1) {
			t.Errorf("%s: expected debug to be disabled at warn level", format)
		}
	}
	if _, err := (LogConfig{Level: "nope"}).NewLogger(); err == nil {
		t.Error("expected error for invalid level")
	}
}
