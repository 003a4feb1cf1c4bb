// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9090"
  cors_origins: ["https://console.example.com"]

database:
  driver: "sqlite3"
  path: "./test.db"

routing:
  claim_timeout: "5s"
  lock_timeout: "500ms"
  max_commit_retries: 7

webhooks:
  enabled: true
  secret_key: "k"
  relay_interval: "30s"

publisher:
  kind: "kafka"
  kafka:
    brokers: ["k1:9092", "k2:9092"]
    topic: "hooks"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if len(cfg.Server.CORSOrigins) != 1 {
		t.Errorf("Server.CORSOrigins = %v, want one origin", cfg.Server.CORSOrigins)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.Database.Path != "./test.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Routing.ClaimTimeout != 5*time.Second {
		t.Errorf("Routing.ClaimTimeout = %v, want %v", cfg.Routing.ClaimTimeout, 5*time.Second)
	}
	if cfg.Routing.LockTimeout != 500*time.Millisecond {
		t.Errorf("Routing.LockTimeout = %v, want %v", cfg.Routing.LockTimeout, 500*time.Millisecond)
	}
	if cfg.Routing.MaxCommitRetries != 7 {
		t.Errorf("Routing.MaxCommitRetries = %d, want 7", cfg.Routing.MaxCommitRetries)
	}
	if cfg.Webhooks.RelayInterval != 30*time.Second {
		t.Errorf("Webhooks.RelayInterval = %v, want 30s", cfg.Webhooks.RelayInterval)
	}
	if cfg.Publisher.Kind != "kafka" || len(cfg.Publisher.Kafka.Brokers) != 2 {
		t.Errorf("Publisher = %+v", cfg.Publisher)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// Untouched sections keep their defaults.
	if cfg.Dedupe.TTL != 10*time.Minute {
		t.Errorf("Dedupe.TTL = %v, want default 10m", cfg.Dedupe.TTL)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want defaults", cfg.Metrics)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:7000"

[database]
driver = "postgres"
dsn = "postgres://localhost/shovel"

[routing]
claim_timeout = "3s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/shovel" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Routing.ClaimTimeout != 3*time.Second {
		t.Errorf("Routing.ClaimTimeout = %v, want 3s", cfg.Routing.ClaimTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_SHOVEL_KEY", "expanded-secret")
	t.Setenv("TEST_SHOVEL_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_SHOVEL_DB}"
webhooks:
  enabled: true
  secret_key: "${TEST_SHOVEL_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Webhooks.SecretKey != "expanded-secret" {
		t.Errorf("Webhooks.SecretKey = %q, want %q", cfg.Webhooks.SecretKey, "expanded-secret")
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/expanded.db")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SHOVEL_DATABASE_PATH", "/var/lib/shovel.db")
	t.Setenv("SHOVEL_ROUTING_CLAIM_TIMEOUT", "4s")
	t.Setenv("SHOVEL_PUBLISHER_KIND", "redis")
	t.Setenv("SHOVEL_PUBLISHER_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("SHOVEL_SERVER_HTTP_ADDR", ":8181")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./file.db"
routing:
  claim_timeout: "9s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/shovel.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Routing.ClaimTimeout != 4*time.Second {
		t.Errorf("Routing.ClaimTimeout = %v, want env override 4s", cfg.Routing.ClaimTimeout)
	}
	if cfg.Publisher.Redis.URL != "redis://localhost:6379/1" {
		t.Errorf("Publisher.Redis.URL = %q", cfg.Publisher.Redis.URL)
	}
	if cfg.Server.HTTPAddr != ":8181" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Routing.ClaimTimeout != 2*time.Second || cfg.Routing.LockTimeout != time.Second {
		t.Errorf("Routing = %+v, want 2s/1s defaults", cfg.Routing)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
routing:
  claim_timeout: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "routing.claim_timeout") {
		t.Errorf("error = %v, want mention of routing.claim_timeout", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "server: [unclosed")
	if _, err := Load(configPath); err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"lock longer than claim", func(c *Config) { c.Routing.LockTimeout = 10 * time.Second }, "routing.lock_timeout"},
		{"webhooks without key", func(c *Config) { c.Webhooks.Enabled = true }, "webhooks.secret_key"},
		{"unknown publisher", func(c *Config) { c.Publisher.Kind = "sqs" }, "publisher.kind"},
		{"redis without url", func(c *Config) { c.Publisher.Kind = "redis" }, "publisher.redis.url"},
		{"amqp without exchange", func(c *Config) {
			c.Publisher.Kind = "amqp"
			c.Publisher.AMQP.URL = "amqp://localhost"
		}, "publisher.amqp"},
		{"kafka without topic", func(c *Config) {
			c.Publisher.Kind = "kafka"
			c.Publisher.Kafka.Brokers = []string{"k:9092"}
		}, "publisher.kafka"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"relative metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
		{"sample ratio out of range", func(c *Config) { c.Tracing.SampleRatio = 2 }, "tracing.sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := parseDurations(cfg); err != nil {
				t.Fatalf("parseDurations() error = %v", err)
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EXPAND_SET", "value")
	os.Unsetenv("EXPAND_UNSET")

	got := expandEnvVars("a=${EXPAND_SET} b=${EXPAND_UNSET} c=$PLAIN")
	want := "a=value b= c=$PLAIN"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}

func TestDefaultPath_Env(t *testing.T) {
	t.Setenv("SHOVEL_CONFIG", "/etc/shovel/router.yaml")
	if got := DefaultPath(); got != "/etc/shovel/router.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}
