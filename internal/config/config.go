// ABOUTME: Configuration loading and parsing for shovel-router
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, .env files and SHOVEL_* overrides

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SHOVEL_DATABASE_PATH.
const EnvPrefix = "SHOVEL"

// Config represents the complete shovel-router configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Routing   RoutingConfig   `yaml:"routing" toml:"routing"`
	Webhooks  WebhooksConfig  `yaml:"webhooks" toml:"webhooks"`
	Publisher PublisherConfig `yaml:"publisher" toml:"publisher"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" toml:"http_addr" split_words:"true"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins" split_words:"true"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-" split_words:"true"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout" ignored:"true"`
}

// DatabaseConfig selects the SQL backend
type DatabaseConfig struct {
	// Driver is sqlite (pure Go), sqlite3 (cgo) or postgres.
	Driver       string `yaml:"driver" toml:"driver" split_words:"true"`
	Path         string `yaml:"path" toml:"path" split_words:"true"`
	DSN          string `yaml:"dsn" toml:"dsn" split_words:"true"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns" split_words:"true"`
	BusyRetries  int    `yaml:"busy_retries" toml:"busy_retries" split_words:"true"`
}

// RoutingConfig holds claim and commit tuning
type RoutingConfig struct {
	ClaimTimeout     time.Duration `yaml:"-" toml:"-" split_words:"true"`
	LockTimeout      time.Duration `yaml:"-" toml:"-" split_words:"true"`
	MaxCommitRetries int           `yaml:"max_commit_retries" toml:"max_commit_retries" split_words:"true"`

	// Raw string values for unmarshaling
	ClaimTimeoutRaw string `yaml:"claim_timeout" toml:"claim_timeout" ignored:"true"`
	LockTimeoutRaw  string `yaml:"lock_timeout" toml:"lock_timeout" ignored:"true"`
}

// WebhooksConfig holds outbox relay configuration
type WebhooksConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled" split_words:"true"`
	SecretKey   string `yaml:"secret_key" toml:"secret_key" split_words:"true"`
	BatchSize   int    `yaml:"batch_size" toml:"batch_size" split_words:"true"`
	MaxAttempts int    `yaml:"max_attempts" toml:"max_attempts" split_words:"true"`

	RelayInterval    time.Duration `yaml:"-" toml:"-" split_words:"true"`
	RelayIntervalRaw string        `yaml:"relay_interval" toml:"relay_interval" ignored:"true"`
}

// PublisherConfig selects the transport webhook deliveries are handed to
type PublisherConfig struct {
	Kind  string               `yaml:"kind" toml:"kind" split_words:"true"`
	HTTP  HTTPPublisherConfig  `yaml:"http" toml:"http" split_words:"true"`
	Redis RedisPublisherConfig `yaml:"redis" toml:"redis" split_words:"true"`
	AMQP  AMQPPublisherConfig  `yaml:"amqp" toml:"amqp" split_words:"true"`
	Kafka KafkaPublisherConfig `yaml:"kafka" toml:"kafka" split_words:"true"`
}

// HTTPPublisherConfig configures direct POST delivery
type HTTPPublisherConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-" split_words:"true"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout" ignored:"true"`
}

// RedisPublisherConfig configures the Redis stream transport
type RedisPublisherConfig struct {
	URL    string `yaml:"url" toml:"url" split_words:"true"`
	Stream string `yaml:"stream" toml:"stream" split_words:"true"`
	MaxLen int64  `yaml:"max_len" toml:"max_len" split_words:"true"`
}

// AMQPPublisherConfig configures the RabbitMQ transport
type AMQPPublisherConfig struct {
	URL        string `yaml:"url" toml:"url" split_words:"true"`
	Exchange   string `yaml:"exchange" toml:"exchange" split_words:"true"`
	RoutingKey string `yaml:"routing_key" toml:"routing_key" split_words:"true"`
}

// KafkaPublisherConfig configures the Kafka transport
type KafkaPublisherConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers" split_words:"true"`
	Topic   string   `yaml:"topic" toml:"topic" split_words:"true"`
}

// DedupeConfig bounds the idempotency-key cache
type DedupeConfig struct {
	MaxSize int           `yaml:"max_size" toml:"max_size" split_words:"true"`
	TTL     time.Duration `yaml:"-" toml:"-" split_words:"true"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl" ignored:"true"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" split_words:"true"`
	Format string `yaml:"format" toml:"format" split_words:"true"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" split_words:"true"`
	Path    string `yaml:"path" toml:"path" split_words:"true"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled" split_words:"true"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint" split_words:"true"`
	Insecure    bool    `yaml:"insecure" toml:"insecure" split_words:"true"`
	Headers     string  `yaml:"headers" toml:"headers" split_words:"true"` // "k1=v1,k2=v2"
	ServiceName string  `yaml:"service_name" toml:"service_name" split_words:"true"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio" split_words:"true"`
}

// Default returns a configuration that runs locally with SQLite and logs
// webhook deliveries instead of sending them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           "127.0.0.1:8080",
			ShutdownTimeoutRaw: "15s",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "shovel-router.db",
		},
		Routing: RoutingConfig{
			ClaimTimeoutRaw:  "2s",
			LockTimeoutRaw:   "1s",
			MaxCommitRetries: 3,
		},
		Webhooks: WebhooksConfig{
			RelayIntervalRaw: "2s",
			BatchSize:        50,
			MaxAttempts:      8,
		},
		Publisher: PublisherConfig{
			Kind: "log",
			HTTP: HTTPPublisherConfig{TimeoutRaw: "10s"},
		},
		Dedupe: DedupeConfig{
			TTLRaw:  "10m",
			MaxSize: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "shovel-router",
			SampleRatio: 1,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the working directory is loaded first; environment
// variables in the format ${VAR_NAME} are expanded; SHOVEL_* variables then
// override individual fields. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a configuration from defaults and SHOVEL_* variables only.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv overlays SHOVEL_<SECTION>_<FIELD> variables, one section at a time.
// Durations are read directly (SHOVEL_ROUTING_CLAIM_TIMEOUT=5s) and win over
// the file.
func applyEnv(cfg *Config) error {
	sections := []struct {
		name   string
		target any
	}{
		{"SERVER", &cfg.Server},
		{"DATABASE", &cfg.Database},
		{"ROUTING", &cfg.Routing},
		{"WEBHOOKS", &cfg.Webhooks},
		{"PUBLISHER", &cfg.Publisher},
		{"DEDUPE", &cfg.Dedupe},
		{"LOGGING", &cfg.Logging},
		{"METRICS", &cfg.Metrics},
		{"TRACING", &cfg.Tracing},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.target); err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(s.name), err)
		}
	}
	return nil
}

var (
	validDrivers    = []string{"sqlite", "sqlite3", "postgres"}
	validPublishers = []string{"log", "http", "redis", "amqp", "kafka"}
	validLevels     = []string{"debug", "info", "warn", "error"}
	validFormats    = []string{"text", "json"}
)

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}

	if !slices.Contains(validDrivers, c.Database.Driver) {
		return fmt.Errorf("database.driver must be one of %v, got %q", validDrivers, c.Database.Driver)
	}
	if c.Database.Driver == "postgres" {
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	} else if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Routing.ClaimTimeout <= 0 {
		return errors.New("routing.claim_timeout must be positive")
	}
	if c.Routing.LockTimeout <= 0 || c.Routing.LockTimeout > c.Routing.ClaimTimeout {
		return errors.New("routing.lock_timeout must be positive and no longer than claim_timeout")
	}

	if c.Webhooks.Enabled && c.Webhooks.SecretKey == "" {
		return errors.New("webhooks.secret_key is required when webhooks are enabled")
	}

	if !slices.Contains(validPublishers, c.Publisher.Kind) {
		return fmt.Errorf("publisher.kind must be one of %v, got %q", validPublishers, c.Publisher.Kind)
	}
	switch c.Publisher.Kind {
	case "redis":
		if c.Publisher.Redis.URL == "" {
			return errors.New("publisher.redis.url is required")
		}
	case "amqp":
		if c.Publisher.AMQP.URL == "" || c.Publisher.AMQP.Exchange == "" {
			return errors.New("publisher.amqp.url and publisher.amqp.exchange are required")
		}
	case "kafka":
		if len(c.Publisher.Kafka.Brokers) == 0 || c.Publisher.Kafka.Topic == "" {
			return errors.New("publisher.kafka.brokers and publisher.kafka.topic are required")
		}
	}

	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of %v, got %q", validLevels, c.Logging.Level)
	}
	if !slices.Contains(validFormats, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("logging.format must be one of %v, got %q", validFormats, c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"routing.claim_timeout", cfg.Routing.ClaimTimeoutRaw, &cfg.Routing.ClaimTimeout},
		{"routing.lock_timeout", cfg.Routing.LockTimeoutRaw, &cfg.Routing.LockTimeout},
		{"webhooks.relay_interval", cfg.Webhooks.RelayIntervalRaw, &cfg.Webhooks.RelayInterval},
		{"publisher.http.timeout", cfg.Publisher.HTTP.TimeoutRaw, &cfg.Publisher.HTTP.Timeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath resolves the config file: SHOVEL_CONFIG, then ./config.yaml,
// then ~/.config/shovel/router.yaml. Returns "" when none exists.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	candidates := []string{"config.yaml", "config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "shovel", "router.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
