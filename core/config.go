package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the transaction recovery service.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
type Config struct {
	// Core configuration
	Name    string `json:"name" yaml:"name" env:"TXRECOVER_NAME"`
	Port    int    `json:"port" yaml:"port" env:"TXRECOVER_PORT,PORT" default:"8080"`
	Address string `json:"address" yaml:"address" env:"TXRECOVER_ADDRESS"`

	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Redis       RedisConfig       `json:"redis" yaml:"redis"`
	Transaction TransactionConfig `json:"transaction" yaml:"transaction"`
	Webhook     WebhookConfig     `json:"webhook" yaml:"webhook"`
	Anomaly     AnomalyConfig     `json:"anomaly" yaml:"anomaly"`
	Idempotency IdempotencyConfig `json:"idempotency" yaml:"idempotency"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Pools       PoolsConfig       `json:"pools" yaml:"pools"`
	Alert       AlertConfig       `json:"alert" yaml:"alert"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	URL             string        `json:"url" yaml:"url" env:"TXRECOVER_DATABASE_URL,DATABASE_URL"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" default:"25"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" default:"5"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" default:"30m"`
}

// RedisConfig contains event-bus settings. Each topic is split into a fixed
// number of streams that act as partitions; keys hash onto partitions so a
// single subject is always consumed in order.
type RedisConfig struct {
	URL               string        `json:"url" yaml:"url" env:"TXRECOVER_REDIS_URL,REDIS_URL"`
	TransactionTopic  string        `json:"transaction_topic" yaml:"transaction_topic" default:"transaction-events"`
	WebhookTopic      string        `json:"webhook_topic" yaml:"webhook_topic" default:"webhook-events"`
	Partitions        int           `json:"partitions" yaml:"partitions" default:"3"`
	PublishRetries    int           `json:"publish_retries" yaml:"publish_retries" default:"3"`
	PublishRetryDelay time.Duration `json:"publish_retry_delay" yaml:"publish_retry_delay" default:"1s"`
	BlockTimeout      time.Duration `json:"block_timeout" yaml:"block_timeout" default:"5s"`
	ClaimMinIdle      time.Duration `json:"claim_min_idle" yaml:"claim_min_idle" default:"1m"`
}

// TransactionConfig contains lifecycle thresholds for tracked transactions.
type TransactionConfig struct {
	PendingTimeout    time.Duration `json:"pending_timeout" yaml:"pending_timeout" default:"5m"`
	ProcessingTimeout time.Duration `json:"processing_timeout" yaml:"processing_timeout" default:"10m"`
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts" default:"3"`
	MaxAutoRetries    int           `json:"max_auto_retries" yaml:"max_auto_retries" default:"3"`
	MonitorInterval   time.Duration `json:"monitor_interval" yaml:"monitor_interval" default:"60s"`
	// TimeoutRetryWindow bounds how long a Timeout row stays retry-eligible.
	TimeoutRetryWindow time.Duration `json:"timeout_retry_window" yaml:"timeout_retry_window" default:"30m"`
}

// WebhookConfig contains outbound delivery settings: retry policy, HTTP
// client limits, signing, and the hang/cleanup sweeps.
type WebhookConfig struct {
	MaxRetries          int           `json:"max_retries" yaml:"max_retries" default:"5"`
	BaseRetryDelay      time.Duration `json:"base_retry_delay" yaml:"base_retry_delay" default:"60s"`
	MaxRetryDelay       time.Duration `json:"max_retry_delay" yaml:"max_retry_delay" default:"1h"`
	ConnectTimeout      time.Duration `json:"connect_timeout" yaml:"connect_timeout" default:"5s"`
	ReadTimeout         time.Duration `json:"read_timeout" yaml:"read_timeout" default:"10s"`
	AcquireTimeout      time.Duration `json:"acquire_timeout" yaml:"acquire_timeout" default:"2s"`
	MaxTotalConns       int           `json:"max_total_conns" yaml:"max_total_conns" default:"100"`
	MaxConnsPerHost     int           `json:"max_conns_per_host" yaml:"max_conns_per_host" default:"20"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout" yaml:"idle_conn_timeout" default:"60s"`
	KeepAlive           time.Duration `json:"keep_alive" yaml:"keep_alive" default:"30s"`
	SignatureAlgorithm  string        `json:"signature_algorithm" yaml:"signature_algorithm" default:"HmacSHA256"`
	HangTimeout         time.Duration `json:"hang_timeout" yaml:"hang_timeout" default:"30m"`
	CleanupMaxAge       time.Duration `json:"cleanup_max_age" yaml:"cleanup_max_age" default:"24h"`
	CleanupBatchLimit   int           `json:"cleanup_batch_limit" yaml:"cleanup_batch_limit" default:"1000"`
	ResponseBodyExcerpt int           `json:"response_body_excerpt" yaml:"response_body_excerpt" default:"4000"`
}

// AnomalyConfig contains thresholds for the monitor's anomaly detectors.
type AnomalyConfig struct {
	PendingThreshold     time.Duration `json:"pending_threshold" yaml:"pending_threshold" default:"30m"`
	ProcessingThreshold  time.Duration `json:"processing_threshold" yaml:"processing_threshold" default:"60m"`
	RetryThreshold       int           `json:"retry_threshold" yaml:"retry_threshold" default:"5"`
	StateChangeThreshold int           `json:"state_change_threshold" yaml:"state_change_threshold" default:"10"`
	OscillationThreshold int           `json:"oscillation_threshold" yaml:"oscillation_threshold" default:"2"`
	AlertThreshold       int           `json:"alert_threshold" yaml:"alert_threshold" default:"5"`
}

// IdempotencyConfig controls how an incoming request is compared against an
// existing transaction with the same id.
type IdempotencyConfig struct {
	CriticalFields      []string `json:"critical_fields" yaml:"critical_fields"`
	IgnoredFields       []string `json:"ignored_fields" yaml:"ignored_fields"`
	SimilarityThreshold int      `json:"similarity_threshold" yaml:"similarity_threshold" default:"80"`
}

// SchedulerConfig carries the cron expressions for every periodic task.
type SchedulerConfig struct {
	RetrySweepCron   string `json:"retry_sweep_cron" yaml:"retry_sweep_cron" default:"* * * * *"`
	HangSweepCron    string `json:"hang_sweep_cron" yaml:"hang_sweep_cron" default:"*/10 * * * *"`
	CleanupCron      string `json:"cleanup_cron" yaml:"cleanup_cron" default:"0 2 * * *"`
	WeeklyReportCron string `json:"weekly_report_cron" yaml:"weekly_report_cron" default:"0 0 * * 0"`
}

// PoolsConfig sizes the bounded worker pools.
type PoolsConfig struct {
	DefaultWorkers int `json:"default_workers" yaml:"default_workers" default:"10"`
	DefaultQueue   int `json:"default_queue" yaml:"default_queue" default:"25"`
	WebhookWorkers int `json:"webhook_workers" yaml:"webhook_workers" default:"20"`
	WebhookQueue   int `json:"webhook_queue" yaml:"webhook_queue" default:"50"`
	MonitorWorkers int `json:"monitor_workers" yaml:"monitor_workers" default:"5"`
	MonitorQueue   int `json:"monitor_queue" yaml:"monitor_queue" default:"10"`
}

// AlertConfig configures the operator alert dispatcher.
type AlertConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled" default:"true"`
	Recipients []string `json:"recipients" yaml:"recipients"`
	From       string   `json:"from" yaml:"from"`
	SMTPHost   string   `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort   int      `json:"smtp_port" yaml:"smtp_port" default:"587"`
	QueueSize  int      `json:"queue_size" yaml:"queue_size" default:"100"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"TXRECOVER_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"TXRECOVER_LOG_FORMAT" default:"json"`
}

// TelemetryConfig contains tracing configuration. When no endpoint is set,
// spans are exported to stdout in development and dropped otherwise.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"TXRECOVER_TELEMETRY_ENABLED" default:"false"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"TXRECOVER_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	Insecure    bool   `json:"insecure" yaml:"insecure" default:"true"`
}

// HTTPConfig contains inbound HTTP server settings.
type HTTPConfig struct {
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" default:"30s"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout" default:"120s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" default:"10s"`
}

// Option is a functional option for configuring the service.
// Options are applied in order and can return an error if the
// configuration is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration seeded with every default from the
// service contract. Environment variables and options layer on top.
func DefaultConfig() *Config {
	return &Config{
		Name:    "txrecover",
		Port:    8080,
		Address: "0.0.0.0",
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			TransactionTopic:  "transaction-events",
			WebhookTopic:      "webhook-events",
			Partitions:        3,
			PublishRetries:    3,
			PublishRetryDelay: 1 * time.Second,
			BlockTimeout:      5 * time.Second,
			ClaimMinIdle:      1 * time.Minute,
		},
		Transaction: TransactionConfig{
			PendingTimeout:     5 * time.Minute,
			ProcessingTimeout:  10 * time.Minute,
			MaxAttempts:        3,
			MaxAutoRetries:     3,
			MonitorInterval:    60 * time.Second,
			TimeoutRetryWindow: 30 * time.Minute,
		},
		Webhook: WebhookConfig{
			MaxRetries:          5,
			BaseRetryDelay:      60 * time.Second,
			MaxRetryDelay:       1 * time.Hour,
			ConnectTimeout:      5 * time.Second,
			ReadTimeout:         10 * time.Second,
			AcquireTimeout:      2 * time.Second,
			MaxTotalConns:       100,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     60 * time.Second,
			KeepAlive:           30 * time.Second,
			SignatureAlgorithm:  "HmacSHA256",
			HangTimeout:         30 * time.Minute,
			CleanupMaxAge:       24 * time.Hour,
			CleanupBatchLimit:   1000,
			ResponseBodyExcerpt: 4000,
		},
		Anomaly: AnomalyConfig{
			PendingThreshold:     30 * time.Minute,
			ProcessingThreshold:  60 * time.Minute,
			RetryThreshold:       5,
			StateChangeThreshold: 10,
			OscillationThreshold: 2,
			AlertThreshold:       5,
		},
		Idempotency: IdempotencyConfig{
			CriticalFields:      []string{"amount", "accountNumber", "description", "reference"},
			IgnoredFields:       []string{"timestamp", "clientIp", "deviceId"},
			SimilarityThreshold: 80,
		},
		Scheduler: SchedulerConfig{
			RetrySweepCron:   "* * * * *",
			HangSweepCron:    "*/10 * * * *",
			CleanupCron:      "0 2 * * *",
			WeeklyReportCron: "0 0 * * 0",
		},
		Pools: PoolsConfig{
			DefaultWorkers: 10,
			DefaultQueue:   25,
			WebhookWorkers: 20,
			WebhookQueue:   50,
			MonitorWorkers: 5,
			MonitorQueue:   10,
		},
		Alert: AlertConfig{
			Enabled:   true,
			SMTPPort:  587,
			QueueSize: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Insecure: true,
		},
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden
// by functional options.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("TXRECOVER_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("TXRECOVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	} else if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("TXRECOVER_ADDRESS"); v != "" {
		c.Address = v
	}

	if v := os.Getenv("TXRECOVER_DATABASE_URL"); v != "" {
		c.Database.URL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("TXRECOVER_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	// Transaction thresholds
	if v := os.Getenv("TXRECOVER_PENDING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Transaction.PendingTimeout = d
		}
	}
	if v := os.Getenv("TXRECOVER_PROCESSING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Transaction.ProcessingTimeout = d
		}
	}
	if v := os.Getenv("TXRECOVER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transaction.MaxAttempts = n
		}
	}
	if v := os.Getenv("TXRECOVER_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Transaction.MonitorInterval = d
		}
	}

	// Webhook delivery
	if v := os.Getenv("TXRECOVER_WEBHOOK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Webhook.MaxRetries = n
		}
	}
	if v := os.Getenv("TXRECOVER_WEBHOOK_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Webhook.BaseRetryDelay = d
		}
	}
	if v := os.Getenv("TXRECOVER_WEBHOOK_SIGNATURE_ALGORITHM"); v != "" {
		c.Webhook.SignatureAlgorithm = v
	}

	// Idempotency
	if v := os.Getenv("TXRECOVER_IDEMPOTENCY_CRITICAL_FIELDS"); v != "" {
		c.Idempotency.CriticalFields = parseStringList(v)
	}
	if v := os.Getenv("TXRECOVER_IDEMPOTENCY_IGNORED_FIELDS"); v != "" {
		c.Idempotency.IgnoredFields = parseStringList(v)
	}
	if v := os.Getenv("TXRECOVER_IDEMPOTENCY_SIMILARITY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Idempotency.SimilarityThreshold = n
		}
	}

	// Alerting
	if v := os.Getenv("TXRECOVER_ALERT_ENABLED"); v != "" {
		c.Alert.Enabled = parseBool(v)
	}
	if v := os.Getenv("TXRECOVER_ALERT_RECIPIENTS"); v != "" {
		c.Alert.Recipients = parseStringList(v)
	}
	if v := os.Getenv("TXRECOVER_SMTP_HOST"); v != "" {
		c.Alert.SMTPHost = v
	}

	// Logging
	if v := os.Getenv("TXRECOVER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TXRECOVER_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Telemetry
	if v := os.Getenv("TXRECOVER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("TXRECOVER_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.Name
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file.
// File settings override defaults but are overridden by environment
// variables and functional options applied afterwards.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cleanPath, ErrInvalidConfiguration)
	}
	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: fmt.Sprintf("invalid port: %d", c.Port),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Name == "" {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "service name is required",
			Err:     ErrMissingConfiguration,
		}
	}
	if c.Transaction.PendingTimeout <= 0 || c.Transaction.ProcessingTimeout <= 0 {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "transaction timeouts must be positive",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Transaction.MaxAttempts < 1 {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "transaction max attempts must be at least 1",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Webhook.MaxRetries < 0 {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "webhook max retries must not be negative",
			Err:     ErrInvalidConfiguration,
		}
	}
	if t := c.Idempotency.SimilarityThreshold; t < 0 || t > 100 {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: fmt.Sprintf("similarity threshold must be 0-100, got %d", t),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Redis.TransactionTopic == "" || c.Redis.WebhookTopic == "" {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "event bus topics must not be empty",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Redis.Partitions < 1 {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "event bus needs at least one partition",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Alert.Enabled && c.Alert.SMTPHost != "" && len(c.Alert.Recipients) == 0 {
		return &ServiceError{
			Op:      "Config.Validate",
			Kind:    KindValidation,
			Message: "alert recipients are required when SMTP is configured",
			Err:     ErrMissingConfiguration,
		}
	}
	return nil
}

// NewConfig creates a validated configuration from defaults, environment,
// and the given options, in that order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithName sets the service name.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %d: %w", port, ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

// WithDatabaseURL sets the Postgres connection string.
func WithDatabaseURL(url string) Option {
	return func(c *Config) error {
		c.Database.URL = url
		return nil
	}
}

// WithRedisURL sets the event-bus Redis connection string.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithLogLevel sets the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithTelemetry enables tracing against the given OTLP endpoint.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithConfigFile layers a YAML config file over the defaults.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// Helper functions

// parseStringList splits a comma-separated string into a slice of strings.
// Whitespace is trimmed from each element, and empty strings are filtered out.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
