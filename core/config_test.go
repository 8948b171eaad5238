package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "txrecover", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.Transaction.PendingTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Transaction.ProcessingTimeout)
	assert.Equal(t, 3, cfg.Transaction.MaxAttempts)
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Webhook.BaseRetryDelay)
	assert.Equal(t, "HmacSHA256", cfg.Webhook.SignatureAlgorithm)
	assert.Equal(t, "transaction-events", cfg.Redis.TransactionTopic)
	assert.Equal(t, "webhook-events", cfg.Redis.WebhookTopic)
	assert.Equal(t, 3, cfg.Redis.Partitions)
	assert.Equal(t, 80, cfg.Idempotency.SimilarityThreshold)
	assert.Contains(t, cfg.Idempotency.CriticalFields, "amount")
	assert.Equal(t, "* * * * *", cfg.Scheduler.RetrySweepCron)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("TXRECOVER_NAME", "txrecover-staging")
	t.Setenv("TXRECOVER_PORT", "9090")
	t.Setenv("TXRECOVER_DATABASE_URL", "postgres://localhost/txrecover_test")
	t.Setenv("TXRECOVER_PENDING_TIMEOUT", "2m")
	t.Setenv("TXRECOVER_MAX_ATTEMPTS", "5")
	t.Setenv("TXRECOVER_WEBHOOK_MAX_RETRIES", "7")
	t.Setenv("TXRECOVER_IDEMPOTENCY_CRITICAL_FIELDS", "amount, currency ,reference")
	t.Setenv("TXRECOVER_ALERT_ENABLED", "no")
	t.Setenv("TXRECOVER_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "txrecover-staging", cfg.Name)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres://localhost/txrecover_test", cfg.Database.URL)
	assert.Equal(t, 2*time.Minute, cfg.Transaction.PendingTimeout)
	assert.Equal(t, 5, cfg.Transaction.MaxAttempts)
	assert.Equal(t, 7, cfg.Webhook.MaxRetries)
	assert.Equal(t, []string{"amount", "currency", "reference"}, cfg.Idempotency.CriticalFields)
	assert.False(t, cfg.Alert.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvFallbackVariables(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("DATABASE_URL", "postgres://fallback/db")
	t.Setenv("REDIS_URL", "redis://fallback:6379")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "postgres://fallback/db", cfg.Database.URL)
	assert.Equal(t, "redis://fallback:6379", cfg.Redis.URL)

	// The prefixed variable wins over the generic one.
	t.Setenv("TXRECOVER_PORT", "3001")
	cfg = DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 3001, cfg.Port)
}

func TestTelemetryEndpointEnablesTracing(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "otel-collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, cfg.Name, cfg.Telemetry.ServiceName)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: txrecover-file
port: 7070
transaction:
  pending_timeout: 90s
  max_attempts: 4
webhook:
  max_retries: 2
`), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, "txrecover-file", cfg.Name)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.Transaction.PendingTimeout)
	assert.Equal(t, 4, cfg.Transaction.MaxAttempts)
	assert.Equal(t, 2, cfg.Webhook.MaxRetries)
	// Untouched sections keep their defaults.
	assert.Equal(t, "transaction-events", cfg.Redis.TransactionTopic)
}

func TestLoadFromFileRejectsBadInput(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.LoadFromFile("config.toml")
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	err = cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml::"), 0o600))
	err = cfg.LoadFromFile(path)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.Port = 0 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"empty name", func(c *Config) { c.Name = "" }},
		{"zero pending timeout", func(c *Config) { c.Transaction.PendingTimeout = 0 }},
		{"zero max attempts", func(c *Config) { c.Transaction.MaxAttempts = 0 }},
		{"negative webhook retries", func(c *Config) { c.Webhook.MaxRetries = -1 }},
		{"similarity out of range", func(c *Config) { c.Idempotency.SimilarityThreshold = 101 }},
		{"empty topic", func(c *Config) { c.Redis.TransactionTopic = "" }},
		{"no partitions", func(c *Config) { c.Redis.Partitions = 0 }},
		{"smtp without recipients", func(c *Config) {
			c.Alert.SMTPHost = "mail.example.com"
			c.Alert.Recipients = nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestNewConfigAppliesOptionsLast(t *testing.T) {
	t.Setenv("TXRECOVER_PORT", "9090")

	cfg, err := NewConfig(
		WithName("txrecover-opt"),
		WithPort(9191),
		WithDatabaseURL("postgres://opt/db"),
		WithLogLevel("debug"),
	)
	require.NoError(t, err)
	assert.Equal(t, "txrecover-opt", cfg.Name)
	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, "postgres://opt/db", cfg.Database.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestNewConfigRejectsInvalidOption(t *testing.T) {
	_, err := NewConfig(WithPort(0))
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewConfig(WithName(""))
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}
