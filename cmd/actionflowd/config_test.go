package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/actionflow"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, LedgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, actionflow.DefaultExecutionConfig, cfg.executionConfig())
	assert.Equal(t, 2*time.Second, cfg.interventionConfig().PollInterval)
}

func TestLoadConfig_File(t *testing.T) {
	t.Setenv("TEST_LEDGER_DSN", "file:ledger.db")
	path := filepath.Join(t.TempDir(), "actionflowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":8080"
redis:
  addr: "localhost:6379"
ledger:
  backend: SQLite
  dsn: "${TEST_LEDGER_DSN}"
provider:
  base_url: "http://gateway:9000"
  timeout: 3s
execution:
  max_retries: 3
  retry_delay: 500ms
  backoff: EXPONENTIAL
intervention:
  poll_interval: 1s
automation_actions: [trigger_webhook]
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":3001", cfg.WebSocketAddr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, LedgerSQLite, cfg.Ledger.Backend)
	assert.Equal(t, "file:ledger.db", cfg.Ledger.DSN)
	assert.Equal(t, 3*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, []string{"trigger_webhook"}, cfg.AutomationActions)

	exec := cfg.executionConfig()
	assert.Equal(t, 3, exec.MaxRetries)
	assert.Equal(t, 500, exec.RetryDelayMs)
	assert.Equal(t, actionflow.BackoffExponential, exec.RetryBackoff)
	assert.Equal(t, time.Second, cfg.interventionConfig().PollInterval)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ACTIONFLOW_HTTP_ADDR":     ":9999",
		"ACTIONFLOW_LEDGER":        "dynamodb",
		"ACTIONFLOW_POLL_INTERVAL": "250ms",
		"TWILIO_ACCOUNT_SID":       "AC123",
		"ACTIONFLOW_WS_ADDR":       "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	applyEnv(cfg, lookup)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, ":3001", cfg.WebSocketAddr, "empty values are ignored")
	assert.Equal(t, "dynamodb", cfg.Ledger.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Intervention.PollInterval)
	assert.Equal(t, "AC123", cfg.Twilio.AccountSID)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Ledger.Backend = "cassandra" }},
		{"sqlite without dsn", func(c *Config) { c.Ledger.Backend = LedgerSQLite }},
		{"postgres without dsn", func(c *Config) { c.Ledger.Backend = LedgerPostgres }},
		{"dynamodb without table", func(c *Config) { c.Ledger.Backend = LedgerDynamoDB; c.Ledger.Table = "" }},
		{"no attempts", func(c *Config) { c.Execution.MaxRetries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, actionflow.ErrCodeValidation, actionflow.ErrorCode(err))
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
