package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/channel"
	"github.com/sicko7947/actionflow/provider"
)

// Ledger backends
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerDynamoDB = "dynamodb"
)

// Config is the daemon configuration file
type Config struct {
	HTTPAddr      string `yaml:"http_addr"`
	WebSocketAddr string `yaml:"websocket_addr"`
	LogLevel      string `yaml:"log_level"`

	Redis        RedisConfig          `yaml:"redis"`
	Ledger       LedgerConfig         `yaml:"ledger"`
	Twilio       channel.TwilioConfig `yaml:"twilio"`
	Provider     provider.Config      `yaml:"provider"`
	Execution    ExecutionConfig      `yaml:"execution"`
	Intervention InterventionConfig   `yaml:"intervention"`

	// AutomationActions are forwarded to the provider through the execution tracker
	AutomationActions []string `yaml:"automation_actions"`
	JanitorSchedule   string   `yaml:"janitor_schedule"`
}

// RedisConfig selects the shared ephemeral store; an empty Addr keeps state in process
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LedgerConfig selects the durable idempotency ledger
type LedgerConfig struct {
	Backend   string        `yaml:"backend"`
	DSN       string        `yaml:"dsn"`
	Table     string        `yaml:"table"`
	Region    string        `yaml:"region"`
	RecordTTL time.Duration `yaml:"record_ttl"`
}

type ExecutionConfig struct {
	MaxRetries int                        `yaml:"max_retries"`
	RetryDelay time.Duration              `yaml:"retry_delay"`
	Backoff    actionflow.BackoffStrategy `yaml:"backoff"`
}

type InterventionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a single-process configuration
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:      ":3000",
		WebSocketAddr: ":3001",
		LogLevel:      "info",
		Redis:         RedisConfig{Prefix: "actionflow:"},
		Ledger:        LedgerConfig{Backend: LedgerMemory, Table: "actionflow-executions"},
		Execution: ExecutionConfig{
			MaxRetries: actionflow.DefaultExecutionConfig.MaxRetries,
			RetryDelay: time.Duration(actionflow.DefaultExecutionConfig.RetryDelayMs) * time.Millisecond,
			Backoff:    actionflow.DefaultExecutionConfig.RetryBackoff,
		},
		Intervention: InterventionConfig{
			DefaultTimeout: actionflow.DefaultInterventionConfig.DefaultTimeout,
			PollInterval:   actionflow.DefaultInterventionConfig.PollInterval,
		},
		AutomationActions: []string{"trigger_webhook", "run_automation"},
	}
}

// LoadConfig reads path (when set), expands ${VAR} references, then applies
// ACTIONFLOW_* environment overrides
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	overrides := map[string]*string{
		"ACTIONFLOW_HTTP_ADDR":        &cfg.HTTPAddr,
		"ACTIONFLOW_WS_ADDR":          &cfg.WebSocketAddr,
		"ACTIONFLOW_LOG_LEVEL":        &cfg.LogLevel,
		"ACTIONFLOW_REDIS_ADDR":       &cfg.Redis.Addr,
		"ACTIONFLOW_REDIS_PASSWORD":   &cfg.Redis.Password,
		"ACTIONFLOW_LEDGER":           &cfg.Ledger.Backend,
		"ACTIONFLOW_LEDGER_DSN":       &cfg.Ledger.DSN,
		"ACTIONFLOW_DYNAMODB_TABLE":   &cfg.Ledger.Table,
		"ACTIONFLOW_PROVIDER_URL":     &cfg.Provider.BaseURL,
		"ACTIONFLOW_PROVIDER_API_KEY": &cfg.Provider.APIKey,
		"ACTIONFLOW_JANITOR_SCHEDULE": &cfg.JanitorSchedule,
		"TWILIO_ACCOUNT_SID":          &cfg.Twilio.AccountSID,
		"TWILIO_AUTH_TOKEN":           &cfg.Twilio.AuthToken,
		"TWILIO_FROM_NUMBER":          &cfg.Twilio.FromNumber,
	}
	for name, field := range overrides {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}
	if v, ok := lookup("ACTIONFLOW_POLL_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Intervention.PollInterval = d
		}
	}
}

// Validate checks the ledger selection and required settings
func (c *Config) Validate() error {
	c.Ledger.Backend = strings.ToLower(c.Ledger.Backend)
	switch c.Ledger.Backend {
	case "", LedgerMemory:
		c.Ledger.Backend = LedgerMemory
	case LedgerSQLite, LedgerPostgres:
		if c.Ledger.DSN == "" {
			return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, c.Ledger.Backend+" ledger requires a dsn")
		}
	case LedgerDynamoDB:
		if c.Ledger.Table == "" {
			return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "dynamodb ledger requires a table")
		}
	default:
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, fmt.Sprintf("unknown ledger backend %q", c.Ledger.Backend))
	}
	if c.Execution.MaxRetries < 1 {
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "execution.max_retries must be at least 1")
	}
	return nil
}

func (c *Config) executionConfig() actionflow.ExecutionConfig {
	return actionflow.NewExecutionConfig(
		actionflow.WithRetries(c.Execution.MaxRetries),
		actionflow.WithRetryDelay(c.Execution.RetryDelay),
		actionflow.WithBackoff(c.Execution.Backoff),
	)
}

func (c *Config) interventionConfig() actionflow.InterventionConfig {
	return actionflow.InterventionConfig{
		DefaultTimeout: c.Intervention.DefaultTimeout,
		PollInterval:   c.Intervention.PollInterval,
	}
}
