package actionflow

import "time"

// ExecutionConfig holds step-level execution parameters
type ExecutionConfig struct {
	// MaxRetries is the total number of attempts made for a retryable failure
	MaxRetries   int
	RetryDelayMs int
	RetryBackoff BackoffStrategy
}

// BackoffStrategy defines retry backoff behavior
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	BackoffNone        BackoffStrategy = "NONE"
)

// DefaultExecutionConfig waits attempt*2s between attempts, two attempts total
var DefaultExecutionConfig = ExecutionConfig{
	MaxRetries:   2,
	RetryDelayMs: 2000,
	RetryBackoff: BackoffLinear,
}

// TTLConfig holds expiry windows for the ephemeral store key space
type TTLConfig struct {
	Draft                 time.Duration
	CompletedDraft        time.Duration
	Workflow              time.Duration
	ActiveIndex           time.Duration
	EntityCache           time.Duration
	InterventionRetention time.Duration
}

// DefaultTTLConfig provides the standard key expiries
var DefaultTTLConfig = TTLConfig{
	Draft:                 2 * time.Hour,
	CompletedDraft:        24 * time.Hour,
	Workflow:              time.Hour,
	ActiveIndex:           time.Hour,
	EntityCache:           time.Hour,
	InterventionRetention: 5 * time.Minute,
}

// InterventionConfig controls how long and how often runs wait for humans
type InterventionConfig struct {
	DefaultTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultInterventionConfig polls every 2 seconds as a fallback to pub/sub wake-ups
var DefaultInterventionConfig = InterventionConfig{
	DefaultTimeout: 5 * time.Minute,
	PollInterval:   2 * time.Second,
}

// ConfigOption allows functional configuration of ExecutionConfig
type ConfigOption func(*ExecutionConfig)

// WithRetries sets the total number of attempts
func WithRetries(max int) ConfigOption {
	return func(c *ExecutionConfig) {
		c.MaxRetries = max
	}
}

// WithRetryDelay sets the base retry delay
func WithRetryDelay(d time.Duration) ConfigOption {
	return func(c *ExecutionConfig) {
		c.RetryDelayMs = int(d.Milliseconds())
	}
}

// WithBackoff sets the retry backoff strategy
func WithBackoff(strategy BackoffStrategy) ConfigOption {
	return func(c *ExecutionConfig) {
		c.RetryBackoff = strategy
	}
}

// NewExecutionConfig applies options on top of DefaultExecutionConfig
func NewExecutionConfig(opts ...ConfigOption) ExecutionConfig {
	cfg := DefaultExecutionConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
