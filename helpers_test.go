package actionflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPtr(t *testing.T) {
	ptr := ToPtr(42)
	if ptr == nil {
		t.Fatal("ToPtr returned nil")
	}
	if *ptr != 42 {
		t.Errorf("ToPtr() = %v, want %v", *ptr, 42)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name        string
		baseDelayMs int
		attempt     int
		strategy    BackoffStrategy
		want        time.Duration
	}{
		{"attempt 0 returns 0", 2000, 0, BackoffLinear, 0},
		{"linear attempt 1", 2000, 1, BackoffLinear, 2 * time.Second},
		{"linear attempt 3", 2000, 3, BackoffLinear, 6 * time.Second},
		{"exponential attempt 1", 100, 1, BackoffExponential, 100 * time.Millisecond},
		{"exponential attempt 4", 100, 4, BackoffExponential, 800 * time.Millisecond},
		{"none", 1000, 5, BackoffNone, 0},
		{"unknown defaults to linear", 1000, 2, BackoffStrategy("BOGUS"), 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateBackoff(tt.baseDelayMs, tt.attempt, tt.strategy)
			if got != tt.want {
				t.Errorf("CalculateBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnmarshal_Empty(t *testing.T) {
	_, err := Unmarshal[WorkflowState](nil)
	assert.Error(t, err)
}

func TestNormalizeJSON(t *testing.T) {
	type payload struct {
		Count int `json:"count"`
	}

	out, err := NormalizeJSON(payload{Count: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(3)}, out)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"provider returned 503", true},
		{"HTTP 500 Internal Server Error", true},
		{"request Timeout", true},
		{"network unreachable", true},
		{"Connection reset by peer", true},
		{"invalid email address", false},
		{"status 404", false},
		{"order 5000 not found", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.msg))
		})
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeTimeout, ErrorCode(NewWorkflowError(ErrCodeTimeout, "x")))
	assert.Equal(t, ErrCodePanic, ErrorCode(NewStepError(ErrCodePanic, "boom", "s1", 1)))
	assert.Equal(t, "", ErrorCode(assert.AnError))
	assert.True(t, HasCode(NewWorkflowError(ErrCodeCancelled, "x"), ErrCodeCancelled))
}

func TestWorkflowError_Unwrap(t *testing.T) {
	err := NewWorkflowError(ErrCodeNotFound, "missing").WithCause(ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "[NOT_FOUND] missing", err.Error())
}

func TestNewFailureResult(t *testing.T) {
	r := NewFailureResult("s1", NewWorkflowError(ErrCodeDependencyUnresolved, "nope"))
	assert.False(t, r.Success)
	assert.Equal(t, StepStateFailed, r.State)
	assert.Equal(t, ErrCodeDependencyUnresolved, r.ErrorCode)

	plain := NewFailureResult("s1", assert.AnError)
	assert.Equal(t, ErrCodeExecutionFailed, plain.ErrorCode)
}

func TestDefaultConfigs(t *testing.T) {
	assert.Equal(t, 2, DefaultExecutionConfig.MaxRetries)
	assert.Equal(t, 2000, DefaultExecutionConfig.RetryDelayMs)
	assert.Equal(t, BackoffLinear, DefaultExecutionConfig.RetryBackoff)

	assert.Equal(t, 2*time.Hour, DefaultTTLConfig.Draft)
	assert.Equal(t, 24*time.Hour, DefaultTTLConfig.CompletedDraft)
	assert.Equal(t, time.Hour, DefaultTTLConfig.Workflow)
	assert.Equal(t, 2*time.Second, DefaultInterventionConfig.PollInterval)

	cfg := NewExecutionConfig(WithRetries(4), WithRetryDelay(10*time.Millisecond), WithBackoff(BackoffNone))
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 10, cfg.RetryDelayMs)
	assert.Equal(t, BackoffNone, cfg.RetryBackoff)
}
