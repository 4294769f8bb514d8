package actionflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Error codes
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeDependencyUnresolved = "DEPENDENCY_UNRESOLVED"
	ErrCodeCircularDependency   = "CIRCULAR_DEPENDENCY"
	ErrCodeExecutionFailed      = "EXECUTION_FAILED"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeChannelDisconnected  = "CHANNEL_DISCONNECTED"
	ErrCodeIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	ErrCodeInvalidState         = "INVALID_STATE"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodePanic                = "PANIC"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

// Store contract errors
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrStatusMismatch   = errors.New("status mismatch")
	ErrWorkflowTerminal = errors.New("workflow is in a terminal state")
)

// WorkflowError represents a run-scoped error
type WorkflowError struct {
	Message   string         `json:"message" dynamodbav:"message"`
	Code      string         `json:"code" dynamodbav:"code"`
	Step      string         `json:"step,omitempty" dynamodbav:"step,omitempty"`
	Timestamp time.Time      `json:"timestamp" dynamodbav:"timestamp"`
	Details   map[string]any `json:"details,omitempty" dynamodbav:"details,omitempty"`
	cause     error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step: %s)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any
func (e *WorkflowError) Unwrap() error {
	return e.cause
}

// NewWorkflowError creates a new workflow error
func NewWorkflowError(code, message string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewWorkflowErrorWithStep creates a new workflow error with step context
func NewWorkflowErrorWithStep(code, message, step string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Step:      step,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to the error
func (e *WorkflowError) WithDetails(details map[string]any) *WorkflowError {
	e.Details = details
	return e
}

// WithCause attaches an underlying error reachable through errors.Is/As
func (e *WorkflowError) WithCause(err error) *WorkflowError {
	e.cause = err
	return e
}

// StepError represents an error during step execution
type StepError struct {
	Message   string         `json:"message" dynamodbav:"message"`
	Code      string         `json:"code" dynamodbav:"code"`
	StepID    string         `json:"stepId" dynamodbav:"step_id"`
	Timestamp time.Time      `json:"timestamp" dynamodbav:"timestamp"`
	Attempt   int            `json:"attempt" dynamodbav:"attempt"`
	Details   map[string]any `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// Error implements the error interface
func (e *StepError) Error() string {
	return fmt.Sprintf("[%s] %s (step: %s, attempt: %d)", e.Code, e.Message, e.StepID, e.Attempt)
}

// NewStepError creates a new step error
func NewStepError(code, message, stepID string, attempt int) *StepError {
	return &StepError{
		Message:   message,
		Code:      code,
		StepID:    stepID,
		Timestamp: time.Now(),
		Attempt:   attempt,
	}
}

// ErrorCode extracts the code from a coded error, or "" for plain errors
func ErrorCode(err error) string {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// ErrorMessage returns the message of a coded error without its code
// prefix, or err.Error() for plain errors
func ErrorMessage(err error) string {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Message
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

var serverErrorPattern = regexp.MustCompile(`\b5\d\d\b`)

var retryableIndicators = []string{
	"timeout",
	"timed out",
	"network",
	"connection",
}

// IsRetryableError classifies a failure message as transient.
// Matches 5xx status codes and timeout/network/connection indicators.
func IsRetryableError(message string) bool {
	if message == "" {
		return false
	}
	msg := strings.ToLower(message)
	for _, indicator := range retryableIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return serverErrorPattern.MatchString(msg)
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if HasCode(err, ErrCodeTimeout) {
		return true
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "context deadline exceeded")
}
