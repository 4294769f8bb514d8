package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/actionflow"
)

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// codes that describe a settled outcome rather than a transient fault
var nonRetryableCodes = map[string]bool{
	actionflow.ErrCodeValidation:           true,
	actionflow.ErrCodeDependencyUnresolved: true,
	actionflow.ErrCodeChannelDisconnected:  true,
	actionflow.ErrCodeIdempotencyConflict:  true,
	actionflow.ErrCodeCancelled:            true,
	actionflow.ErrCodePanic:                true,
}

// ShouldRetry reports whether a failed result is worth another attempt
func ShouldRetry(result *actionflow.StepResult) bool {
	if result == nil || result.Success {
		return false
	}
	if result.State == actionflow.StepStateTimeout || nonRetryableCodes[result.ErrorCode] {
		return false
	}
	return actionflow.IsRetryableError(result.Error)
}

// ExecuteWithRetry runs the step through exec, retrying transient failures.
// cfg.MaxRetries is the total attempt budget; non-retryable failures return
// after one attempt. The returned result carries the last observed error.
func ExecuteWithRetry(
	ctx context.Context,
	exec actionflow.StepExecutor,
	step *actionflow.ActionStep,
	ec *actionflow.ExecutionContext,
	cfg actionflow.ExecutionConfig,
	logger zerolog.Logger,
) *actionflow.StepResult {
	return executeWithRetry(ctx, exec, step, ec, cfg, contextSleep, logger)
}

func executeWithRetry(
	ctx context.Context,
	exec actionflow.StepExecutor,
	step *actionflow.ActionStep,
	ec *actionflow.ExecutionContext,
	cfg actionflow.ExecutionConfig,
	sleep Sleeper,
	logger zerolog.Logger,
) *actionflow.StepResult {
	maxAttempts := cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result *actionflow.StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := actionflow.CalculateBackoff(cfg.RetryDelayMs, attempt-1, cfg.RetryBackoff)
			actionflow.LogStepRetrying(logger, step.ID, attempt, delay)
			if err := sleep(ctx, delay); err != nil {
				result.Attempts = attempt - 1
				return result
			}
		}

		start := time.Now()
		result = runAttempt(ctx, exec, step, ec, attempt, logger)
		result.Attempts = attempt
		duration := time.Since(start)

		if result.Success {
			actionflow.LogStepCompleted(logger, step.ID, attempt, duration.Milliseconds())
			return result
		}

		logger.Error().
			Str("error", result.Error).
			Int("attempt", attempt).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("Step attempt failed")

		if !ShouldRetry(result) {
			break
		}
	}

	actionflow.LogStepFailed(logger, step.ID, result.Error, result.Attempts)
	return result
}

// runAttempt calls the executor once, converting panics and nil results into failures
func runAttempt(
	ctx context.Context,
	exec actionflow.StepExecutor,
	step *actionflow.ActionStep,
	ec *actionflow.ExecutionContext,
	attempt int,
	logger zerolog.Logger,
) (result *actionflow.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Step panicked")
			result = actionflow.NewFailureResult(step.ID,
				actionflow.NewStepError(actionflow.ErrCodePanic, fmt.Sprintf("step panicked: %v", r), step.ID, attempt))
		}
	}()

	result = exec.ExecuteStep(ctx, step, ec)
	if result == nil {
		result = actionflow.NewFailureResult(step.ID,
			actionflow.NewStepError(actionflow.ErrCodeInternalError, "executor returned no result", step.ID, attempt))
	}
	if result.StepID == "" {
		result.StepID = step.ID
	}
	return result
}
