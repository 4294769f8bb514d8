package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/tracker"
)

// AutomationExecutor runs automation triggers at most once per idempotency key.
// The key is params["idempotencyKey"] when present, otherwise session:step.
type AutomationExecutor struct {
	actions *ActionExecutor
	tracker *tracker.Tracker
}

// NewAutomationExecutor wraps trigger handlers with the execution tracker
func NewAutomationExecutor(t *tracker.Tracker) *AutomationExecutor {
	return &AutomationExecutor{
		actions: NewActionExecutor(),
		tracker: t,
	}
}

// Handle registers the trigger handler for an action name
func (a *AutomationExecutor) Handle(action string, h actionflow.ActionHandler) *AutomationExecutor {
	a.actions.Handle(action, h)
	return a
}

// IdempotencyKey returns the ledger key used for a step
func IdempotencyKey(step *actionflow.ActionStep, ec *actionflow.ExecutionContext) string {
	if key, ok := step.Params["idempotencyKey"].(string); ok && key != "" {
		return key
	}
	return fmt.Sprintf("%s:%s", ec.SessionID, step.ID)
}

// ExecuteStep implements actionflow.StepExecutor
func (a *AutomationExecutor) ExecuteStep(ctx context.Context, step *actionflow.ActionStep, ec *actionflow.ExecutionContext) *actionflow.StepResult {
	var inner *actionflow.StepResult
	res, err := a.tracker.ExecuteIdempotent(ctx, tracker.Options{
		IdempotencyKey: IdempotencyKey(step, ec),
		WorkflowID:     step.Action,
		WorkflowName:   step.Description,
		UserID:         ec.UserID,
		Actor:          ec.SessionID,
		Parameters:     step.Params,
	}, func(ctx context.Context) (any, error) {
		inner = a.actions.ExecuteStep(ctx, step, ec)
		if !inner.Success {
			return nil, &stepFailure{result: inner}
		}
		return inner.Data, nil
	})
	if err != nil {
		var failure *stepFailure
		if errors.As(err, &failure) {
			return failure.result
		}
		return actionflow.NewFailureResult(step.ID, err)
	}

	if !res.Cached {
		return inner
	}

	var data any
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &data); err != nil {
			return actionflow.NewFailureResult(step.ID, fmt.Errorf("failed to decode cached result: %w", err))
		}
	}
	return actionflow.NewSuccessResult(step.ID, data, fmt.Sprintf("%s already executed", step.Action))
}

// stepFailure carries a failed handler result through the tracker unchanged
type stepFailure struct {
	result *actionflow.StepResult
}

func (f *stepFailure) Error() string {
	return f.result.Error
}
