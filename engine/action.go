package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sicko7947/actionflow"
)

// ActionExecutor dispatches data-mutating steps to named action handlers
type ActionExecutor struct {
	mu       sync.RWMutex
	handlers map[string]actionflow.ActionHandler
}

// NewActionExecutor creates an executor with no handlers
func NewActionExecutor() *ActionExecutor {
	return &ActionExecutor{handlers: make(map[string]actionflow.ActionHandler)}
}

// Handle registers the handler for an action name
func (a *ActionExecutor) Handle(action string, h actionflow.ActionHandler) *ActionExecutor {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[action] = h
	return a
}

// ExecuteStep implements actionflow.StepExecutor
func (a *ActionExecutor) ExecuteStep(ctx context.Context, step *actionflow.ActionStep, ec *actionflow.ExecutionContext) *actionflow.StepResult {
	a.mu.RLock()
	h, ok := a.handlers[step.Action]
	a.mu.RUnlock()
	if !ok {
		return actionflow.NewFailureResult(step.ID,
			actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation, fmt.Sprintf("unsupported action %q", step.Action), step.ID))
	}

	data, err := h(ctx, step.Params, ec)
	if err != nil {
		return actionflow.NewFailureResult(step.ID, err)
	}
	return actionflow.NewSuccessResult(step.ID, data, resultMessage(step, data))
}

func resultMessage(step *actionflow.ActionStep, data any) string {
	if m, ok := data.(actionflow.ResultMessage); ok {
		return m.ResultMessage()
	}
	if step.Description != "" {
		return step.Description
	}
	return fmt.Sprintf("%s completed", step.Action)
}
