package actionflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// StepExecutor runs one category of plan step and reports a StepResult.
// Implementations report failures through the result, never by panicking.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step *ActionStep, ec *ExecutionContext) *StepResult
}

// StepExecutorFunc adapts a function to StepExecutor
type StepExecutorFunc func(ctx context.Context, step *ActionStep, ec *ExecutionContext) *StepResult

// ExecuteStep implements StepExecutor
func (f StepExecutorFunc) ExecuteStep(ctx context.Context, step *ActionStep, ec *ExecutionContext) *StepResult {
	return f(ctx, step, ec)
}

// ActionHandler performs one named action with already-resolved params
type ActionHandler func(ctx context.Context, params map[string]any, ec *ExecutionContext) (any, error)

// TypedStepHandler is the user-defined function signature for typed actions
type TypedStepHandler[TIn, TOut any] func(ctx context.Context, input TIn, ec *ExecutionContext) (TOut, error)

// TypedHandler adapts a typed handler into an ActionHandler.
// Params are decoded into TIn through JSON; the output is returned as-is.
func TypedHandler[TIn, TOut any](handler TypedStepHandler[TIn, TOut]) ActionHandler {
	return func(ctx context.Context, params map[string]any, ec *ExecutionContext) (any, error) {
		input, err := DecodeParams[TIn](params)
		if err != nil {
			return nil, NewWorkflowError(ErrCodeValidation, err.Error())
		}
		return handler(ctx, input, ec)
	}
}

// DecodeParams converts a params map into a typed struct
func DecodeParams[T any](params map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return out, nil
}

// ResultMessage is implemented by handler outputs that carry their own message
type ResultMessage interface {
	ResultMessage() string
}
