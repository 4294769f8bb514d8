package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/channel"
	"github.com/sicko7947/actionflow/runstate"
)

// Engine runs action plans one step at a time
type Engine struct {
	executors map[actionflow.StepCategory]actionflow.StepExecutor
	workflows *runstate.Manager
	notifier  channel.Sender
	logger    zerolog.Logger
	config    actionflow.ExecutionConfig
	sleep     Sleeper
}

// PlanResult summarises one ExecutePlan or ResumePlan call
type PlanResult struct {
	SessionID  string                   `json:"sessionId"`
	State      actionflow.PlanState     `json:"state"`
	Results    []*actionflow.StepResult `json:"results"`
	FailedStep string                   `json:"failedStep,omitempty"`
	Error      string                   `json:"error,omitempty"`
	ErrorCode  string                   `json:"errorCode,omitempty"`
	Duration   time.Duration            `json:"duration"`
}

// Success reports whether every step completed
func (r *PlanResult) Success() bool {
	return r.State == actionflow.PlanStateCompleted
}

// Summary is a one-line human description of the outcome
func (r *PlanResult) Summary() string {
	done := 0
	for _, res := range r.Results {
		if res.Success {
			done++
		}
	}
	if r.Success() {
		return fmt.Sprintf("Completed %d steps", done)
	}
	return fmt.Sprintf("Stopped at step %s after %d completed steps", r.FailedStep, done)
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets the retry configuration
func WithConfig(config actionflow.ExecutionConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithWorkflowManager persists every run through the workflow manager
func WithWorkflowManager(m *runstate.Manager) EngineOption {
	return func(e *Engine) {
		e.workflows = m
	}
}

// WithNotifier sends step progress and final results to the user
func WithNotifier(sender channel.Sender) EngineOption {
	return func(e *Engine) {
		e.notifier = sender
	}
}

// WithExecutor registers the executor for a step category
func WithExecutor(category actionflow.StepCategory, exec actionflow.StepExecutor) EngineOption {
	return func(e *Engine) {
		e.executors[category] = exec
	}
}

// NewEngine creates a new plan engine with optional configuration
// If no logger is provided, a default stdout logger with Info level is used
func NewEngine(opts ...EngineOption) *Engine {
	// Default logger: pretty console output, Info level
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		executors: make(map[actionflow.StepCategory]actionflow.StepExecutor),
		logger:    defaultLogger,
		config:    actionflow.DefaultExecutionConfig,
		sleep:     contextSleep,
	}

	for _, opt := range opts {
		opt(eng)
	}

	return eng
}

// RegisterExecutor registers exec for every listed category
func (e *Engine) RegisterExecutor(exec actionflow.StepExecutor, categories ...actionflow.StepCategory) {
	for _, c := range categories {
		e.executors[c] = exec
	}
}

// ExecutePlan validates the plan and runs it to completion or first failure.
// Steps already COMPLETED in ec are skipped. Validation failures are returned
// as errors before any step runs; step failures are reported in the result.
func (e *Engine) ExecutePlan(ctx context.Context, plan *actionflow.ActionPlan, ec *actionflow.ExecutionContext) (*PlanResult, error) {
	if err := plan.Validate(); err != nil {
		e.logger.Error().Err(err).Str("session_id", ec.SessionID).Msg("Plan rejected")
		return nil, err
	}

	if e.workflows != nil {
		if _, err := e.workflows.CreateWorkflow(ctx, ec, plan); err != nil {
			return nil, fmt.Errorf("failed to persist workflow: %w", err)
		}
	}

	logger := actionflow.SessionLogger(e.logger, ec.SessionID, ec.UserID)
	actionflow.LogPlanStarted(logger, ec.SessionID, ec.UserID, len(plan.Steps))
	logger.Debug().Str("steps", DescribePlan(plan)).Msg("Execution order")
	return e.run(ctx, plan, ec, logger), nil
}

// ResumePlan reloads a persisted run and continues from its first
// non-completed step
func (e *Engine) ResumePlan(ctx context.Context, sessionID string) (*PlanResult, error) {
	if e.workflows == nil {
		return nil, actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState, "resume requires a workflow manager")
	}

	state, err := e.workflows.GetWorkflow(ctx, sessionID)
	if err != nil {
		if errors.Is(err, actionflow.ErrNotFound) {
			return nil, actionflow.NewWorkflowError(actionflow.ErrCodeNotFound, fmt.Sprintf("workflow %s not found", sessionID)).WithCause(err)
		}
		return nil, err
	}
	if state.Status.IsTerminal() {
		return nil, actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState,
			fmt.Sprintf("workflow %s is already %s", sessionID, state.Status))
	}
	if state.Plan == nil {
		return nil, actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState, fmt.Sprintf("workflow %s has no plan", sessionID))
	}
	if err := state.Plan.Validate(); err != nil {
		return nil, err
	}

	if state.Status == actionflow.WorkflowStatusWaitingIntervention {
		if _, err := e.workflows.ClearInterventionState(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to clear intervention state: %w", err)
		}
	}

	ec := actionflow.ContextFromState(state)
	logger := actionflow.SessionLogger(e.logger, ec.SessionID, ec.UserID)
	logger.Info().
		Str("event", actionflow.EventPlanResumed).
		Int("current_step_index", state.CurrentStepIndex).
		Msg("Plan resumed")
	return e.run(ctx, state.Plan, ec, logger), nil
}

func (e *Engine) run(ctx context.Context, plan *actionflow.ActionPlan, ec *actionflow.ExecutionContext, logger zerolog.Logger) *PlanResult {
	start := time.Now()
	out := &PlanResult{SessionID: ec.SessionID}

	plan.State = actionflow.PlanStateRunning
	ec.PlanState = actionflow.PlanStateRunning

	for i, step := range plan.Steps {
		if _, done := ec.CompletedResult(step.ID); done {
			step.State = actionflow.StepStateCompleted
			continue
		}

		if err := ctx.Err(); err != nil {
			return e.stop(ctx, plan, ec, out, start, step.ID, actionflow.PlanStateCancelled,
				actionflow.ErrCodeCancelled, "plan cancelled: "+err.Error(), logger)
		}

		plan.CurrentStepIndex = i
		ec.CurrentStepIndex = i
		result := e.runStep(ctx, step, ec, logger)
		out.Results = append(out.Results, result)

		step.State = result.State
		ec.RecordResult(result)
		e.persistResult(ctx, ec, result, logger)
		e.notifyStep(ctx, plan, ec, i, result, logger)

		if !result.Success {
			return e.stop(ctx, plan, ec, out, start, step.ID, actionflow.PlanStateFailed, result.ErrorCode, result.Error, logger)
		}
	}

	plan.State = actionflow.PlanStateCompleted
	plan.CurrentStepIndex = len(plan.Steps)
	ec.PlanState = actionflow.PlanStateCompleted
	ec.CurrentStepIndex = len(plan.Steps)
	out.State = actionflow.PlanStateCompleted
	out.Duration = time.Since(start)

	if e.workflows != nil {
		if _, err := e.workflows.CompleteWorkflow(ctx, ec.SessionID); err != nil {
			actionflow.LogPersistenceError(logger, ec.SessionID, "complete_workflow", err)
		}
	}
	actionflow.LogPlanCompleted(logger, ec.SessionID, out.Duration)
	e.notifyResult(ctx, ec, out, logger)
	return out
}

// runStep gates the step on its dependencies and executes it with retry
func (e *Engine) runStep(ctx context.Context, step *actionflow.ActionStep, ec *actionflow.ExecutionContext, logger zerolog.Logger) *actionflow.StepResult {
	stepLogger := actionflow.StepLogger(logger, step)

	resolution := ResolveDependencies(step, ec)
	if !resolution.Success {
		actionflow.LogDependencyUnresolved(stepLogger, step.ID, resolution.Error)
		return actionflow.NewFailureResult(step.ID,
			actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeDependencyUnresolved, resolution.Error, step.ID))
	}
	step.Params = resolution.UpdatedParams

	exec, ok := e.executors[step.Category]
	if !ok {
		return actionflow.NewFailureResult(step.ID, actionflow.NewWorkflowErrorWithStep(
			actionflow.ErrCodeValidation, fmt.Sprintf("no executor registered for category %q", step.Category), step.ID))
	}

	step.State = actionflow.StepStateRunning
	actionflow.LogStepStarted(stepLogger, ec.SessionID, step.ID, step.Action)
	return executeWithRetry(ctx, exec, step, ec, e.config, e.sleep, stepLogger)
}

func (e *Engine) stop(
	ctx context.Context,
	plan *actionflow.ActionPlan,
	ec *actionflow.ExecutionContext,
	out *PlanResult,
	start time.Time,
	stepID string,
	state actionflow.PlanState,
	code, message string,
	logger zerolog.Logger,
) *PlanResult {
	plan.State = state
	ec.PlanState = state
	out.State = state
	out.FailedStep = stepID
	out.Error = message
	out.ErrorCode = code
	out.Duration = time.Since(start)

	if e.workflows != nil {
		// the run must reach a terminal state even when the caller's context is gone
		if _, err := e.workflows.FailWorkflow(context.WithoutCancel(ctx), ec.SessionID, out.Error); err != nil {
			actionflow.LogPersistenceError(logger, ec.SessionID, "fail_workflow", err)
		}
	}
	actionflow.LogPlanFailed(logger, ec.SessionID, actionflow.NewWorkflowErrorWithStep(code, message, stepID))
	e.notifyResult(ctx, ec, out, logger)
	return out
}

func (e *Engine) persistResult(ctx context.Context, ec *actionflow.ExecutionContext, result *actionflow.StepResult, logger zerolog.Logger) {
	if e.workflows == nil {
		return
	}
	if _, err := e.workflows.AddStepResult(context.WithoutCancel(ctx), ec.SessionID, result); err != nil {
		actionflow.LogPersistenceError(logger, ec.SessionID, "add_step_result", err)
	}
}

func (e *Engine) notifyStep(ctx context.Context, plan *actionflow.ActionPlan, ec *actionflow.ExecutionContext, index int, result *actionflow.StepResult, logger zerolog.Logger) {
	if e.notifier == nil {
		return
	}
	payload := &channel.StepExecutionPayload{
		StepID:  result.StepID,
		Status:  result.State,
		Message: result.Message,
		Result:  result.Data,
	}
	if !result.Success {
		payload.Message = result.Error
	}
	if result.Success && index+1 < len(plan.Steps) {
		payload.NextStep = plan.Steps[index+1].ID
	}
	e.dispatch(ctx, ec, channel.NewMessage(channel.TypeStepExecution, ec.SessionID, payload), logger)
}

func (e *Engine) notifyResult(ctx context.Context, ec *actionflow.ExecutionContext, out *PlanResult, logger zerolog.Logger) {
	if e.notifier == nil {
		return
	}
	e.dispatch(ctx, ec, channel.NewMessage(channel.TypeWorkflowResult, ec.SessionID, &channel.WorkflowResultPayload{
		Success: out.Success(),
		Status:  out.State,
		Summary: out.Summary(),
		Results: out.Results,
		Error:   out.Error,
	}), logger)
}

func (e *Engine) dispatch(ctx context.Context, ec *actionflow.ExecutionContext, msg *channel.Message, logger zerolog.Logger) {
	target := channel.Target{UserID: ec.UserID, PhoneNumber: ec.PhoneNumber, Channel: ec.Channel}
	if err := e.notifier.Dispatch(context.WithoutCancel(ctx), target, msg); err != nil {
		logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to notify user")
	}
}

// DescribePlan renders the step order for logs and debugging
func DescribePlan(plan *actionflow.ActionPlan) string {
	parts := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		parts[i] = fmt.Sprintf("%s(%s/%s)", s.ID, s.Category, s.Action)
	}
	return strings.Join(parts, " -> ")
}
