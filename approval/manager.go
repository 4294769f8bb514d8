// Package approval gates plans behind per-step human review. A plan becomes
// a draft, decisions are applied one at a time, and the approved subset is
// handed to the engine.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/channel"
	"github.com/sicko7947/actionflow/engine"
)

// Decision actions
const (
	ActionApproveAll  = "approve_all"
	ActionApproveStep = "approve_step"
	ActionRejectStep  = "reject_step"
	ActionModifyStep  = "modify_step"
	ActionCancelAll   = "cancel_all"
)

// DraftKey returns the store key of a pending draft
func DraftKey(sessionID string) string {
	return "workflow:draft:" + sessionID
}

// CompletedDraftKey returns the store key of a finished draft
func CompletedDraftKey(sessionID string) string {
	return "workflow:draft:completed:" + sessionID
}

// DraftExecKey returns the store key that marks a draft as claimed for execution
func DraftExecKey(sessionID string) string {
	return "workflow:draft:exec:" + sessionID
}

// PlanRunner executes an approved plan
type PlanRunner interface {
	ExecutePlan(ctx context.Context, plan *actionflow.ActionPlan, ec *actionflow.ExecutionContext) (*engine.PlanResult, error)
}

// Outcome reports what a decision led to
type Outcome struct {
	Draft     *actionflow.WorkflowDraft `json:"draft"`
	Executed  bool                      `json:"executed"`
	Cancelled bool                      `json:"cancelled"`
	Result    *engine.PlanResult        `json:"result,omitempty"`
}

// Manager owns the draft lifecycle
type Manager struct {
	store  actionflow.EphemeralStore
	sender channel.Sender
	runner PlanRunner
	ttl    actionflow.TTLConfig
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTTL overrides the draft expiries
func WithTTL(ttl actionflow.TTLConfig) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// NewManager creates an approval manager
func NewManager(store actionflow.EphemeralStore, sender channel.Sender, runner PlanRunner, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		sender: sender,
		runner: runner,
		ttl:    actionflow.DefaultTTLConfig,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateWorkflowDraft enriches every plan step for review, stores the draft
// and sends it to the user
func (m *Manager) CreateWorkflowDraft(ctx context.Context, plan *actionflow.ActionPlan, ec *actionflow.ExecutionContext) (*actionflow.WorkflowDraft, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	draft := &actionflow.WorkflowDraft{
		ID:              uuid.NewString(),
		SessionID:       ec.SessionID,
		UserID:          ec.UserID,
		PhoneNumber:     ec.PhoneNumber,
		Channel:         ec.Channel,
		OriginalMessage: plan.OriginalMessage,
		Summary:         plan.Summary,
		Entities:        ec.Entities,
		ApprovalStatus:  actionflow.ApprovalDraftPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, s := range plan.Steps {
		step := s.Clone()
		step.State = actionflow.StepStatePending
		draft.Steps = append(draft.Steps, &actionflow.ApprovalStep{
			ActionStep:      step,
			RiskLevel:       AssessRisk(step.Action),
			EstimatedTime:   EstimateTime(step),
			ExpectedOutcome: ExpectedOutcome(step),
			ApprovalStatus:  actionflow.ApprovalDraftPending,
		})
	}
	draft.Risks = risks(draft.Steps)

	// a new draft replaces the session's previous one, including its execution claim
	if err := m.store.Delete(ctx, DraftExecKey(draft.SessionID)); err != nil {
		return nil, fmt.Errorf("failed to reset draft claim for session %s: %w", draft.SessionID, err)
	}
	if err := m.save(ctx, DraftKey(draft.SessionID), draft, m.ttl.Draft); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("event", actionflow.EventDraftCreated).
		Str("session_id", draft.SessionID).
		Str("draft_id", draft.ID).
		Int("steps", len(draft.Steps)).
		Strs("risks", draft.Risks).
		Msg("Workflow draft created")

	if err := m.sender.Dispatch(ctx, target(draft), channel.NewMessage(channel.TypeWorkflowDraft, draft.SessionID, channel.NewDraftPayload(draft))); err != nil {
		return draft, fmt.Errorf("failed to deliver draft %s: %w", draft.ID, err)
	}
	return draft, nil
}

// GetDraft loads a pending draft
func (m *Manager) GetDraft(ctx context.Context, sessionID string) (*actionflow.WorkflowDraft, error) {
	return m.load(ctx, DraftKey(sessionID))
}

// GetCompletedDraft loads a finished draft kept for audit
func (m *Manager) GetCompletedDraft(ctx context.Context, sessionID string) (*actionflow.WorkflowDraft, error) {
	return m.load(ctx, CompletedDraftKey(sessionID))
}

// ProcessApproval applies one decision. Once at least one step is approved
// or modified the approved subset runs immediately; otherwise the draft is
// stored again to wait for more decisions.
func (m *Manager) ProcessApproval(ctx context.Context, sessionID string, decision *channel.DecisionPayload) (*Outcome, error) {
	if decision == nil {
		return nil, actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "decision is required")
	}
	draft, err := m.GetDraft(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if draft.ApprovalStatus != actionflow.ApprovalDraftPending {
		return nil, actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState,
			fmt.Sprintf("draft %s is %s", draft.ID, draft.ApprovalStatus))
	}

	if decision.Action == ActionCancelAll {
		return m.cancel(ctx, draft, decision.Reason)
	}
	if err := applyDecision(draft, decision); err != nil {
		return nil, err
	}
	draft.UpdatedAt = m.now()

	m.logger.Info().
		Str("event", actionflow.EventApprovalApplied).
		Str("session_id", draft.SessionID).
		Str("action", decision.Action).
		Str("step_id", decision.StepID).
		Msg("Approval decision applied")

	if !IsReadyForExecution(draft) {
		if err := m.save(ctx, DraftKey(draft.SessionID), draft, m.ttl.Draft); err != nil {
			return nil, err
		}
		return &Outcome{Draft: draft}, nil
	}

	// concurrent decisions may both see a pending draft; only one may run it
	claimed, err := m.store.SetNX(ctx, DraftExecKey(draft.SessionID), []byte(draft.ID), m.ttl.Draft)
	if err != nil {
		return nil, fmt.Errorf("failed to claim draft %s: %w", draft.ID, err)
	}
	if !claimed {
		return nil, actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState,
			fmt.Sprintf("draft %s is already executing", draft.ID))
	}

	result, err := m.execute(ctx, draft)
	if err != nil {
		return nil, err
	}
	return &Outcome{Draft: draft, Executed: true, Result: result}, nil
}

func applyDecision(draft *actionflow.WorkflowDraft, d *channel.DecisionPayload) error {
	if d.Action == ActionApproveAll {
		for _, s := range draft.Steps {
			if s.ApprovalStatus == actionflow.ApprovalDraftPending {
				s.ApprovalStatus = actionflow.ApprovalStepApproved
			}
		}
		return nil
	}

	switch d.Action {
	case ActionApproveStep, ActionRejectStep, ActionModifyStep:
	default:
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, fmt.Sprintf("unknown decision %q", d.Action))
	}
	if d.StepID == "" {
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, fmt.Sprintf("%s needs a stepId", d.Action))
	}
	step, ok := draft.Step(d.StepID)
	if !ok {
		return actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeNotFound, "step not found in draft", d.StepID)
	}

	switch d.Action {
	case ActionApproveStep:
		step.ApprovalStatus = actionflow.ApprovalStepApproved
	case ActionRejectStep:
		step.ApprovalStatus = actionflow.ApprovalStepRejected
		step.RejectionReason = d.Reason
	case ActionModifyStep:
		if len(d.Modifications) == 0 {
			return actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation, "modify_step needs modifications", d.StepID)
		}
		ModifyStep(step, d.Modifications)
	}
	return nil
}

// ModifyStep merges modifications into the step params. The params seen
// before the first modification are kept in OriginalParams for rollback.
func ModifyStep(step *actionflow.ApprovalStep, modifications map[string]any) {
	if step.OriginalParams == nil {
		step.OriginalParams = maps.Clone(step.Params)
		if step.OriginalParams == nil {
			step.OriginalParams = map[string]any{}
		}
	}
	if step.UserModifications == nil {
		step.UserModifications = make(map[string]any, len(modifications))
	}
	if step.Params == nil {
		step.Params = make(map[string]any, len(modifications))
	}
	for k, v := range modifications {
		step.Params[k] = v
		step.UserModifications[k] = v
	}
	step.ApprovalStatus = actionflow.ApprovalStepModified
}

// IsReadyForExecution reports whether at least one step is approved or modified
func IsReadyForExecution(draft *actionflow.WorkflowDraft) bool {
	for _, s := range draft.Steps {
		if s.ApprovalStatus == actionflow.ApprovalStepApproved || s.ApprovalStatus == actionflow.ApprovalStepModified {
			return true
		}
	}
	return false
}

// BuildApprovedPlan assembles the plan of approved and modified steps.
// A step referencing a step outside that set is left out too; skipped maps
// those step ids to the missing dependency.
func BuildApprovedPlan(draft *actionflow.WorkflowDraft) (plan *actionflow.ActionPlan, skipped map[string]string) {
	included := make(map[string]bool)
	for _, s := range draft.Steps {
		if s.ApprovalStatus == actionflow.ApprovalStepApproved || s.ApprovalStatus == actionflow.ApprovalStepModified {
			included[s.ID] = true
		}
	}

	skipped = make(map[string]string)
	for changed := true; changed; {
		changed = false
		for _, s := range draft.Steps {
			if !included[s.ID] {
				continue
			}
			if missing := missingReference(s.ActionStep, included); missing != "" {
				delete(included, s.ID)
				skipped[s.ID] = missing
				changed = true
			}
		}
	}

	plan = &actionflow.ActionPlan{
		OriginalMessage: draft.OriginalMessage,
		Summary:         draft.Summary,
		State:           actionflow.PlanStatePending,
	}
	for _, s := range draft.Steps {
		if included[s.ID] {
			step := s.ActionStep.Clone()
			step.State = actionflow.StepStatePending
			plan.Steps = append(plan.Steps, step)
		}
	}
	return plan, skipped
}

func missingReference(step *actionflow.ActionStep, included map[string]bool) string {
	for _, dep := range step.DependsOn {
		if !included[dep] {
			return dep
		}
	}
	for _, req := range step.Requires {
		if !included[req.StepID] {
			return req.StepID
		}
	}
	return ""
}

func (m *Manager) execute(ctx context.Context, draft *actionflow.WorkflowDraft) (*engine.PlanResult, error) {
	plan, skipped := BuildApprovedPlan(draft)
	for id, missing := range skipped {
		step, _ := draft.Step(id)
		step.State = actionflow.StepStateSkipped
		step.Result = actionflow.NewFailureResult(id, actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeDependencyUnresolved,
			fmt.Sprintf("depends on step %s which was not approved", missing), id))
	}

	draft.ApprovalStatus = actionflow.ApprovalExecuting
	if err := m.save(ctx, DraftKey(draft.SessionID), draft, m.ttl.Draft); err != nil {
		return nil, err
	}

	var (
		result *engine.PlanResult
		runErr error
	)
	if len(plan.Steps) == 0 {
		runErr = actionflow.NewWorkflowError(actionflow.ErrCodeDependencyUnresolved, "no approved step can run without a rejected or pending step")
	} else {
		ec := actionflow.NewExecutionContext(draft.SessionID, draft.UserID, draft.Channel)
		ec.PhoneNumber = draft.PhoneNumber
		ec.Entities = draft.Entities
		result, runErr = m.runner.ExecutePlan(ctx, plan, ec)
	}

	m.finish(draft, result, runErr)

	persistCtx := context.WithoutCancel(ctx)
	if err := m.save(persistCtx, CompletedDraftKey(draft.SessionID), draft, m.ttl.CompletedDraft); err != nil {
		actionflow.LogPersistenceError(m.logger, draft.SessionID, "save_completed_draft", err)
	}
	if err := m.store.Delete(persistCtx, DraftKey(draft.SessionID)); err != nil {
		actionflow.LogPersistenceError(m.logger, draft.SessionID, "delete_draft", err)
	}

	if runErr != nil {
		// the engine never started, so nobody has told the user yet
		m.notify(persistCtx, draft, &channel.WorkflowResultPayload{
			Success: false,
			Status:  actionflow.PlanStateFailed,
			Summary: "The approved steps could not be started",
			Error:   actionflow.ErrorMessage(runErr),
		})
		return nil, runErr
	}
	return result, nil
}

func (m *Manager) finish(draft *actionflow.WorkflowDraft, result *engine.PlanResult, runErr error) {
	now := m.now()
	draft.UpdatedAt = now
	draft.CompletedAt = &now
	draft.ApprovalStatus = actionflow.ApprovalFailed
	if result == nil || runErr != nil {
		return
	}
	if result.Success() {
		draft.ApprovalStatus = actionflow.ApprovalCompleted
	}
	for _, r := range result.Results {
		if step, ok := draft.Step(r.StepID); ok {
			step.Result = r
			step.State = r.State
		}
	}
}

func (m *Manager) cancel(ctx context.Context, draft *actionflow.WorkflowDraft, reason string) (*Outcome, error) {
	if err := m.store.Delete(ctx, DraftKey(draft.SessionID)); err != nil {
		return nil, fmt.Errorf("failed to delete draft %s: %w", draft.ID, err)
	}
	now := m.now()
	draft.ApprovalStatus = actionflow.ApprovalUserCancelled
	draft.UpdatedAt = now
	draft.CompletedAt = &now

	m.logger.Info().
		Str("event", actionflow.EventApprovalApplied).
		Str("session_id", draft.SessionID).
		Str("action", ActionCancelAll).
		Str("reason", reason).
		Msg("Workflow draft cancelled")

	summary := "Workflow cancelled"
	if reason != "" {
		summary += ": " + reason
	}
	m.notify(ctx, draft, &channel.WorkflowResultPayload{
		Success: false,
		Status:  actionflow.PlanStateCancelled,
		Summary: summary,
	})
	return &Outcome{Draft: draft, Cancelled: true}, nil
}

func (m *Manager) notify(ctx context.Context, draft *actionflow.WorkflowDraft, payload *channel.WorkflowResultPayload) {
	if err := m.sender.Dispatch(ctx, target(draft), channel.NewMessage(channel.TypeWorkflowResult, draft.SessionID, payload)); err != nil {
		m.logger.Warn().
			Str("session_id", draft.SessionID).
			Err(err).
			Msg("Failed to deliver workflow result")
	}
}

func (m *Manager) save(ctx context.Context, key string, draft *actionflow.WorkflowDraft, ttl time.Duration) error {
	data, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("failed to encode draft %s: %w", draft.ID, err)
	}
	if err := m.store.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("failed to save draft %s: %w", draft.ID, err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, key string) (*actionflow.WorkflowDraft, error) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, actionflow.ErrNotFound) {
			return nil, actionflow.NewWorkflowError(actionflow.ErrCodeNotFound, fmt.Sprintf("no draft at %s", key)).WithCause(err)
		}
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	var draft actionflow.WorkflowDraft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, fmt.Errorf("failed to decode draft: %w", err)
	}
	return &draft, nil
}

func target(draft *actionflow.WorkflowDraft) channel.Target {
	return channel.Target{UserID: draft.UserID, PhoneNumber: draft.PhoneNumber, Channel: draft.Channel}
}
