package actionflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ContextType describes where a run originated
type ContextType string

const (
	ContextTypeChat       ContextType = "chat"
	ContextTypeVoice      ContextType = "voice"
	ContextTypeAutomation ContextType = "automation"
)

// ExecutionContext is the mutable state of one plan run
type ExecutionContext struct {
	UserID      string
	PhoneNumber string
	SessionID   string
	Channel     ChannelType
	ContextType ContextType

	PlanState        PlanState
	CurrentStepIndex int
	Entities         []*Entity

	mu          sync.RWMutex
	stepResults map[string]*StepResult
	history     []*StepResult
}

// NewExecutionContext creates a context for a new run
func NewExecutionContext(sessionID, userID string, channel ChannelType) *ExecutionContext {
	return &ExecutionContext{
		SessionID:   sessionID,
		UserID:      userID,
		Channel:     channel,
		ContextType: ContextTypeChat,
		PlanState:   PlanStatePending,
		stepResults: make(map[string]*StepResult),
	}
}

// RecordResult stores the outcome of a step.
// A COMPLETED result is never replaced by a later non-completed one; every
// result is still appended to the history.
func (ec *ExecutionContext) RecordResult(result *StepResult) {
	if result == nil {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.stepResults == nil {
		ec.stepResults = make(map[string]*StepResult)
	}
	ec.history = append(ec.history, result)

	if prev, ok := ec.stepResults[result.StepID]; ok && prev.State == StepStateCompleted && result.State != StepStateCompleted {
		return
	}
	ec.stepResults[result.StepID] = result
}

// Result returns the latest recorded result for a step
func (ec *ExecutionContext) Result(stepID string) (*StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.stepResults[stepID]
	return r, ok
}

// CompletedResult returns the step result only if it is COMPLETED
func (ec *ExecutionContext) CompletedResult(stepID string) (*StepResult, bool) {
	r, ok := ec.Result(stepID)
	if !ok || r.State != StepStateCompleted {
		return nil, false
	}
	return r, true
}

// Results returns a snapshot of the per-step result map
func (ec *ExecutionContext) Results() map[string]*StepResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]*StepResult, len(ec.stepResults))
	for k, v := range ec.stepResults {
		out[k] = v
	}
	return out
}

// History returns every recorded result in order
func (ec *ExecutionContext) History() []*StepResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]*StepResult(nil), ec.history...)
}

// FindEntity returns the first entity matching type and value (case-insensitive)
func (ec *ExecutionContext) FindEntity(entityType EntityType, value string) *Entity {
	for _, e := range ec.Entities {
		if e.Type == entityType && strings.EqualFold(e.Value, value) {
			return e
		}
	}
	return nil
}

// Clone creates an independent copy of the context
func (ec *ExecutionContext) Clone() *ExecutionContext {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	c := &ExecutionContext{
		UserID:           ec.UserID,
		PhoneNumber:      ec.PhoneNumber,
		SessionID:        ec.SessionID,
		Channel:          ec.Channel,
		ContextType:      ec.ContextType,
		PlanState:        ec.PlanState,
		CurrentStepIndex: ec.CurrentStepIndex,
		stepResults:      make(map[string]*StepResult, len(ec.stepResults)),
		history:          append([]*StepResult(nil), ec.history...),
	}
	for k, v := range ec.stepResults {
		c.stepResults[k] = v
	}
	for _, e := range ec.Entities {
		ent := *e
		ent.Candidates = append([]string(nil), e.Candidates...)
		c.Entities = append(c.Entities, &ent)
	}
	return c
}

// ToState converts the context and its plan into the persisted form
func (ec *ExecutionContext) ToState(plan *ActionPlan) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		SessionID:        ec.SessionID,
		UserID:           ec.UserID,
		PhoneNumber:      ec.PhoneNumber,
		Channel:          ec.Channel,
		Plan:             plan,
		StepResults:      ec.Results(),
		History:          ec.History(),
		Entities:         ec.Entities,
		CurrentStepIndex: ec.CurrentStepIndex,
		Status:           WorkflowStatusRunning,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// ContextFromState rebuilds an ExecutionContext from a persisted workflow
func ContextFromState(state *WorkflowState) *ExecutionContext {
	ec := NewExecutionContext(state.SessionID, state.UserID, state.Channel)
	ec.PhoneNumber = state.PhoneNumber
	ec.CurrentStepIndex = state.CurrentStepIndex
	ec.Entities = state.Entities
	if state.Plan != nil {
		ec.PlanState = state.Plan.State
	}
	if state.Status == WorkflowStatusWaitingIntervention {
		ec.PlanState = PlanStateWaitingIntervention
	}
	for k, v := range state.StepResults {
		ec.stepResults[k] = v
	}
	ec.history = append(ec.history, state.History...)
	return ec
}

// GetResultData decodes a completed step's data into T
func GetResultData[T any](ec *ExecutionContext, stepID string) (T, error) {
	var zero T
	r, ok := ec.CompletedResult(stepID)
	if !ok {
		return zero, fmt.Errorf("step %s has no completed result", stepID)
	}
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal result for step %s: %w", stepID, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("failed to unmarshal result for step %s: %w", stepID, err)
	}
	return out, nil
}
