// Package runstate persists in-flight plan runs in the ephemeral store and
// keeps a per-user index of active sessions.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/actionflow"
)

const (
	workflowKeyPrefix = "workflow:"
	activeKeyPrefix   = "workflows:"
	activeKeySuffix   = ":active"
)

// WorkflowKey returns the store key of a session's run state
func WorkflowKey(sessionID string) string {
	return workflowKeyPrefix + sessionID
}

// ActiveIndexKey returns the store key of a user's active session set
func ActiveIndexKey(userID string) string {
	return activeKeyPrefix + userID + activeKeySuffix
}

// Manager reads and mutates WorkflowState records
type Manager struct {
	store  actionflow.EphemeralStore
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

// WithTTL overrides the workflow and index expiries
func WithTTL(ttl actionflow.TTLConfig) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// NewManager creates a workflow manager over the given store
func NewManager(store actionflow.EphemeralStore, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		ttl:   actionflow.DefaultTTLConfig,
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

// CreateWorkflow persists a fresh run and adds it to the user's active index
func (m *Manager) CreateWorkflow(ctx context.Context, ec *actionflow.ExecutionContext, plan *actionflow.ActionPlan) (*actionflow.WorkflowState, error) {
	state := ec.ToState(plan)
	now := m.now()
	state.CreatedAt = now
	state.UpdatedAt = now

	if err := m.save(ctx, state); err != nil {
		return nil, err
	}
	if err := m.store.AddToSet(ctx, ActiveIndexKey(state.UserID), state.SessionID, m.ttl.ActiveIndex); err != nil {
		return nil, fmt.Errorf("failed to index workflow %s: %w", state.SessionID, err)
	}
	return state, nil
}

// GetWorkflow loads a run; missing or expired runs return ErrNotFound
func (m *Manager) GetWorkflow(ctx context.Context, sessionID string) (*actionflow.WorkflowState, error) {
	data, err := m.store.Get(ctx, WorkflowKey(sessionID))
	if err != nil {
		if errors.Is(err, actionflow.ErrNotFound) {
			return nil, fmt.Errorf("workflow %s: %w", sessionID, actionflow.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load workflow %s: %w", sessionID, err)
	}
	var state actionflow.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", sessionID, err)
	}
	return &state, nil
}

// AddStepResult records a result and advances the next-step index.
// The index is a scan over dependsOn only; the engine's resolver still gates
// every step before it runs.
func (m *Manager) AddStepResult(ctx context.Context, sessionID string, result *actionflow.StepResult) (*actionflow.WorkflowState, error) {
	return m.mutate(ctx, sessionID, func(state *actionflow.WorkflowState) error {
		if state.StepResults == nil {
			state.StepResults = make(map[string]*actionflow.StepResult)
		}
		state.History = append(state.History, result)
		if prev, ok := state.StepResults[result.StepID]; !ok || prev.State != actionflow.StepStateCompleted {
			state.StepResults[result.StepID] = result
		}
		if state.Plan != nil {
			state.CurrentStepIndex = state.Plan.NextRunnableIndex(state.CurrentStepIndex, state.StepResults)
		}
		return nil
	})
}

// SetInterventionState marks the run as waiting on a human for one step
func (m *Manager) SetInterventionState(ctx context.Context, sessionID string, intervention *actionflow.InterventionState) (*actionflow.WorkflowState, error) {
	return m.mutate(ctx, sessionID, func(state *actionflow.WorkflowState) error {
		if intervention.WaitingSince.IsZero() {
			intervention.WaitingSince = m.now()
		}
		state.Status = actionflow.WorkflowStatusWaitingIntervention
		state.Intervention = intervention
		if state.Plan != nil {
			state.Plan.State = actionflow.PlanStateWaitingIntervention
		}
		return nil
	})
}

// ClearInterventionState returns a waiting run to running
func (m *Manager) ClearInterventionState(ctx context.Context, sessionID string) (*actionflow.WorkflowState, error) {
	return m.mutate(ctx, sessionID, func(state *actionflow.WorkflowState) error {
		state.Status = actionflow.WorkflowStatusRunning
		state.Intervention = nil
		if state.Plan != nil {
			state.Plan.State = actionflow.PlanStateRunning
		}
		return nil
	})
}

// CompleteWorkflow marks the run completed and drops it from the active index
func (m *Manager) CompleteWorkflow(ctx context.Context, sessionID string) (*actionflow.WorkflowState, error) {
	return m.finish(ctx, sessionID, actionflow.WorkflowStatusCompleted, actionflow.PlanStateCompleted, "")
}

// FailWorkflow marks the run failed and drops it from the active index
func (m *Manager) FailWorkflow(ctx context.Context, sessionID, reason string) (*actionflow.WorkflowState, error) {
	return m.finish(ctx, sessionID, actionflow.WorkflowStatusFailed, actionflow.PlanStateFailed, reason)
}

func (m *Manager) finish(ctx context.Context, sessionID string, status actionflow.WorkflowStatus, planState actionflow.PlanState, reason string) (*actionflow.WorkflowState, error) {
	state, err := m.mutate(ctx, sessionID, func(state *actionflow.WorkflowState) error {
		state.Status = status
		state.Intervention = nil
		state.Error = reason
		if state.Plan != nil {
			state.Plan.State = planState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.RemoveFromSet(ctx, ActiveIndexKey(state.UserID), sessionID); err != nil {
		actionflow.LogPersistenceError(m.logger, sessionID, "remove_active_index", err)
	}
	return state, nil
}

// GetActiveWorkflows returns the user's non-terminal runs that still exist
func (m *Manager) GetActiveWorkflows(ctx context.Context, userID string) ([]*actionflow.WorkflowState, error) {
	ids, err := m.store.SetMembers(ctx, ActiveIndexKey(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read active index for %s: %w", userID, err)
	}

	states := make([]*actionflow.WorkflowState, 0, len(ids))
	for _, id := range ids {
		state, err := m.GetWorkflow(ctx, id)
		if errors.Is(err, actionflow.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if state.Status.IsTerminal() {
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// FindWaitingWorkflow returns the user's run that is waiting on an intervention
func (m *Manager) FindWaitingWorkflow(ctx context.Context, userID string) (*actionflow.WorkflowState, error) {
	states, err := m.GetActiveWorkflows(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		if state.Status == actionflow.WorkflowStatusWaitingIntervention {
			return state, nil
		}
	}
	return nil, fmt.Errorf("no waiting workflow for user %s: %w", userID, actionflow.ErrNotFound)
}

// PruneActiveIndex removes expired and terminal sessions from a user's index
// and returns how many were removed
func (m *Manager) PruneActiveIndex(ctx context.Context, userID string) (int, error) {
	key := ActiveIndexKey(userID)
	ids, err := m.store.SetMembers(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read active index for %s: %w", userID, err)
	}

	removed := 0
	for _, id := range ids {
		state, err := m.GetWorkflow(ctx, id)
		switch {
		case errors.Is(err, actionflow.ErrNotFound):
		case err != nil:
			return removed, err
		case !state.Status.IsTerminal():
			continue
		}
		if err := m.store.RemoveFromSet(ctx, key, id); err != nil {
			return removed, fmt.Errorf("failed to prune %s from %s: %w", id, key, err)
		}
		removed++
	}
	return removed, nil
}

// PruneAll prunes every active index in the store
func (m *Manager) PruneAll(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, activeKeyPrefix+"*"+activeKeySuffix)
	if err != nil {
		return 0, fmt.Errorf("failed to list active indexes: %w", err)
	}

	total := 0
	for _, key := range keys {
		userID := strings.TrimSuffix(strings.TrimPrefix(key, activeKeyPrefix), activeKeySuffix)
		n, err := m.PruneActiveIndex(ctx, userID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DeleteWorkflow removes a run and its index entry
func (m *Manager) DeleteWorkflow(ctx context.Context, sessionID string) error {
	state, err := m.GetWorkflow(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, WorkflowKey(sessionID)); err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", sessionID, err)
	}
	return m.store.RemoveFromSet(ctx, ActiveIndexKey(state.UserID), sessionID)
}

// mutate applies fn to the stored run and saves it.
// Terminal runs reject every mutation with ErrWorkflowTerminal.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*actionflow.WorkflowState) error) (*actionflow.WorkflowState, error) {
	state, err := m.GetWorkflow(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return nil, fmt.Errorf("workflow %s is %s: %w", sessionID, state.Status, actionflow.ErrWorkflowTerminal)
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	state.UpdatedAt = m.now()
	if err := m.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (m *Manager) save(ctx context.Context, state *actionflow.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", state.SessionID, err)
	}
	if err := m.store.Set(ctx, WorkflowKey(state.SessionID), data, m.ttl.Workflow); err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", state.SessionID, err)
	}
	return nil
}
