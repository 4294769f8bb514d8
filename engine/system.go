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
	"github.com/sicko7947/actionflow/intervention"
	"github.com/sicko7947/actionflow/runstate"
)

// SystemExecutor pauses the run to ask the user for a value, typically to
// disambiguate an entity. Params:
//
//	prompt          question shown to the user (required)
//	entityType      PERSON | EMAIL | DATE | LOCATION
//	entityValue     value of the entity to resolve in place
//	options         candidate answers
//	reason          why the run is paused
//	timeoutSeconds  how long to wait before the step times out
type SystemExecutor struct {
	interventions *intervention.Manager
	workflows     *runstate.Manager
	cache         actionflow.EphemeralStore
	ttl           actionflow.TTLConfig
	logger        zerolog.Logger
}

// SystemOption configures a SystemExecutor
type SystemOption func(*SystemExecutor)

// WithEntityCache caches resolved entities so later steps skip re-asking
func WithEntityCache(store actionflow.EphemeralStore, ttl actionflow.TTLConfig) SystemOption {
	return func(s *SystemExecutor) {
		s.cache = store
		s.ttl = ttl
	}
}

// WithRunState records the paused step on the persisted run
func WithRunState(workflows *runstate.Manager) SystemOption {
	return func(s *SystemExecutor) {
		s.workflows = workflows
	}
}

// WithSystemLogger sets the executor logger
func WithSystemLogger(logger zerolog.Logger) SystemOption {
	return func(s *SystemExecutor) {
		s.logger = logger
	}
}

// NewSystemExecutor creates an intervention-backed executor
func NewSystemExecutor(interventions *intervention.Manager, opts ...SystemOption) *SystemExecutor {
	s := &SystemExecutor{
		interventions: interventions,
		ttl:           actionflow.DefaultTTLConfig,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EntityCacheKey returns the cache key of a resolved entity
func EntityCacheKey(userID string, entityType actionflow.EntityType, value string) string {
	return fmt.Sprintf("entity:%s:%s:%s", userID, entityType, strings.ToLower(value))
}

// ExecuteStep implements actionflow.StepExecutor
func (s *SystemExecutor) ExecuteStep(ctx context.Context, step *actionflow.ActionStep, ec *actionflow.ExecutionContext) *actionflow.StepResult {
	prompt, _ := step.Params["prompt"].(string)
	if prompt == "" {
		return actionflow.NewFailureResult(step.ID,
			actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeValidation, "intervention prompt is required", step.ID))
	}
	entityType := actionflow.EntityType(stringParam(step.Params, "entityType"))
	entityValue := stringParam(step.Params, "entityValue")
	entity := ec.FindEntity(entityType, entityValue)

	if entity != nil && !entity.Ambiguous && entity.ResolvedValue != "" {
		return resolvedResult(step, entity, entity.ResolvedValue, "already resolved")
	}
	if entity != nil && s.cache != nil {
		if cached, err := s.cache.Get(ctx, EntityCacheKey(ec.UserID, entity.Type, entity.Value)); err == nil {
			entity.Resolve(string(cached))
			return resolvedResult(step, entity, string(cached), "resolved from cache")
		}
	}

	timeout := time.Duration(intParam(step.Params, "timeoutSeconds")) * time.Second
	reason := stringParam(step.Params, "reason")

	step.State = actionflow.StepStateWaitingIntervention
	ec.PlanState = actionflow.PlanStateWaitingIntervention
	if s.workflows != nil {
		if _, err := s.workflows.SetInterventionState(ctx, ec.SessionID, &actionflow.InterventionState{
			StepID: step.ID,
			Reason: reason,
			Entity: entity,
		}); err != nil {
			actionflow.LogPersistenceError(s.logger, ec.SessionID, "set_intervention_state", err)
		}
	}

	resp, err := s.interventions.Intervene(ctx, intervention.Request{
		SessionID: ec.SessionID,
		StepID:    step.ID,
		Prompt:    prompt,
		Reason:    reason,
		Options:   stringsParam(step.Params, "options"),
		Timeout:   timeout,
		Target: channel.Target{
			UserID:      ec.UserID,
			PhoneNumber: ec.PhoneNumber,
			Channel:     ec.Channel,
		},
	})

	switch {
	case err != nil && channel.IsDisconnect(err):
		ec.PlanState = actionflow.PlanStateFailed
		step.State = actionflow.StepStateFailed
		return actionflow.NewFailureResult(step.ID, actionflow.NewWorkflowErrorWithStep(
			actionflow.ErrCodeChannelDisconnected,
			"connection to the user was lost while waiting for an answer; reconnect and retry",
			step.ID,
		).WithCause(err))
	case err != nil:
		ec.PlanState = actionflow.PlanStateFailed
		step.State = actionflow.StepStateFailed
		if errors.Is(err, context.Canceled) {
			return actionflow.NewFailureResult(step.ID, actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeCancelled, "intervention cancelled", step.ID))
		}
		return actionflow.NewFailureResult(step.ID, err)
	case resp.TimedOut:
		ec.PlanState = actionflow.PlanStateFailed
		step.State = actionflow.StepStateTimeout
		result := actionflow.NewFailureResult(step.ID,
			actionflow.NewWorkflowErrorWithStep(actionflow.ErrCodeTimeout, "no answer received before the intervention timed out", step.ID))
		result.State = actionflow.StepStateTimeout
		return result
	}

	if entity != nil {
		entity.Resolve(resp.Value)
		if s.cache != nil {
			if err := s.cache.Set(ctx, EntityCacheKey(ec.UserID, entity.Type, entity.Value), []byte(resp.Value), s.ttl.EntityCache); err != nil {
				actionflow.LogPersistenceError(s.logger, ec.SessionID, "cache_entity", err)
			}
		}
	}
	if s.workflows != nil {
		if _, err := s.workflows.ClearInterventionState(ctx, ec.SessionID); err != nil {
			actionflow.LogPersistenceError(s.logger, ec.SessionID, "clear_intervention_state", err)
		}
	}

	step.State = actionflow.StepStateRunning
	ec.PlanState = actionflow.PlanStateRunning
	return resolvedResult(step, entity, resp.Value, "resolved by user")
}

func resolvedResult(step *actionflow.ActionStep, entity *actionflow.Entity, value, message string) *actionflow.StepResult {
	data := map[string]any{"value": value}
	if entity != nil {
		data["entityType"] = string(entity.Type)
		data["entityValue"] = entity.Value
		if entity.Email != "" {
			data["email"] = entity.Email
		}
	}
	return actionflow.NewSuccessResult(step.ID, data, message)
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
