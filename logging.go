package actionflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Plan-level events
	EventPlanStarted   = "plan_started"
	EventPlanCompleted = "plan_completed"
	EventPlanFailed    = "plan_failed"
	EventPlanResumed   = "plan_resumed"

	// Step-level events
	EventStepStarted          = "step_started"
	EventStepRetrying         = "step_retrying"
	EventStepCompleted        = "step_completed"
	EventStepFailed           = "step_failed"
	EventDependencyUnresolved = "dependency_unresolved"

	// Intervention events
	EventInterventionRequested = "intervention_requested"
	EventInterventionResolved  = "intervention_resolved"
	EventInterventionTimeout   = "intervention_timeout"
	EventInterventionDropped   = "intervention_connection_lost"

	// Approval events
	EventDraftCreated    = "draft_created"
	EventApprovalApplied = "approval_applied"

	// Idempotency events
	EventIdempotentCacheHit = "idempotent_cache_hit"
	EventIdempotentConflict = "idempotent_conflict"

	// Persistence events
	EventPersistenceError = "persistence_error"
)

// LogPlanStarted logs when a plan run starts
func LogPlanStarted(logger zerolog.Logger, sessionID, userID string, steps int) {
	logger.Info().
		Str("event", EventPlanStarted).
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("steps", steps).
		Msg("Plan started")
}

// LogPlanCompleted logs successful plan completion
func LogPlanCompleted(logger zerolog.Logger, sessionID string, duration time.Duration) {
	logger.Info().
		Str("event", EventPlanCompleted).
		Str("session_id", sessionID).
		Dur("duration", duration).
		Msg("Plan completed")
}

// LogPlanFailed logs plan failure
func LogPlanFailed(logger zerolog.Logger, sessionID string, err error) {
	logger.Error().
		Str("event", EventPlanFailed).
		Str("session_id", sessionID).
		Err(err).
		Msg("Plan failed")
}

// LogStepStarted logs when a step starts execution
func LogStepStarted(logger zerolog.Logger, sessionID, stepID, action string) {
	logger.Info().
		Str("event", EventStepStarted).
		Str("session_id", sessionID).
		Str("step_id", stepID).
		Str("action", action).
		Msg("Step started")
}

// LogStepRetrying logs when a step is being retried
func LogStepRetrying(logger zerolog.Logger, stepID string, attempt int, delay time.Duration) {
	logger.Warn().
		Str("event", EventStepRetrying).
		Str("step_id", stepID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Step retrying")
}

// LogStepCompleted logs successful step completion
func LogStepCompleted(logger zerolog.Logger, stepID string, attempts int, durationMs int64) {
	logger.Info().
		Str("event", EventStepCompleted).
		Str("step_id", stepID).
		Int("attempts", attempts).
		Int64("duration_ms", durationMs).
		Msg("Step completed")
}

// LogStepFailed logs step failure
func LogStepFailed(logger zerolog.Logger, stepID, message string, attempts int) {
	logger.Error().
		Str("event", EventStepFailed).
		Str("step_id", stepID).
		Str("error", message).
		Int("attempts", attempts).
		Msg("Step failed")
}

// LogDependencyUnresolved logs a step blocked by its dependencies
func LogDependencyUnresolved(logger zerolog.Logger, stepID, reason string) {
	logger.Warn().
		Str("event", EventDependencyUnresolved).
		Str("step_id", stepID).
		Str("reason", reason).
		Msg("Step dependencies unresolved")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, sessionID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("session_id", sessionID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// SessionLogger creates a logger enriched with run context
func SessionLogger(baseLogger zerolog.Logger, sessionID, userID string) zerolog.Logger {
	return baseLogger.With().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Logger()
}

// StepLogger creates a logger enriched with step context
func StepLogger(sessionLogger zerolog.Logger, step *ActionStep) zerolog.Logger {
	return sessionLogger.With().
		Str("step_id", step.ID).
		Str("category", string(step.Category)).
		Str("action", step.Action).
		Logger()
}
