// Package tracker guarantees at-most-one effective execution per
// idempotency key using a durable execution ledger.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sicko7947/actionflow"
)

// Options identifies one idempotent execution
type Options struct {
	IdempotencyKey string
	WorkflowID     string
	WorkflowName   string
	UserID         string
	Actor          string
	Parameters     any
}

// Result is what ExecuteIdempotent returns to the caller
type Result struct {
	Data      json.RawMessage
	Cached    bool
	Execution *actionflow.WorkflowExecution
}

// ExecuteFunc performs the side effect; its return value is stored as JSON
type ExecuteFunc func(ctx context.Context) (any, error)

// Tracker runs functions through the execution ledger
type Tracker struct {
	ledger actionflow.ExecutionLedger
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the tracker logger
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker over the given ledger
func NewTracker(ledger actionflow.ExecutionLedger, opts ...Option) *Tracker {
	t := &Tracker{
		ledger: ledger,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ExecuteIdempotent runs fn at most once per idempotency key.
//
//   - completed: the stored result is returned with Cached set; fn is not called
//   - running: IDEMPOTENCY_CONFLICT, the caller is not queued
//   - failed: the record is discarded and fn runs again under a fresh record
//   - pending: an orphaned claim is taken over
//
// An empty key is replaced with a generated one.
func (t *Tracker) ExecuteIdempotent(ctx context.Context, opts Options, fn ExecuteFunc) (*Result, error) {
	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = uuid.New().String()
	}
	key := opts.IdempotencyKey
	logger := t.logger.With().Str("idempotency_key", key).Str("workflow_id", opts.WorkflowID).Logger()

	exec, cached, err := t.claim(ctx, opts)
	if cached != nil {
		logger.Info().Str("event", actionflow.EventIdempotentCacheHit).Msg("Returning stored result")
		return cached, nil
	}
	if err != nil {
		if actionflow.HasCode(err, actionflow.ErrCodeIdempotencyConflict) {
			logger.Warn().Str("event", actionflow.EventIdempotentConflict).Msg("Execution already running")
		}
		return nil, err
	}

	data, runErr := t.run(ctx, fn)

	now := t.now()
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	if runErr != nil {
		exec.Status = actionflow.ExecutionFailed
		exec.ErrorMessage = runErr.Error()
	} else {
		exec.Status = actionflow.ExecutionCompleted
		exec.Result = data
	}

	// a cancelled caller must not leave the record stuck in running
	persistCtx := context.WithoutCancel(ctx)
	if err := t.ledger.UpdateExecution(persistCtx, exec, actionflow.ExecutionRunning); err != nil {
		logger.Error().Err(err).Str("event", actionflow.EventPersistenceError).Msg("Failed to persist execution outcome")
		if runErr == nil {
			return nil, fmt.Errorf("failed to persist execution %s: %w", key, err)
		}
	}

	if runErr != nil {
		return nil, runErr
	}
	return &Result{Data: data, Execution: exec}, nil
}

// claim moves the key's record into running. A completed record is
// returned as a cached Result instead.
func (t *Tracker) claim(ctx context.Context, opts Options) (*actionflow.WorkflowExecution, *Result, error) {
	key := opts.IdempotencyKey
	existing, err := t.ledger.GetExecution(ctx, key)
	switch {
	case errors.Is(err, actionflow.ErrNotFound):
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load execution %s: %w", key, err)
	}

	if existing != nil {
		switch existing.Status {
		case actionflow.ExecutionCompleted:
			return nil, &Result{Data: existing.Result, Cached: true, Execution: existing}, nil
		case actionflow.ExecutionRunning:
			return nil, nil, conflict(key)
		case actionflow.ExecutionFailed:
			// another caller may already have replaced the failed record
			if err := t.ledger.DeleteExecution(ctx, key, actionflow.ExecutionFailed); err != nil {
				if errors.Is(err, actionflow.ErrStatusMismatch) {
					return nil, nil, conflict(key)
				}
				return nil, nil, fmt.Errorf("failed to discard failed execution %s: %w", key, err)
			}
		case actionflow.ExecutionPending:
			exec, err := t.start(ctx, existing, actionflow.ExecutionPending)
			return exec, nil, err
		}
	}

	params, err := encodeParams(opts.Parameters)
	if err != nil {
		return nil, nil, err
	}
	now := t.now()
	exec := &actionflow.WorkflowExecution{
		ID:           key,
		WorkflowID:   opts.WorkflowID,
		WorkflowName: opts.WorkflowName,
		UserID:       opts.UserID,
		Actor:        opts.Actor,
		Parameters:   params,
		Status:       actionflow.ExecutionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.ledger.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, actionflow.ErrAlreadyExists) {
			return nil, nil, conflict(key)
		}
		return nil, nil, fmt.Errorf("failed to create execution %s: %w", key, err)
	}
	exec, err = t.start(ctx, exec, actionflow.ExecutionPending)
	return exec, nil, err
}

func (t *Tracker) start(ctx context.Context, exec *actionflow.WorkflowExecution, expected actionflow.ExecutionStatus) (*actionflow.WorkflowExecution, error) {
	now := t.now()
	exec.Status = actionflow.ExecutionRunning
	exec.StartedAt = &now
	exec.UpdatedAt = now
	if err := t.ledger.UpdateExecution(ctx, exec, expected); err != nil {
		if errors.Is(err, actionflow.ErrStatusMismatch) || errors.Is(err, actionflow.ErrNotFound) {
			return nil, conflict(exec.ID)
		}
		return nil, fmt.Errorf("failed to start execution %s: %w", exec.ID, err)
	}
	return exec, nil
}

func (t *Tracker) run(ctx context.Context, fn ExecuteFunc) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = actionflow.NewWorkflowError(actionflow.ErrCodePanic, fmt.Sprintf("panic during execution: %v", r))
		}
	}()

	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	data, err = json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution result: %w", err)
	}
	return data, nil
}

func conflict(key string) error {
	return actionflow.NewWorkflowError(actionflow.ErrCodeIdempotencyConflict,
		fmt.Sprintf("execution %s is already running", key))
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution parameters: %w", err)
	}
	return data, nil
}

// GetExecution returns the ledger record for a key
func (t *Tracker) GetExecution(ctx context.Context, key string) (*actionflow.WorkflowExecution, error) {
	return t.ledger.GetExecution(ctx, key)
}

// ListExecutions returns ledger records matching filter
func (t *Tracker) ListExecutions(ctx context.Context, filter actionflow.ExecutionFilter) ([]*actionflow.WorkflowExecution, error) {
	return t.ledger.ListExecutions(ctx, filter)
}

// DeriveKey builds a deterministic idempotency key from its parts
func DeriveKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Decode unmarshals a stored result into T
func Decode[T any](r *Result) (T, error) {
	var out T
	if r == nil || len(r.Data) == 0 {
		return out, fmt.Errorf("execution has no result data")
	}
	if err := json.Unmarshal(r.Data, &out); err != nil {
		return out, fmt.Errorf("failed to decode execution result: %w", err)
	}
	return out, nil
}
