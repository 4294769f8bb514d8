package actionflow

import (
	"context"
	"time"
)

// EphemeralStore is the TTL-capable shared store for run state, drafts,
// intervention records and the entity cache.
// Get returns ErrNotFound for missing or expired keys.
type EphemeralStore interface {
	// Key/value
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// SetNX stores value only when key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Sets (per-subject indexes)
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	RemoveFromSet(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Wake-up notifications
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers payloads published on one channel until closed
type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

// ExecutionLedger defines the durable persistence of idempotency records
type ExecutionLedger interface {
	// GetExecution returns ErrNotFound when no record exists for the key
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)

	// CreateExecution returns ErrAlreadyExists when the key is taken
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error

	// UpdateExecution writes exec only if the stored status equals expected,
	// returning ErrStatusMismatch otherwise
	UpdateExecution(ctx context.Context, exec *WorkflowExecution, expected ExecutionStatus) error

	// DeleteExecution removes the record only if its stored status equals
	// expected, returning ErrStatusMismatch otherwise (including when absent)
	DeleteExecution(ctx context.Context, id string, expected ExecutionStatus) error

	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)
}

// ExecutionFilter defines filtering criteria for ledger listings
type ExecutionFilter struct {
	UserID     string
	WorkflowID string
	Status     *ExecutionStatus
	Limit      int
}

// Matches reports whether exec satisfies the filter
func (f ExecutionFilter) Matches(exec *WorkflowExecution) bool {
	if f.UserID != "" && exec.UserID != f.UserID {
		return false
	}
	if f.WorkflowID != "" && exec.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != nil && exec.Status != *f.Status {
		return false
	}
	return true
}
