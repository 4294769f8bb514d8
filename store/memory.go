package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/sicko7947/actionflow"
)

// MemoryStore implements actionflow.EphemeralStore in process memory.
// Expiry is evaluated lazily on access against an injectable clock.
type MemoryStore struct {
	entries     map[string]memoryEntry
	sets        map[string]memorySet
	subscribers map[string]map[*memorySubscription]struct{}
	now         func() time.Time
	mu          sync.RWMutex
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryStoreOption configures a MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the time source used for expiry
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory ephemeral store
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]memoryEntry),
		sets:        make(map[string]memorySet),
		subscribers: make(map[string]map[*memorySubscription]struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ actionflow.EphemeralStore = (*MemoryStore)(nil)

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !s.now().Before(at)
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.expiry(ttl),
	}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !s.expired(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.expiry(ttl),
	}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, actionflow.ErrNotFound)
	}
	if s.expired(e.expiresAt) {
		delete(s.entries, key)
		return nil, fmt.Errorf("key %s: %w", key, actionflow.ErrNotFound)
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, e := range s.entries {
		if s.expired(e.expiresAt) {
			delete(s.entries, key)
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	for key, set := range s.sets {
		if s.expired(set.expiresAt) {
			delete(s.sets, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok || s.expired(set.expiresAt) {
		set = memorySet{members: make(map[string]struct{})}
	}
	set.members[member] = struct{}{}
	set.expiresAt = s.expiry(ttl)
	s.sets[key] = set
	return nil
}

func (s *MemoryStore) RemoveFromSet(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	delete(set.members, member)
	if len(set.members) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	if s.expired(set.expiresAt) {
		delete(s.sets, key)
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// Publish delivers the payload to current subscribers without blocking.
// Subscribers whose buffer is full miss the message.
func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for sub := range s.subscribers[channel] {
		select {
		case sub.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (actionflow.Subscription, error) {
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		ch:      make(chan []byte, 16),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.subscribers[channel] == nil {
		s.subscribers[channel] = make(map[*memorySubscription]struct{})
	}
	s.subscribers[channel][sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (sub *memorySubscription) Channel() <-chan []byte {
	return sub.ch
}

func (sub *memorySubscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subscribers[sub.channel], sub)
		if len(sub.store.subscribers[sub.channel]) == 0 {
			delete(sub.store.subscribers, sub.channel)
		}
		sub.store.mu.Unlock()
		close(sub.done)
		close(sub.ch)
	})
	return nil
}

// MemoryLedger implements actionflow.ExecutionLedger in memory (for testing)
type MemoryLedger struct {
	executions map[string]*actionflow.WorkflowExecution
	mu         sync.RWMutex
}

// NewMemoryLedger creates a new in-memory execution ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		executions: make(map[string]*actionflow.WorkflowExecution),
	}
}

var _ actionflow.ExecutionLedger = (*MemoryLedger)(nil)

func copyExecution(exec *actionflow.WorkflowExecution) *actionflow.WorkflowExecution {
	c := *exec
	c.Result = append([]byte(nil), exec.Result...)
	c.Parameters = append([]byte(nil), exec.Parameters...)
	if exec.StartedAt != nil {
		c.StartedAt = actionflow.ToPtr(*exec.StartedAt)
	}
	if exec.CompletedAt != nil {
		c.CompletedAt = actionflow.ToPtr(*exec.CompletedAt)
	}
	return &c
}

func (l *MemoryLedger) CreateExecution(ctx context.Context, exec *actionflow.WorkflowExecution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s: %w", exec.ID, actionflow.ErrAlreadyExists)
	}
	l.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (l *MemoryLedger) GetExecution(ctx context.Context, id string) (*actionflow.WorkflowExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	exec, exists := l.executions[id]
	if !exists {
		return nil, fmt.Errorf("execution %s: %w", id, actionflow.ErrNotFound)
	}
	return copyExecution(exec), nil
}

func (l *MemoryLedger) UpdateExecution(ctx context.Context, exec *actionflow.WorkflowExecution, expected actionflow.ExecutionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, exists := l.executions[exec.ID]
	if !exists || current.Status != expected {
		return fmt.Errorf("execution %s expected %s: %w", exec.ID, expected, actionflow.ErrStatusMismatch)
	}
	exec.UpdatedAt = time.Now()
	l.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (l *MemoryLedger) DeleteExecution(ctx context.Context, id string, expected actionflow.ExecutionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, exists := l.executions[id]
	if !exists || current.Status != expected {
		return fmt.Errorf("execution %s expected %s: %w", id, expected, actionflow.ErrStatusMismatch)
	}
	delete(l.executions, id)
	return nil
}

func (l *MemoryLedger) ListExecutions(ctx context.Context, filter actionflow.ExecutionFilter) ([]*actionflow.WorkflowExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*actionflow.WorkflowExecution
	for _, exec := range l.executions {
		if filter.Matches(exec) {
			out = append(out, copyExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
