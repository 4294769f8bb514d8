package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sicko7947/actionflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_Contract(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	runEphemeralStoreContract(t, NewMemoryStore(WithClock(clock.Now)), clock.Advance)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("abc"), 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemoryStore_SubscriptionClosesWithContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := s.Subscribe(ctx, "wake")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Channel():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.NoError(t, sub.Close())
}

func TestMemoryLedger_Contract(t *testing.T) {
	runLedgerContract(t, NewMemoryLedger())
}

func TestMemoryLedger_ListLimit(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.CreateExecution(ctx, &actionflow.WorkflowExecution{
			ID:        id,
			UserID:    "u1",
			Status:    actionflow.ExecutionPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	list, err := l.ListExecutions(ctx, actionflow.ExecutionFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
