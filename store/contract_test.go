package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sicko7947/actionflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runEphemeralStoreContract exercises the behaviour every EphemeralStore must share.
// advance moves the store's notion of time forward.
func runEphemeralStoreContract(t *testing.T, s actionflow.EphemeralStore, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "workflow:s1", []byte(`{"a":1}`), time.Hour))

		got, err := s.Get(ctx, "workflow:s1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(got))
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get(ctx, "workflow:missing")
		assert.True(t, errors.Is(err, actionflow.ErrNotFound))
	})

	t.Run("expiry", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "intervention:s1:x", []byte("v"), time.Minute))
		advance(2 * time.Minute)

		_, err := s.Get(ctx, "intervention:s1:x")
		assert.ErrorIs(t, err, actionflow.ErrNotFound)
	})

	t.Run("set if absent", func(t *testing.T) {
		ok, err := s.SetNX(ctx, "workflow:draft:exec:s1", []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "workflow:draft:exec:s1", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "workflow:draft:exec:s1")
		require.NoError(t, err)
		assert.Equal(t, "a", string(got))

		advance(2 * time.Minute)
		ok, err = s.SetNX(ctx, "workflow:draft:exec:s1", []byte("c"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "a:1", []byte("1"), 0))
		require.NoError(t, s.Set(ctx, "a:2", []byte("2"), 0))
		require.NoError(t, s.Delete(ctx, "a:1", "a:2"))

		_, err := s.Get(ctx, "a:1")
		assert.ErrorIs(t, err, actionflow.ErrNotFound)
	})

	t.Run("keys", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "entity:u1:PERSON:bob", []byte("x"), time.Hour))
		require.NoError(t, s.Set(ctx, "entity:u1:PERSON:amy", []byte("x"), time.Hour))
		require.NoError(t, s.Set(ctx, "entity:u2:PERSON:bob", []byte("x"), time.Hour))

		keys, err := s.Keys(ctx, "entity:u1:*")
		require.NoError(t, err)
		assert.Equal(t, []string{"entity:u1:PERSON:amy", "entity:u1:PERSON:bob"}, keys)
	})

	t.Run("sets", func(t *testing.T) {
		require.NoError(t, s.AddToSet(ctx, "workflows:u1:active", "s2", time.Hour))
		require.NoError(t, s.AddToSet(ctx, "workflows:u1:active", "s1", time.Hour))
		require.NoError(t, s.AddToSet(ctx, "workflows:u1:active", "s1", time.Hour))

		members, err := s.SetMembers(ctx, "workflows:u1:active")
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2"}, members)

		require.NoError(t, s.RemoveFromSet(ctx, "workflows:u1:active", "s2"))
		members, err = s.SetMembers(ctx, "workflows:u1:active")
		require.NoError(t, err)
		assert.Equal(t, []string{"s1"}, members)

		members, err = s.SetMembers(ctx, "workflows:nobody:active")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("set expiry", func(t *testing.T) {
		require.NoError(t, s.AddToSet(ctx, "workflows:u9:active", "s1", time.Minute))
		advance(2 * time.Minute)

		members, err := s.SetMembers(ctx, "workflows:u9:active")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("publish subscribe", func(t *testing.T) {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		sub, err := s.Subscribe(subCtx, "wake:s1:step1")
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, s.Publish(ctx, "wake:s1:step1", []byte("done")))

		select {
		case msg := <-sub.Channel():
			assert.Equal(t, "done", string(msg))
		case <-time.After(2 * time.Second):
			t.Fatal("no message received")
		}
	})
}

// runLedgerContract exercises the behaviour every ExecutionLedger must share
func runLedgerContract(t *testing.T, l actionflow.ExecutionLedger) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	newExec := func(id, user string) *actionflow.WorkflowExecution {
		return &actionflow.WorkflowExecution{
			ID:           id,
			WorkflowID:   "wf-send-report",
			WorkflowName: "Send report",
			UserID:       user,
			Status:       actionflow.ExecutionPending,
			Parameters:   json.RawMessage(`{"to":"a@b.c"}`),
			Actor:        "assistant",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, l.CreateExecution(ctx, newExec("k1", "u1")))

		got, err := l.GetExecution(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "wf-send-report", got.WorkflowID)
		assert.Equal(t, actionflow.ExecutionPending, got.Status)
		assert.JSONEq(t, `{"to":"a@b.c"}`, string(got.Parameters))
		assert.True(t, now.Equal(got.CreatedAt))
		assert.Nil(t, got.StartedAt)
	})

	t.Run("duplicate create", func(t *testing.T) {
		err := l.CreateExecution(ctx, newExec("k1", "u1"))
		assert.ErrorIs(t, err, actionflow.ErrAlreadyExists)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := l.GetExecution(ctx, "nope")
		assert.ErrorIs(t, err, actionflow.ErrNotFound)
	})

	t.Run("guarded update", func(t *testing.T) {
		exec, err := l.GetExecution(ctx, "k1")
		require.NoError(t, err)

		exec.Status = actionflow.ExecutionRunning
		exec.StartedAt = actionflow.ToPtr(now)
		require.NoError(t, l.UpdateExecution(ctx, exec, actionflow.ExecutionPending))

		// a second claimant still expecting pending loses
		exec.Status = actionflow.ExecutionRunning
		err = l.UpdateExecution(ctx, exec, actionflow.ExecutionPending)
		assert.ErrorIs(t, err, actionflow.ErrStatusMismatch)

		exec.Status = actionflow.ExecutionCompleted
		exec.Result = json.RawMessage(`{"ok":true}`)
		exec.CompletedAt = actionflow.ToPtr(now)
		require.NoError(t, l.UpdateExecution(ctx, exec, actionflow.ExecutionRunning))

		got, err := l.GetExecution(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, actionflow.ExecutionCompleted, got.Status)
		assert.JSONEq(t, `{"ok":true}`, string(got.Result))
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("list and delete", func(t *testing.T) {
		require.NoError(t, l.CreateExecution(ctx, newExec("k2", "u1")))
		require.NoError(t, l.CreateExecution(ctx, newExec("k3", "u2")))

		list, err := l.ListExecutions(ctx, actionflow.ExecutionFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Len(t, list, 2)

		completed := actionflow.ExecutionCompleted
		list, err = l.ListExecutions(ctx, actionflow.ExecutionFilter{UserID: "u1", Status: &completed})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "k1", list[0].ID)

		require.NoError(t, l.DeleteExecution(ctx, "k2", actionflow.ExecutionPending))
		_, err = l.GetExecution(ctx, "k2")
		assert.ErrorIs(t, err, actionflow.ErrNotFound)
	})

	t.Run("guarded delete", func(t *testing.T) {
		// k3 is pending; a caller that saw it failed must not remove it
		err := l.DeleteExecution(ctx, "k3", actionflow.ExecutionFailed)
		assert.ErrorIs(t, err, actionflow.ErrStatusMismatch)

		got, err := l.GetExecution(ctx, "k3")
		require.NoError(t, err)
		assert.Equal(t, actionflow.ExecutionPending, got.Status)

		err = l.DeleteExecution(ctx, "gone", actionflow.ExecutionFailed)
		assert.ErrorIs(t, err, actionflow.ErrStatusMismatch)
	})
}
