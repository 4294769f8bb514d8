package intervention

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/actionflow"
	"github.com/sicko7947/actionflow/channel"
	"github.com/sicko7947/actionflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []*channel.Message
	err  error
}

func (s *recordingSender) Dispatch(ctx context.Context, target channel.Target, msg *channel.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func newManager(sender channel.Sender, poll time.Duration) (*Manager, *store.MemoryStore) {
	st := store.NewMemoryStore()
	m := NewManager(st, sender,
		WithLogger(zerolog.Nop()),
		WithConfig(actionflow.InterventionConfig{DefaultTimeout: time.Second, PollInterval: poll}),
	)
	return m, st
}

func TestRequestIntervention(t *testing.T) {
	sender := &recordingSender{}
	m, _ := newManager(sender, time.Second)
	ctx := context.Background()

	err := m.RequestIntervention(ctx, Request{
		SessionID: "s1",
		StepID:    "resolve",
		Prompt:    "Which Sarah?",
		Options:   []string{"a", "b"},
		Timeout:   30 * time.Second,
		Target:    channel.Target{UserID: "u1", Channel: actionflow.ChannelWebSocket},
	})
	require.NoError(t, err)

	rec, err := m.GetRecord(ctx, "s1", "resolve")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "u1", rec.UserID)

	require.Len(t, sender.msgs, 1)
	assert.Equal(t, channel.TypeInterventionRequest, sender.msgs[0].Type)
	payload := sender.msgs[0].Payload.(*channel.InterventionPayload)
	assert.Equal(t, 30, payload.TimeoutSeconds)
}

func TestRequestIntervention_NoConnection(t *testing.T) {
	m, _ := newManager(channel.NewDispatcher(nil, nil), time.Second)

	err := m.RequestIntervention(context.Background(), Request{
		SessionID: "s1",
		StepID:    "resolve",
		Prompt:    "?",
		Target:    channel.Target{UserID: "u1", Channel: actionflow.ChannelWebSocket},
	})
	assert.ErrorIs(t, err, channel.ErrNoConnection)
}

func TestResolveIntervention_Missing(t *testing.T) {
	m, _ := newManager(&recordingSender{}, time.Second)

	ok, err := m.ResolveIntervention(context.Background(), "s1", "nope", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitForResponse_WokenByResolve(t *testing.T) {
	// poll interval far above the test timeout so only the wake-up can finish the wait
	m, _ := newManager(&recordingSender{}, time.Minute)
	ctx := context.Background()
	require.NoError(t, m.RequestIntervention(ctx, Request{SessionID: "s1", StepID: "a", Prompt: "?"}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = m.ResolveIntervention(ctx, "s1", "a", "  sarah@b.com \n")
	}()

	start := time.Now()
	resp, err := m.WaitForResponse(ctx, "s1", "a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.TimedOut)
	assert.Equal(t, "sarah@b.com", resp.Value)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitForResponse_AlreadyResolved(t *testing.T) {
	m, _ := newManager(&recordingSender{}, time.Minute)
	ctx := context.Background()
	require.NoError(t, m.RequestIntervention(ctx, Request{SessionID: "s1", StepID: "a", Prompt: "?"}))

	ok, err := m.ResolveIntervention(ctx, "s1", "a", "yes")
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := m.WaitForResponse(ctx, "s1", "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "yes", resp.Value)
}

func TestWaitForResponse_Timeout(t *testing.T) {
	m, _ := newManager(&recordingSender{}, 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, m.RequestIntervention(ctx, Request{SessionID: "s1", StepID: "a", Prompt: "?"}))

	resp, err := m.WaitForResponse(ctx, "s1", "a", 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.TimedOut)
}

func TestWaitForResponse_ContextCancelled(t *testing.T) {
	m, _ := newManager(&recordingSender{}, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.WaitForResponse(ctx, "s1", "a", 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntervene(t *testing.T) {
	sender := &recordingSender{}
	m, _ := newManager(sender, 10*time.Millisecond)
	ctx := context.Background()

	go func() {
		assert.Eventually(t, func() bool {
			sender.mu.Lock()
			defer sender.mu.Unlock()
			return len(sender.msgs) == 1
		}, time.Second, 5*time.Millisecond)
		_, _ = m.ResolveIntervention(ctx, "s1", "a", "ok")
	}()

	resp, err := m.Intervene(ctx, Request{SessionID: "s1", StepID: "a", Prompt: "?", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Value)
}

type switchPresence struct {
	online atomic.Bool
}

func (p *switchPresence) IsConnected(userID string) bool {
	return p.online.Load()
}

func TestWaitForResponse_ConnectionLost(t *testing.T) {
	presence := &switchPresence{}
	presence.online.Store(true)
	st := store.NewMemoryStore()
	m := NewManager(st, &recordingSender{},
		WithLogger(zerolog.Nop()),
		WithConfig(actionflow.InterventionConfig{DefaultTimeout: time.Second, PollInterval: 10 * time.Millisecond}),
		WithPresence(presence),
	)
	ctx := context.Background()
	require.NoError(t, m.RequestIntervention(ctx, Request{
		SessionID: "s1",
		StepID:    "a",
		Prompt:    "?",
		Target:    channel.Target{UserID: "u1", Channel: actionflow.ChannelWebSocket},
	}))

	time.AfterFunc(30*time.Millisecond, func() { presence.online.Store(false) })

	start := time.Now()
	_, err := m.WaitForResponse(ctx, "s1", "a", 10*time.Second)
	require.Error(t, err)
	assert.True(t, channel.IsDisconnect(err))
	assert.ErrorIs(t, err, channel.ErrDisconnected)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitForResponse_PresenceIgnoredForSMS(t *testing.T) {
	presence := &switchPresence{}
	st := store.NewMemoryStore()
	m := NewManager(st, &recordingSender{},
		WithLogger(zerolog.Nop()),
		WithConfig(actionflow.InterventionConfig{DefaultTimeout: time.Second, PollInterval: 10 * time.Millisecond}),
		WithPresence(presence),
	)
	ctx := context.Background()
	require.NoError(t, m.RequestIntervention(ctx, Request{
		SessionID: "s1",
		StepID:    "a",
		Prompt:    "?",
		Target:    channel.Target{UserID: "u1", PhoneNumber: "+15550100", Channel: actionflow.ChannelSMS},
	}))

	resp, err := m.WaitForResponse(ctx, "s1", "a", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, resp.TimedOut)
}
