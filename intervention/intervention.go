// Package intervention suspends a plan run until a human supplies a value.
//
// Records live in the ephemeral store under intervention:{session}:{step}.
// A resolution publishes a wake-up on intervention:wake:{session}:{step};
// waiters also poll the record so a missed notification only costs one
// poll interval.
package intervention

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
	"github.com/sicko7947/actionflow/channel"
)

// Status of an intervention record
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
)

// Record is the persisted state of one intervention
type Record struct {
	SessionID     string                 `json:"sessionId"`
	StepID        string                 `json:"stepId"`
	UserID        string                 `json:"userId"`
	Channel       actionflow.ChannelType `json:"channel,omitempty"`
	Status        Status                 `json:"status"`
	Prompt        string                 `json:"prompt"`
	Reason        string                 `json:"reason,omitempty"`
	Options       []string               `json:"options,omitempty"`
	ResolvedValue string                 `json:"resolvedValue,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	ResolvedAt    *time.Time             `json:"resolvedAt,omitempty"`
}

// Request describes what to ask and whom to ask
type Request struct {
	SessionID string
	StepID    string
	Prompt    string
	Reason    string
	Options   []string
	Timeout   time.Duration
	Target    channel.Target
}

// Response is the outcome of waiting for a human answer
type Response struct {
	Success  bool
	Value    string
	TimedOut bool
}

// Key returns the store key for an intervention record
func Key(sessionID, stepID string) string {
	return fmt.Sprintf("intervention:%s:%s", sessionID, stepID)
}

func wakeChannel(sessionID, stepID string) string {
	return fmt.Sprintf("intervention:wake:%s:%s", sessionID, stepID)
}

// Manager coordinates intervention records and prompt delivery
type Manager struct {
	store    actionflow.EphemeralStore
	sender   channel.Sender
	presence channel.Presence
	config   actionflow.InterventionConfig
	ttl      actionflow.TTLConfig
	logger   zerolog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithConfig overrides timeout and poll interval
func WithConfig(cfg actionflow.InterventionConfig) Option {
	return func(m *Manager) {
		m.config = cfg
	}
}

// WithPresence lets waiters notice a websocket user dropping mid-wait.
// Without it a lost connection is only detected when the prompt is sent.
func WithPresence(p channel.Presence) Option {
	return func(m *Manager) {
		m.presence = p
	}
}

// WithTTL overrides the retention window applied after resolution
func WithTTL(ttl actionflow.TTLConfig) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// NewManager creates an intervention manager
func NewManager(store actionflow.EphemeralStore, sender channel.Sender, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		sender: sender,
		config: actionflow.DefaultInterventionConfig,
		ttl:    actionflow.DefaultTTLConfig,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestIntervention writes a PENDING record and dispatches the prompt.
// Dispatch errors are returned unchanged so callers can detect disconnects.
func (m *Manager) RequestIntervention(ctx context.Context, req Request) error {
	if req.SessionID == "" || req.StepID == "" {
		return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "session id and step id are required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}

	rec := &Record{
		SessionID: req.SessionID,
		StepID:    req.StepID,
		UserID:    req.Target.UserID,
		Channel:   req.Target.Channel,
		Status:    StatusPending,
		Prompt:    req.Prompt,
		Reason:    req.Reason,
		Options:   req.Options,
		CreatedAt: time.Now(),
	}
	if err := m.save(ctx, rec, timeout); err != nil {
		return err
	}

	msg := channel.NewMessage(channel.TypeInterventionRequest, req.SessionID, &channel.InterventionPayload{
		StepID:         req.StepID,
		Prompt:         req.Prompt,
		Reason:         req.Reason,
		Options:        req.Options,
		TimeoutSeconds: int(timeout / time.Second),
	})
	if err := m.sender.Dispatch(ctx, req.Target, msg); err != nil {
		return err
	}

	m.logger.Info().
		Str("event", actionflow.EventInterventionRequested).
		Str("session_id", req.SessionID).
		Str("step_id", req.StepID).
		Dur("timeout", timeout).
		Msg("Intervention requested")
	return nil
}

// WaitForResponse blocks until the record is COMPLETED, the timeout elapses
// or ctx is done. A timeout is reported through Response.TimedOut, not an error.
// With a presence source, a websocket user who disconnects while the record
// is pending ends the wait with channel.ErrDisconnected.
func (m *Manager) WaitForResponse(ctx context.Context, sessionID, stepID string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}
	key := Key(sessionID, stepID)

	if resp, done, err := m.check(ctx, key, false); err != nil || done {
		return resp, err
	}

	var wake <-chan []byte
	sub, err := m.store.Subscribe(ctx, wakeChannel(sessionID, stepID))
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Wake-up subscription failed, polling only")
	} else {
		defer sub.Close()
		wake = sub.Channel()
	}

	// the record may have been resolved before the subscription was live
	if resp, done, err := m.check(ctx, key, false); err != nil || done {
		return resp, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			m.logger.Warn().
				Str("event", actionflow.EventInterventionTimeout).
				Str("session_id", sessionID).
				Str("step_id", stepID).
				Msg("Intervention timed out")
			return &Response{TimedOut: true}, nil
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
		}

		if resp, done, err := m.check(ctx, key, true); err != nil || done {
			return resp, err
		}
	}
}

// check loads the record; a missing record keeps the caller waiting.
// watch also fails a pending websocket record whose user is gone.
func (m *Manager) check(ctx context.Context, key string, watch bool) (*Response, bool, error) {
	rec, err := m.load(ctx, key)
	if errors.Is(err, actionflow.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rec.Status == StatusCompleted {
		return &Response{Success: true, Value: rec.ResolvedValue}, true, nil
	}
	if watch && m.connectionLost(rec) {
		m.logger.Warn().
			Str("event", actionflow.EventInterventionDropped).
			Str("session_id", rec.SessionID).
			Str("step_id", rec.StepID).
			Str("user_id", rec.UserID).
			Msg("User disconnected while an intervention was pending")
		return nil, false, fmt.Errorf("user %s: %w", rec.UserID, channel.ErrDisconnected)
	}
	return nil, false, nil
}

func (m *Manager) connectionLost(rec *Record) bool {
	if m.presence == nil || rec.UserID == "" || rec.Channel == actionflow.ChannelSMS {
		return false
	}
	return !m.presence.IsConnected(rec.UserID)
}

// ResolveIntervention completes a pending record with the trimmed value.
// Returns false when no record exists for the session and step.
func (m *Manager) ResolveIntervention(ctx context.Context, sessionID, stepID, value string) (bool, error) {
	key := Key(sessionID, stepID)
	rec, err := m.load(ctx, key)
	if errors.Is(err, actionflow.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := time.Now()
	rec.Status = StatusCompleted
	rec.ResolvedValue = strings.TrimSpace(value)
	rec.ResolvedAt = &now
	if err := m.save(ctx, rec, m.ttl.InterventionRetention); err != nil {
		return false, err
	}

	if err := m.store.Publish(ctx, wakeChannel(sessionID, stepID), []byte(rec.ResolvedValue)); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Wake-up publish failed")
	}

	m.logger.Info().
		Str("event", actionflow.EventInterventionResolved).
		Str("session_id", sessionID).
		Str("step_id", stepID).
		Msg("Intervention resolved")
	return true, nil
}

// Intervene requests an intervention and waits for the answer
func (m *Manager) Intervene(ctx context.Context, req Request) (*Response, error) {
	if err := m.RequestIntervention(ctx, req); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}
	return m.WaitForResponse(ctx, req.SessionID, req.StepID, timeout)
}

// GetRecord returns the stored record for a session and step
func (m *Manager) GetRecord(ctx context.Context, sessionID, stepID string) (*Record, error) {
	return m.load(ctx, Key(sessionID, stepID))
}

func (m *Manager) load(ctx context.Context, key string) (*Record, error) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode intervention %s: %w", key, err)
	}
	return &rec, nil
}

func (m *Manager) save(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode intervention: %w", err)
	}
	if err := m.store.Set(ctx, Key(rec.SessionID, rec.StepID), data, ttl); err != nil {
		return fmt.Errorf("failed to save intervention: %w", err)
	}
	return nil
}
