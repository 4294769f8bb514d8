// Package channel delivers messages to end users over a live websocket
// connection or SMS, and routes their replies back into the engine.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sicko7947/actionflow"
)

var (
	// ErrNoConnection means the subject has no live connection registered
	ErrNoConnection = errors.New("no live connection for user")

	// ErrDisconnected means the connection dropped while sending
	ErrDisconnected = errors.New("connection lost")
)

// IsDisconnect reports whether err is a transport disconnection
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrNoConnection) || errors.Is(err, ErrDisconnected)
}

// Presence reports whether a subject currently holds a live connection
type Presence interface {
	IsConnected(userID string) bool
}

// ConnectionRegistry maps subjects to live connections.
// Multi-instance deployments can back it with a shared registry.
type ConnectionRegistry interface {
	Presence
	Send(ctx context.Context, userID string, msg *Message) error
}

// SMSSender sends an outbound text message
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Target identifies who a message goes to and over which transport
type Target struct {
	UserID      string
	PhoneNumber string
	Channel     actionflow.ChannelType
}

// Sender is what managers need to reach a user
type Sender interface {
	Dispatch(ctx context.Context, target Target, msg *Message) error
}

// Dispatcher picks the transport from the target's channel type
type Dispatcher struct {
	registry ConnectionRegistry
	sms      SMSSender
	logger   zerolog.Logger
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher; either transport may be nil
func NewDispatcher(registry ConnectionRegistry, sms SMSSender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		sms:      sms,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers msg to the target.
// A websocket target with no registered connection fails immediately with ErrNoConnection.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, msg *Message) error {
	switch target.Channel {
	case actionflow.ChannelSMS:
		if d.sms == nil {
			return actionflow.NewWorkflowError(actionflow.ErrCodeInvalidState, "sms channel is not configured")
		}
		if target.PhoneNumber == "" {
			return actionflow.NewWorkflowError(actionflow.ErrCodeValidation, "phone number is required for sms delivery")
		}
		if err := d.sms.SendSMS(ctx, target.PhoneNumber, RenderText(msg)); err != nil {
			return fmt.Errorf("sms delivery to %s failed: %w", target.UserID, err)
		}
	default:
		if d.registry == nil || !d.registry.IsConnected(target.UserID) {
			return fmt.Errorf("user %s: %w", target.UserID, ErrNoConnection)
		}
		if err := d.registry.Send(ctx, target.UserID, msg); err != nil {
			return fmt.Errorf("websocket delivery to %s failed: %w", target.UserID, err)
		}
	}

	d.logger.Debug().
		Str("user_id", target.UserID).
		Str("channel", string(target.Channel)).
		Str("type", msg.Type).
		Msg("Message dispatched")
	return nil
}
