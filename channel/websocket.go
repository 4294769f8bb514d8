package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// InboundMessage is a frame received from a connected client
type InboundMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId"`
	StepID    string           `json:"stepId,omitempty"`
	Value     string           `json:"value,omitempty"`
	Decision  *DecisionPayload `json:"decision,omitempty"`
}

// InboundHandler receives client frames; errors are reported back on the socket
type InboundHandler func(ctx context.Context, userID string, msg *InboundMessage) error

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// WSRegistry keeps one live websocket per user on this instance
type WSRegistry struct {
	mu      sync.RWMutex
	conns   map[string]*wsConn
	handler InboundHandler
	logger  zerolog.Logger
}

// NewWSRegistry creates an empty registry
func NewWSRegistry(logger zerolog.Logger) *WSRegistry {
	return &WSRegistry{
		conns:  make(map[string]*wsConn),
		logger: logger,
	}
}

// OnMessage sets the handler for inbound frames
func (r *WSRegistry) OnMessage(h InboundHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *WSRegistry) register(userID string, conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn}
	r.mu.Lock()
	old := r.conns[userID]
	r.conns[userID] = c
	r.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
	}
	r.logger.Info().Str("user_id", userID).Msg("Websocket connected")
	return c
}

func (r *WSRegistry) unregister(userID string, c *wsConn) {
	r.mu.Lock()
	if r.conns[userID] == c {
		delete(r.conns, userID)
	}
	r.mu.Unlock()
	_ = c.conn.Close()
	r.logger.Info().Str("user_id", userID).Msg("Websocket disconnected")
}

// IsConnected reports whether the user has a live socket here
func (r *WSRegistry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// Send writes msg to the user's socket.
// A failed write drops the connection and returns ErrDisconnected.
func (r *WSRegistry) Send(ctx context.Context, userID string, msg *Message) error {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoConnection
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.writeJSON(msg); err != nil {
		r.unregister(userID, c)
		return errors.Join(ErrDisconnected, err)
	}
	return nil
}

// ServeHTTP upgrades the request and reads frames until the client goes away.
// The subject is taken from the userId query parameter.
func (r *WSRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := r.register(userID, conn)
	defer r.unregister(userID, c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			_ = c.writeJSON(NewMessage(TypeError, "", "malformed message"))
			continue
		}

		r.mu.RLock()
		h := r.handler
		r.mu.RUnlock()
		if h == nil {
			continue
		}
		if err := h(req.Context(), userID, &in); err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Str("type", in.Type).Msg("Inbound message rejected")
			_ = c.writeJSON(NewMessage(TypeError, in.SessionID, err.Error()))
		}
	}
}

// Close drops every connection
func (r *WSRegistry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*wsConn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

var _ ConnectionRegistry = (*WSRegistry)(nil)
