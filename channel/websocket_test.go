package channel

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialRegistry(t *testing.T, reg *WSRegistry, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?userId=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return reg.IsConnected(userID) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestWSRegistry_Send(t *testing.T) {
	reg := NewWSRegistry(zerolog.Nop())
	conn := dialRegistry(t, reg, "u1")

	require.NoError(t, reg.Send(context.Background(), "u1", NewMessage(TypeStepExecution, "s1", &StepExecutionPayload{StepID: "a"})))

	var got map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TypeStepExecution, got["type"])
	assert.Equal(t, "s1", got["sessionId"])

	assert.ErrorIs(t, reg.Send(context.Background(), "nobody", NewMessage(TypeError, "", "x")), ErrNoConnection)
}

func TestWSRegistry_Inbound(t *testing.T) {
	reg := NewWSRegistry(zerolog.Nop())
	received := make(chan *InboundMessage, 1)
	reg.OnMessage(func(ctx context.Context, userID string, msg *InboundMessage) error {
		if msg.Type == "bad" {
			return errors.New("unsupported")
		}
		received <- msg
		return nil
	})
	conn := dialRegistry(t, reg, "u1")

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: TypeInterventionResponse, SessionID: "s1", StepID: "a", Value: "sarah@b.com"}))
	select {
	case msg := <-received:
		assert.Equal(t, "sarah@b.com", msg.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not delivered")
	}

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "bad", SessionID: "s1"}))
	var reply map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypeError, reply["type"])
	assert.Equal(t, "unsupported", reply["payload"])
}

func TestWSRegistry_DisconnectUnregisters(t *testing.T) {
	reg := NewWSRegistry(zerolog.Nop())
	conn := dialRegistry(t, reg, "u1")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !reg.IsConnected("u1") }, 2*time.Second, 10*time.Millisecond)
}

func TestWSRegistry_RequiresUser(t *testing.T) {
	reg := NewWSRegistry(zerolog.Nop())
	srv := httptest.NewServer(reg)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
