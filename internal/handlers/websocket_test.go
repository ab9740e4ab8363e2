package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/services/events"
)

func newWSHarness(t *testing.T, throttles map[interfaces.EventType]time.Duration) (*WebSocketHandler, interfaces.EventService, string) {
	t.Helper()

	logger := arbor.NewLogger()
	bus := events.NewService(logger)
	t.Cleanup(func() { bus.Close() })

	handler := NewWebSocketHandler(bus, logger, throttles)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return handler, bus, wsURL
}

func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketHello(t *testing.T) {
	handler, _, wsURL := newWSHarness(t, nil)
	conn := dialWS(t, wsURL)

	msg := readWSMessage(t, conn)
	require.Equal(t, "hello", msg.Type)

	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	require.NotEmpty(t, payload["server_instance_id"])
	require.Len(t, payload["events"], len(interfaces.AllEventTypes))

	require.Equal(t, 1, handler.ClientCount())
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	handler, _, wsURL := newWSHarness(t, nil)
	conn := dialWS(t, wsURL)
	readWSMessage(t, conn)

	require.Equal(t, 1, handler.ClientCount())
	conn.Close()

	require.Eventually(t, func() bool {
		return handler.ClientCount() == 0
	}, 2*time.Second, time.Millisecond)

	// The parallel registries are cleaned with the client map
	handler.mu.RLock()
	defer handler.mu.RUnlock()
	require.Empty(t, handler.clientMutex)
	require.Empty(t, handler.subscriptions)
}

func TestWebSocketBroadcastsEvents(t *testing.T) {
	_, bus, wsURL := newWSHarness(t, nil)
	conn := dialWS(t, wsURL)
	readWSMessage(t, conn)

	err := bus.PublishSync(context.Background(), interfaces.Event{
		Type: interfaces.EventStatementSettled,
		Payload: map[string]interface{}{
			"session_id":   "sess_1",
			"statement_id": 0,
			"state":        "available",
		},
	})
	require.NoError(t, err)

	msg := readWSMessage(t, conn)
	require.Equal(t, "statement.settled", msg.Type)

	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "sess_1", payload["session_id"])
	require.Equal(t, "available", payload["state"])
}

func TestWebSocketFanOut(t *testing.T) {
	handler, bus, wsURL := newWSHarness(t, nil)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dialWS(t, wsURL)
		readWSMessage(t, conns[i])
	}
	require.Equal(t, 3, handler.ClientCount())

	err := bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventSessionCreated,
		Payload: map[string]interface{}{"session_id": "sess_fan"},
	})
	require.NoError(t, err)

	for i, conn := range conns {
		msg := readWSMessage(t, conn)
		require.Equal(t, "session.created", msg.Type, "client %d", i)
	}
}

func TestWebSocketSubscribeFilter(t *testing.T) {
	_, bus, wsURL := newWSHarness(t, nil)
	conn := dialWS(t, wsURL)
	readWSMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "subscribe",
		"events": []string{"statement.settled"},
	}))

	ack := readWSMessage(t, conn)
	require.Equal(t, "subscribed", ack.Type)

	ctx := context.Background()

	// Filtered out for this client
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventSessionCreated,
		Payload: map[string]interface{}{"session_id": "sess_noise"},
	}))

	// Passes the filter
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventStatementSettled,
		Payload: map[string]interface{}{"session_id": "sess_want"},
	}))

	msg := readWSMessage(t, conn)
	require.Equal(t, "statement.settled", msg.Type)
}

func TestWebSocketSubscribeUnknownEvent(t *testing.T) {
	_, _, wsURL := newWSHarness(t, nil)
	conn := dialWS(t, wsURL)
	readWSMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "subscribe",
		"events": []string{"bogus.event"},
	}))

	msg := readWSMessage(t, conn)
	require.Equal(t, "error", msg.Type)

	detail, ok := msg.Payload.(string)
	require.True(t, ok)
	require.Contains(t, detail, `unknown event type "bogus.event"`)
}

func TestWebSocketThrottlesEvents(t *testing.T) {
	throttles := map[interfaces.EventType]time.Duration{
		interfaces.EventStatementSubmitted: time.Hour,
	}
	_, bus, wsURL := newWSHarness(t, throttles)
	conn := dialWS(t, wsURL)
	readWSMessage(t, conn)

	ctx := context.Background()

	// First submission passes; the second burns against the hour window
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventStatementSubmitted,
		Payload: map[string]interface{}{"statement_id": 0},
	}))
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventStatementSubmitted,
		Payload: map[string]interface{}{"statement_id": 1},
	}))

	// Settlement is never throttled; receiving it proves the second
	// submission was dropped rather than delayed
	require.NoError(t, bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventStatementSettled,
		Payload: map[string]interface{}{"statement_id": 0},
	}))

	first := readWSMessage(t, conn)
	require.Equal(t, "statement.submitted", first.Type)

	second := readWSMessage(t, conn)
	require.Equal(t, "statement.settled", second.Type)
}
