// -----------------------------------------------------------------------
// WebSocket Handler - Event stream for session and statement lifecycle
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/interfaces"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// DefaultThrottleIntervals throttles the chattiest event type. Submission
// notices are client-initiated and recoverable over REST; settlement and
// state events are never dropped.
var DefaultThrottleIntervals = map[interfaces.EventType]time.Duration{
	interfaces.EventStatementSubmitted: 100 * time.Millisecond,
}

// WSMessage is the envelope for every frame sent to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// wsClientMessage is what clients may send: a subscription filter.
// An empty events list subscribes to everything.
type wsClientMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

// WebSocketHandler streams bus events to connected clients.
//
// Each client holds its own write mutex; a slow client delays only its
// own frames. Clients may narrow the stream with a subscribe message;
// unknown event types are rejected against the bus whitelist.
type WebSocketHandler struct {
	logger           arbor.ILogger
	events           interfaces.EventService
	mu               sync.RWMutex
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	subscriptions    map[*websocket.Conn]map[interfaces.EventType]bool // nil = all events
	throttlers       map[interfaces.EventType]*rate.Limiter
	allowedEvents    map[interfaces.EventType]bool
	serverInstanceID string // Unique ID generated on startup - clients use to detect server restart
}

// NewWebSocketHandler creates the event stream handler and subscribes it
// to the bus. A nil throttles map disables throttling.
func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, throttles map[interfaces.EventType]time.Duration) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		events:           eventService,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		subscriptions:    make(map[*websocket.Conn]map[interfaces.EventType]bool),
		throttlers:       make(map[interfaces.EventType]*rate.Limiter),
		allowedEvents:    make(map[interfaces.EventType]bool),
		serverInstanceID: uuid.New().String(),
	}

	for _, eventType := range interfaces.AllEventTypes {
		h.allowedEvents[eventType] = true
	}

	for eventType, interval := range throttles {
		if interval <= 0 {
			continue
		}
		h.throttlers[eventType] = rate.NewLimiter(rate.Every(interval), 1)
		logger.Debug().
			Str("event_type", string(eventType)).
			Str("interval", interval.String()).
			Msg("Throttler initialized for event type")
	}

	if eventService != nil {
		if err := eventService.SubscribeAll(h.onEvent); err != nil {
			logger.Warn().Err(err).Msg("Failed to subscribe websocket handler to event bus")
		}
	}

	logger.Info().
		Str("server_instance_id", h.serverInstanceID).
		Msg("WebSocket handler initialized")

	return h
}

// HandleWebSocket handles GET /ws connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	h.subscriptions[conn] = nil
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.sendHello(conn)

	pingDone := make(chan struct{})
	common.SafeGo(h.logger, "websocket.ping", func() {
		h.pingLoop(conn, pingDone)
	})

	defer func() {
		close(pingDone)

		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		delete(h.subscriptions, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Type == "subscribe" {
			h.handleSubscribe(conn, msg.Events)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// onEvent receives every bus event and fans it out to clients
func (h *WebSocketHandler) onEvent(ctx context.Context, event interfaces.Event) error {
	if !h.allowedEvents[event.Type] {
		return nil
	}

	if throttler, ok := h.throttlers[event.Type]; ok && !throttler.Allow() {
		// Throttled; the REST surface remains authoritative
		return nil
	}

	h.broadcast(event.Type, WSMessage{
		Type:    string(event.Type),
		Payload: event.Payload,
	})
	return nil
}

// broadcast sends one message to every client subscribed to its type
func (h *WebSocketHandler) broadcast(eventType interfaces.EventType, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal event message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		if sub := h.subscriptions[conn]; sub != nil && !sub[eventType] {
			continue
		}
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send event to client")
		}
	}
}

// handleSubscribe replaces a client's subscription set. Unknown event
// types reject the whole request so clients notice their typo.
func (h *WebSocketHandler) handleSubscribe(conn *websocket.Conn, eventNames []string) {
	subscription := make(map[interfaces.EventType]bool, len(eventNames))
	for _, name := range eventNames {
		eventType := interfaces.EventType(name)
		if !h.allowedEvents[eventType] {
			h.sendTo(conn, WSMessage{
				Type:    "error",
				Payload: fmt.Sprintf("unknown event type %q", name),
			})
			return
		}
		subscription[eventType] = true
	}

	// Empty list resubscribes to everything
	if len(subscription) == 0 {
		subscription = nil
	}

	h.mu.Lock()
	if _, connected := h.clients[conn]; connected {
		h.subscriptions[conn] = subscription
	}
	h.mu.Unlock()

	h.sendTo(conn, WSMessage{
		Type:    "subscribed",
		Payload: eventNames,
	})
}

// sendHello sends the handshake frame carrying the server instance id
// and the subscribable event types
func (h *WebSocketHandler) sendHello(conn *websocket.Conn) {
	h.sendTo(conn, WSMessage{
		Type: "hello",
		Payload: map[string]interface{}{
			"server_instance_id": h.serverInstanceID,
			"events":             interfaces.AllEventTypes,
		},
	})
}

// sendTo writes one message to a single client under its write mutex
func (h *WebSocketHandler) sendTo(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal message")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex == nil {
		return
	}

	mutex.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	mutex.Unlock()

	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send message to client")
	}
}

// pingLoop keeps the connection alive until the client goes away
func (h *WebSocketHandler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.mu.RLock()
			mutex := h.clientMutex[conn]
			h.mu.RUnlock()

			if mutex == nil {
				return
			}

			mutex.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			mutex.Unlock()

			if err != nil {
				return
			}
		}
	}
}
