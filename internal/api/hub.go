package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stopsafe/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub manages dashboard WebSocket clients. Every sync result is pushed to
// all connected clients so open dashboards refresh without polling.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]json.RawMessage // last payload per event type
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewHub creates a Hub.
func NewHub(m *metrics.Metrics, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		latest:  make(map[string]json.RawMessage),
		metrics: m,
		log:     log,
	}
}

// HandleWS upgrades the connection and registers the client.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(count))
	}
	h.log.Info("ws client connected", slog.Int("total", count))

	go client.sendInitialState()
	go client.writePump()
	go client.readPump()
}

// removeClient drops a client from the hub.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)

	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(count))
	}
}

// Broadcast wraps payload in an envelope and fans it out to every client.
// Slow clients are skipped rather than blocking the broadcast.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("broadcast marshal failed", slog.String("event", event), slog.Any("err", err))
		return
	}
	envelope, _ := json.Marshal(map[string]any{
		"type": event,
		"data": json.RawMessage(data),
		"ts":   time.Now().Format(time.RFC3339Nano),
	})

	h.mu.Lock()
	h.latest[event] = envelope
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- envelope:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
