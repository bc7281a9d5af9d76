package alerts

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards connect from arbitrary origins on the management network
	},
}

// streamWriteWait bounds how long one slow subscriber can hold up the
// feed before being dropped.
const streamWriteWait = 5 * time.Second

// Hub fans alert verdicts out to the websocket subscribers of the live
// feed. Delivery is best effort: a full backlog drops the message and a
// stalled client is disconnected.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	closed    bool

	logger *slog.Logger
	gauge  prometheus.Gauge
}

// NewHub builds an idle hub. The gauge tracks connected subscribers and
// may be nil.
func NewHub(logger *slog.Logger, gauge prometheus.Gauge) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
		logger:    logger,
		gauge:     gauge,
	}
}

// Run delivers queued broadcasts until Stop is called, then disconnects
// every remaining subscriber.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mu.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("dropping stream client", "error", err)
				client.Close()
				delete(h.clients, client)
				h.decClients()
			}
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
		h.decClients()
	}
	h.mu.Unlock()
}

// Stop closes the broadcast queue. Run exits once the queue drains.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.broadcast)
}

// Subscribe upgrades the request and registers the connection. The read
// loop exists only to notice disconnects; the feed is one way.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.incClients()

	h.logger.Debug("stream client connected", "clients", total)

	go func() {
		defer func() {
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				h.decClients()
			}
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast queues data for delivery to every subscriber. It never
// blocks; when the backlog is full the message is dropped.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Debug("stream backlog full, message dropped")
	}
}

func (h *Hub) incClients() {
	if h.gauge != nil {
		h.gauge.Inc()
	}
}

func (h *Hub) decClients() {
	if h.gauge != nil {
		h.gauge.Dec()
	}
}
