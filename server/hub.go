package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/pipeline"
)

// Message is the envelope for every WebSocket frame the hub sends.
type Message struct {
	Type string      `json:"type"` // "document_status" | "job_update"
	Data interface{} `json:"data"`
}

// Hub fans pipeline events out to connected WebSocket clients. One pump
// goroutine consumes the document notifier and the queue subscription; each
// client gets a buffered send queue and is dropped when it falls behind.
type Hub struct {
	notifier *document.Notifier
	queue    *pipeline.Queue
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*client]struct{}

	runOnce sync.Once
	done    chan struct{}
}

// NewHub creates a hub. allowedOrigins restricts WebSocket upgrades; empty
// means same-origin only, "*" allows any.
func NewHub(notifier *document.Notifier, queue *pipeline.Queue, allowedOrigins []string, logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &Hub{
		notifier: notifier,
		queue:    queue,
		logger:   logger,
		clients:  make(map[*client]struct{}),
		done:     make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		allowedSet[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowedSet[origin]; ok {
			return true
		}
		// Fall back to the default same-origin check
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// Run starts the event pump.
func (h *Hub) Run() {
	h.runOnce.Do(func() {
		statusUpdates := h.notifier.Subscribe()
		jobUpdates := h.queue.Subscribe()

		go func() {
			defer h.notifier.Unsubscribe(statusUpdates)
			defer h.queue.Unsubscribe(jobUpdates)
			for {
				select {
				case <-h.done:
					return
				case update, ok := <-statusUpdates:
					if !ok {
						return
					}
					h.broadcast(Message{Type: "document_status", Data: update})
				case job, ok := <-jobUpdates:
					if !ok {
						return
					}
					h.broadcast(Message{Type: "job_update", Data: job})
				}
			}
		}()
	})
}

// Stop disconnects all clients and stops the pump.
func (h *Hub) Stop() {
	select {
	case <-h.done:
		return
	default:
	}
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("Failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Slow consumer: drop the connection, the client can reconnect
			// and re-read state over HTTP.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

// handleWebSocket upgrades the connection and attaches it to the hub.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(h, conn)
	h.register(c)
	h.logger.Debugw("WebSocket client connected", "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}
