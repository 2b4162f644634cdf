package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/logger"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
)

const maxWSConnections = 200

// Event is one dashboard broadcast: a state change the UI should react to.
type Event struct {
	Type    string      `json:"type"`
	StackID string      `json:"stack_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Time    time.Time   `json:"time"`
}

// EventHub fans control-plane events out to connected dashboard clients.
// Single broadcaster goroutine; publishes never block the mutation path.
type EventHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event
	mu         sync.RWMutex
	log        logger.Logger
}

func NewEventHub(log logger.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 256),
		log:        log,
	}
}

// Run starts the hub's main loop.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("dashboard connection rejected, hub full",
					logger.Int("max", maxWSConnections))
				continue
			}
			h.clients[conn] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			observability.DashboardClients.Set(float64(count))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.DashboardClients.Set(float64(count))

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

// Publish queues an event for broadcast. Drops when the buffer is full: the
// dashboard is a live view, not a durable consumer.
func (h *EventHub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case h.events <- event:
	default:
	}
}

func (h *EventHub) broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			h.log.Debug("dashboard write failed, dropping client", logger.Error(err))
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.DashboardClients.Set(0)
}

// Register adds a new client connection.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Admin auth already ran; the dashboard may be served from another origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleDashboardSocket upgrades an operator connection into the event feed.
func (a *API) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", logger.Error(err))
		return
	}
	a.hub.Register(conn)

	// Read pump: discard client frames, detect disconnect.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
