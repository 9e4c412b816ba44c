package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"mentorchat/internal/auth"
	"mentorchat/internal/metrics"
	"mentorchat/internal/models"
)

// FrameHandler processes frames sent by connected clients. *chat.Service
// implements it.
type FrameHandler interface {
	Typing(ctx context.Context, s auth.Session, conversationID int64, typing bool) error
	Acknowledge(ctx context.Context, s auth.Session, conversationID, messageID int64) error
	MarkRead(ctx context.Context, s auth.Session, conversationID int64) ([]int64, error)
}

// Hub tracks the live connections of every user. One user may hold several
// connections (tabs, devices); events go to all of them.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	users      map[int64]map[*Client]struct{}
	mu         sync.RWMutex
	frames     FrameHandler
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewHub(frames FrameHandler, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		users:      make(map[int64]map[*Client]struct{}),
		frames:     frames,
		metrics:    m,
		logger:     logger.With("component", "websocket"),
	}
}

// SetFrameHandler wires the inbound frame processor after construction,
// since the chat service itself publishes through the hub.
func (h *Hub) SetFrameHandler(frames FrameHandler) {
	h.mu.Lock()
	h.frames = frames
	h.mu.Unlock()
}

func (h *Hub) frameHandler() FrameHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frames
}

// Run owns registration until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub_started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.users {
				for client := range clients {
					close(client.send)
				}
			}
			h.users = make(map[int64]map[*Client]struct{})
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.ActiveConnections.Set(0)
			}
			h.logger.Info("hub_stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			clients, ok := h.users[client.session.UserID]
			if !ok {
				clients = make(map[*Client]struct{})
				h.users[client.session.UserID] = clients
			}
			clients[client] = struct{}{}
			total := h.countLocked()
			h.mu.Unlock()

			if h.metrics != nil {
				h.metrics.ActiveConnections.Inc()
			}
			h.logger.Info("client_connected", "user_id", client.session.UserID, "connections", total)

			welcome := models.WebSocketMessage{
				Type:    models.EventSystem,
				Payload: map[string]interface{}{"message": "Connected to chat server"},
			}
			if data, err := json.Marshal(welcome); err == nil {
				select {
				case client.send <- data:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			removed := false
			if clients, ok := h.users[client.session.UserID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					removed = true
				}
				if len(clients) == 0 {
					delete(h.users, client.session.UserID)
				}
			}
			total := h.countLocked()
			h.mu.Unlock()

			if removed {
				if h.metrics != nil {
					h.metrics.ActiveConnections.Dec()
				}
				h.logger.Info("client_disconnected", "user_id", client.session.UserID, "connections", total)
			}
		}
	}
}

// Register hands a new connection to the hub. It returns false once the hub
// has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) countLocked() int {
	n := 0
	for _, clients := range h.users {
		n += len(clients)
	}
	return n
}

// Publish delivers event to every local connection of the recipients. A
// connection whose buffer is full is closed instead of blocking the caller;
// the client recovers by refetching after it reconnects.
func (h *Hub) Publish(_ context.Context, recipients []int64, event models.WebSocketMessage) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range recipients {
		for client := range h.users[userID] {
			select {
			case client.send <- data:
			default:
				h.logger.Warn("slow_consumer_dropped", "user_id", userID, "type", event.Type)
				if h.metrics != nil {
					h.metrics.EventsDropped.WithLabelValues("slow_consumer").Inc()
				}
				client.closeConn()
			}
		}
	}
	return nil
}

// Connected reports whether userID has at least one live connection here.
func (h *Hub) Connected(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}
