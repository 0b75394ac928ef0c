// Package realtime delivers events to the live connections of a user.
//
// Every connection joins the channel of the user it authenticated as. Pushes
// are best-effort: an event for a user without connections is discarded, and a
// connection whose send buffer is full misses the event. Clients catch up by
// listing their notifications.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/garnizeh/servicemarket/internal/metrics"
)

// DefaultBufferSize is the per-connection send buffer used when none is configured.
const DefaultBufferSize = 32

// Event is the frame written to clients.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client is one live connection registered in a user's channel.
type Client struct {
	userID    int64
	send      chan []byte
	closeOnce sync.Once
}

// UserID returns the user whose channel the client joined.
func (c *Client) UserID() int64 { return c.userID }

// Send returns the frames queued for the connection. It is closed when the
// client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Hub is the process-local channel registry.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[int64]map[*Client]struct{}
	bufferSize int
	logger     *slog.Logger
}

func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Hub{
		rooms:      make(map[int64]map[*Client]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Register adds a new connection to the channel of userID.
func (h *Hub) Register(userID int64) *Client {
	c := &Client{userID: userID, send: make(chan []byte, h.bufferSize)}

	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[userID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()

	metrics.RealtimeConnections.Inc()
	h.logger.Debug("realtime client registered", slog.Int64("user_id", userID))
	return c
}

// Unregister removes the client and closes its send channel. Calling it more
// than once is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[c.userID]
	_, present := room[c]
	if ok && present {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	c.closeOnce.Do(func() { close(c.send) })
	h.mu.Unlock()

	if present {
		metrics.RealtimeConnections.Dec()
		h.logger.Debug("realtime client unregistered", slog.Int64("user_id", c.userID))
	}
}

// Connections returns how many live connections userID has in this process.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Push queues the event on every connection of userID without blocking. The
// only error is a payload that cannot be encoded.
func (h *Hub) Push(_ context.Context, userID int64, event string, data any) error {
	frame, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[userID]
	if len(room) == 0 {
		metrics.RealtimePushes.WithLabelValues("offline").Inc()
		return nil
	}

	for c := range room {
		select {
		case c.send <- frame:
			metrics.RealtimePushes.WithLabelValues("delivered").Inc()
		default:
			metrics.RealtimePushes.WithLabelValues("dropped").Inc()
			h.logger.Warn("realtime buffer full, event dropped", slog.Int64("user_id", userID), slog.String("event", event))
		}
	}

	return nil
}

// Close unregisters every client.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Client
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.Unregister(c)
	}
}
