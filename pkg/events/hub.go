package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/runforge/execore/pkg/models"
)

// catchupLimit caps a single catch-up response. Beyond it the client gets a
// catchup.overflow frame and should reload over REST instead of paginating.
const catchupLimit = 200

// listenTimeout bounds how long a subscribe may block on the LISTEN
// command; a stalled connection must not wedge the client's read loop.
const listenTimeout = 10 * time.Second

// CatchupSource replays persisted events after a reconnect. Implemented by
// database.Client.
type CatchupSource interface {
	GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]*models.ExecutionEvent, error)
}

// Hub tracks the pod's WebSocket connections and their channel
// subscriptions, and bridges them to the NOTIFY listener.
type Hub struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	channels  map[string]map[string]bool // channel -> connection IDs
	channelMu sync.RWMutex

	catchup CatchupSource

	listener   *Listener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
}

// Connection is one WebSocket client.
//
// subscriptions is touched only by the goroutine that owns the connection
// (the read loop and its deferred cleanup), so it carries no lock.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHub creates a hub. catchup may be nil to disable replay.
func NewHub(catchup CatchupSource, writeTimeout time.Duration) *Hub {
	return &Hub{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the NOTIFY listener after both sides are constructed.
func (h *Hub) SetListener(l *Listener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listener = l
}

// HandleConnection owns one upgraded WebSocket until it closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		h.handleMessage(ctx, c, &msg)
	}
}

// Broadcast delivers a raw payload to every local subscriber of a channel.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.channelMu.RLock()
	ids := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	// Snapshot connections before sending so slow writes (bounded by
	// writeTimeout each) never hold the registry locks.
	h.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.ID, "error", err)
		}
	}
}

// ActiveConnections returns how many WebSocket clients are connected.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// subscriberCount lets tests poll instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) handleMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := h.subscribe(c, msg.Channel); err != nil {
			h.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		h.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Replay everything already persisted so a late subscriber starts
		// complete.
		h.runCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastEventID != nil {
			h.runCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers the connection and issues LISTEN when it is the
// channel's first subscriber. LISTEN completes before this returns, so the
// following catch-up leaves no gap between replayed and live events.
func (h *Hub) subscribe(c *Connection, channel string) error {
	h.channelMu.Lock()
	needsListen := false
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	h.channels[channel][c.ID] = true
	h.channelMu.Unlock()

	if needsListen {
		h.listenerMu.RLock()
		l := h.listener
		h.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				h.dropFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// dropFailedChannel removes every subscriber of a channel after a LISTEN
// failure. Connections that piggybacked on the in-flight LISTEN got a
// confirmed subscription that never went live; they are told to treat it as
// failed. The triggering connection is informed by the caller.
func (h *Hub) dropFailedChannel(triggering *Connection, channel string) {
	h.channelMu.Lock()
	affected := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		if id != triggering.ID {
			affected = append(affected, id)
		}
	}
	delete(h.channels, channel)
	h.channelMu.Unlock()

	if len(affected) == 0 {
		return
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(affected))
	for _, id := range affected {
		if c, ok := h.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", c.ID, "channel", channel)
		h.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe drops the connection from a channel and UNLISTENs when the
// last subscriber leaves. The UNLISTEN goroutine re-checks the registry
// first: a rapid unsubscribe/resubscribe cycle must not drop a LISTEN that
// a fresh subscriber relies on.
func (h *Hub) unsubscribe(c *Connection, channel string) {
	h.channelMu.Lock()
	if subs, exists := h.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.channels, channel)
			h.listenerMu.RLock()
			l := h.listener
			h.listenerMu.RUnlock()
			if l != nil {
				go func() {
					h.channelMu.RLock()
					_, resubscribed := h.channels[channel]
					h.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	h.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// runCatchup replays persisted events after sinceID in order.
func (h *Hub) runCatchup(ctx context.Context, c *Connection, channel string, sinceID int64) {
	if h.catchup == nil {
		return
	}

	// One extra row detects overflow.
	rows, err := h.catchup.GetEventsSince(ctx, channel, sinceID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}
	hasMore := len(rows) > catchupLimit
	if hasMore {
		rows = rows[:catchupLimit]
	}

	for _, row := range rows {
		payload, err := json.Marshal(WirePayload(row))
		if err != nil {
			continue
		}
		if err := h.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		h.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
}

func (h *Hub) unregister(c *Connection) {
	for ch := range c.subscriptions {
		h.unsubscribe(c, ch)
	}

	h.mu.Lock()
	delete(h.connections, c.ID)
	h.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

func (h *Hub) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
