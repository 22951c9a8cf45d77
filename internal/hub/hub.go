// Package hub tracks live connections and performs event fan-out.
//
// The hub ties each open transport to exactly one participant id and offers
// best-effort unicast, broadcast with exclusion, and broadcast to all. A
// failed send never aborts delivery to the remaining connections: the
// failing connection is closed so its read loop unwinds into the normal
// disconnect cleanup.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowsync-dev/flowsync/internal/metrics"
)

// Conn is the transport surface the hub writes to. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// connection pairs a transport with its participant. The mutex serializes
// writes to the underlying socket.
type connection struct {
	conn          Conn
	participantID string
	mu            sync.Mutex
}

// send writes one text frame under the connection's write mutex.
func (c *connection) send(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is the connection registry.
type Hub struct {
	mu            sync.RWMutex
	conns         map[Conn]*connection
	byParticipant map[string]*connection

	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// New creates a Hub. writeTimeout bounds every socket write; zero disables
// the deadline. metrics may be nil.
func New(writeTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:         make(map[Conn]*connection),
		byParticipant: make(map[string]*connection),
		writeTimeout:  writeTimeout,
		logger:        logger.With("component", "hub"),
		metrics:       m,
	}
}

// Register ties a connection to a participant id.
func (h *Hub) Register(conn Conn, participantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &connection{conn: conn, participantID: participantID}
	h.conns[conn] = c
	h.byParticipant[participantID] = c
	h.metrics.SetParticipants(len(h.conns))
}

// Unregister removes a connection and reports the participant it carried.
// It is idempotent: the second call for the same connection returns
// ok=false, which callers use to run disconnect cleanup exactly once.
func (h *Hub) Unregister(conn Conn) (participantID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[conn]
	if !ok {
		return "", false
	}
	delete(h.conns, conn)
	// The participant entry may already point at a newer connection.
	if cur, exists := h.byParticipant[c.participantID]; exists && cur == c {
		delete(h.byParticipant, c.participantID)
	}
	h.metrics.SetParticipants(len(h.conns))
	return c.participantID, true
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendTo unicasts an encoded event to one participant. The send is
// best-effort: an unknown participant (a race with disconnect) is silently
// dropped.
func (h *Hub) SendTo(participantID string, event []byte) {
	h.mu.RLock()
	c, ok := h.byParticipant[participantID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver(c, event)
}

// Broadcast sends an encoded event to every registered connection except
// the excluded participant. An empty exclude id broadcasts to everyone.
func (h *Hub) Broadcast(event []byte, excludeParticipantID string) {
	for _, c := range h.targets() {
		if excludeParticipantID != "" && c.participantID == excludeParticipantID {
			continue
		}
		h.deliver(c, event)
	}
}

// BroadcastAll sends an encoded event to every registered connection,
// author included.
func (h *Hub) BroadcastAll(event []byte) {
	h.Broadcast(event, "")
}

// targets snapshots the connection list so sends run outside the registry
// lock.
func (h *Hub) targets() []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// deliver sends to one connection, closing it on failure so its reader
// schedules unregistration.
func (h *Hub) deliver(c *connection, event []byte) {
	if err := c.send(event, h.writeTimeout); err != nil {
		h.logger.Warn("send failed, closing connection",
			"participant_id", c.participantID,
			"error", err)
		h.metrics.SendFailed()
		c.conn.Close()
		return
	}
	h.metrics.BroadcastSent()
}
