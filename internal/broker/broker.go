// Package broker implements the protocol router: it owns the
// per-connection lifecycle, decodes and validates inbound envelopes,
// applies them to the shared state, and decides what to broadcast or
// unicast as a result.
//
// Every router step (one inbound message, one connect, one disconnect)
// runs under a single mutex spanning the state mutation and the resulting
// broadcast dispatch, so all participants observe document, users, and
// locks changes in the same relative order as they were applied.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowsync-dev/flowsync/internal/hub"
	"github.com/flowsync-dev/flowsync/internal/metrics"
	"github.com/flowsync-dev/flowsync/internal/state"
	"github.com/flowsync-dev/flowsync/pkg/protocol"
)

const tracerName = "flowsync/broker"

// Conn is the transport the broker serves. *websocket.Conn satisfies it.
type Conn interface {
	hub.Conn
	ReadMessage() (messageType int, p []byte, err error)
}

// Config configures a Broker.
type Config struct {
	// ValidateDocument checks a replacement document before it is applied.
	// The router owns schema checks; the default accepts anything
	// non-empty.
	ValidateDocument func(document string) error

	// DefaultSeed is the document installed when the room empties. Also
	// used at connect time when no per-connection seed is given.
	DefaultSeed string

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Broker routes protocol messages between connections and the shared
// state.
type Broker struct {
	state  *state.State
	hub    *hub.Hub
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	// mu serializes router steps: one mutation plus its broadcast
	// dispatch.
	mu sync.Mutex
}

// New creates a Broker over the given state and hub.
func New(st *state.State, h *hub.Hub, cfg Config) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ValidateDocument == nil {
		cfg.ValidateDocument = func(string) error { return nil }
	}
	return &Broker{
		state:  st,
		hub:    h,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "broker"),
		tracer: otel.Tracer(tracerName),
	}
}

// ServeConn drives one connection from open to close. It blocks until the
// transport fails or is closed, then runs disconnect cleanup exactly once.
func (b *Broker) ServeConn(conn Conn) {
	b.ServeConnSeeded(conn, "")
}

// ServeConnSeeded is ServeConn with an explicit seed document, used when
// this connection is the first into an empty room. Pass "" for the
// default.
func (b *Broker) ServeConnSeeded(conn Conn, seed string) {
	participantID := b.connect(conn, seed)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		b.handleMessage(participantID, data)
	}

	b.disconnect(conn)
}

// connect runs the Connecting → Synced transition: register the
// participant, snapshot the state, unicast init to the newcomer, and
// announce the grown user table to everyone else.
func (b *Broker) connect(conn Conn, seed string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	// First participant into an empty room picks the seed document.
	if b.state.ParticipantCount() == 0 {
		if seed == "" {
			seed = b.cfg.DefaultSeed
		}
		if seed != "" {
			if err := b.state.ReplaceDocument(seed); err != nil {
				b.logger.Error("seed document rejected", "error", err)
			}
		}
	}

	participantID, displayName := b.state.AddParticipant()
	snap := b.state.Snapshot()

	b.hub.Register(conn, participantID)

	b.unicast(participantID, protocol.NewInit(participantID, snap.Document, snap.Participants, snap.Locks))
	b.broadcastExcept(participantID, protocol.NewUsersChanged(snap.Participants))

	b.logger.Info("participant connected",
		"participant_id", participantID,
		"display_name", displayName,
		"participants", b.state.ParticipantCount())
	return participantID
}

// disconnect runs the Synced → Closed transition. The hub's unregister
// step is the exactly-once guard: a second call for the same connection is
// a no-op even when an error path and a clean shutdown race.
func (b *Broker) disconnect(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	participantID, ok := b.hub.Unregister(conn)
	if !ok {
		return
	}
	conn.Close()

	released, err := b.state.RemoveParticipant(participantID)
	if err != nil {
		b.logger.Error("disconnect cleanup failed", "participant_id", participantID, "error", err)
		return
	}

	snap := b.state.Snapshot()
	b.broadcastAll(protocol.NewUsersChanged(snap.Participants))
	if len(released) > 0 {
		b.broadcastAll(protocol.NewLocksChanged(snap.Locks))
	}

	b.cfg.Metrics.SetHeldLocks(b.state.LockCount())

	// Last one out resets the room to its seed.
	if b.state.ParticipantCount() == 0 && b.cfg.DefaultSeed != "" {
		if err := b.state.ReplaceDocument(b.cfg.DefaultSeed); err != nil {
			b.logger.Error("room reset failed", "error", err)
		}
	}

	b.logger.Info("participant disconnected",
		"participant_id", participantID,
		"released_locks", len(released))
}

// handleMessage dispatches one inbound envelope while the connection is
// Synced. Validation failures are reported in-band; the connection stays
// open.
func (b *Broker) handleMessage(participantID string, data []byte) {
	start := time.Now()

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		b.cfg.Metrics.MessageReceived("invalid")
		b.mu.Lock()
		b.unicast(participantID, protocol.NewError(validationMessage(err)))
		b.mu.Unlock()
		return
	}

	kind := messageKind(msg)
	b.cfg.Metrics.MessageReceived(string(kind))

	_, span := b.tracer.Start(context.Background(), "broker.handle",
		trace.WithAttributes(
			attribute.String("message.kind", string(kind)),
			attribute.String("participant.id", participantID),
		))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.DocumentUpdate:
		b.handleDocumentUpdate(participantID, m)
	case *protocol.Rename:
		b.handleRename(participantID, m)
	case *protocol.Select:
		b.handleSelect(participantID, m)
	case *protocol.Deselect:
		b.handleDeselect(participantID, m)
	}

	b.cfg.Metrics.ObserveHandle(time.Since(start).Seconds())
}

// handleDocumentUpdate replaces the document and announces it to everyone
// except the author. Last write wins; concurrent edits are not merged.
func (b *Broker) handleDocumentUpdate(participantID string, m *protocol.DocumentUpdate) {
	if err := b.cfg.ValidateDocument(m.Document); err != nil {
		b.unicast(participantID, protocol.NewError("invalid document: "+err.Error()))
		return
	}
	if err := b.state.ReplaceDocument(m.Document); err != nil {
		b.unicast(participantID, protocol.NewError(err.Error()))
		return
	}
	b.broadcastExcept(participantID, protocol.NewDocumentChanged(m.Document))
}

// handleRename updates the author's display name. Everyone, author
// included, sees the authoritative table.
func (b *Broker) handleRename(participantID string, m *protocol.Rename) {
	if err := b.state.RenameParticipant(participantID, m.DisplayName); err != nil {
		b.unicast(participantID, protocol.NewError(renameMessage(err)))
		return
	}
	b.broadcastAll(protocol.NewUsersChanged(b.state.Snapshot().Participants))
}

// handleSelect replaces the author's selection. The full lock table is
// broadcast when anything changed; each rejection goes back to the author
// alone.
func (b *Broker) handleSelect(participantID string, m *protocol.Select) {
	result := b.state.AcquireLocks(participantID, m.ElementIDs)

	if result.Changed() {
		b.broadcastAll(protocol.NewLocksChanged(b.state.Snapshot().Locks))
	}
	for _, rej := range result.Rejected {
		b.unicast(participantID, protocol.NewLockRejected(rej.ElementID, rej.HeldBy))
	}
	b.cfg.Metrics.SetHeldLocks(b.state.LockCount())
}

// handleDeselect releases one element. An ownership mismatch is a silent
// no-op, not an error.
func (b *Broker) handleDeselect(participantID string, m *protocol.Deselect) {
	if err := b.state.ReleaseLock(participantID, m.ElementID); err != nil {
		return
	}
	b.broadcastAll(protocol.NewLocksChanged(b.state.Snapshot().Locks))
	b.cfg.Metrics.SetHeldLocks(b.state.LockCount())
}

// unicast encodes and sends one event to one participant.
func (b *Broker) unicast(participantID string, event any) {
	data, err := protocol.Encode(event)
	if err != nil {
		b.logger.Error("encode failed", "error", err)
		return
	}
	b.hub.SendTo(participantID, data)
}

// broadcastExcept encodes once and fans out to everyone but the author.
func (b *Broker) broadcastExcept(excludeParticipantID string, event any) {
	data, err := protocol.Encode(event)
	if err != nil {
		b.logger.Error("encode failed", "error", err)
		return
	}
	b.hub.Broadcast(data, excludeParticipantID)
}

// broadcastAll encodes once and fans out to everyone, author included.
func (b *Broker) broadcastAll(event any) {
	data, err := protocol.Encode(event)
	if err != nil {
		b.logger.Error("encode failed", "error", err)
		return
	}
	b.hub.BroadcastAll(data)
}

// messageKind names a decoded client message for metrics and tracing.
func messageKind(msg any) protocol.Kind {
	switch msg.(type) {
	case *protocol.DocumentUpdate:
		return protocol.KindDocumentUpdate
	case *protocol.Rename:
		return protocol.KindRename
	case *protocol.Select:
		return protocol.KindSelect
	case *protocol.Deselect:
		return protocol.KindDeselect
	default:
		return "unknown"
	}
}

// validationMessage extracts an in-band-safe message from a decode error.
func validationMessage(err error) string {
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	if errors.Is(err, protocol.ErrUnknownKind) {
		return "unknown message kind"
	}
	return "invalid message"
}

// renameMessage maps state errors to in-band messages.
func renameMessage(err error) string {
	switch {
	case errors.Is(err, state.ErrEmptyDisplayName):
		return "display name must not be empty"
	case errors.Is(err, state.ErrParticipantNotFound):
		return "unknown participant"
	default:
		return "rename failed"
	}
}
