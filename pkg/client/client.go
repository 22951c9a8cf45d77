// Package client implements the participant side of the collaboration
// protocol: a reconnecting websocket transport, a local mirror of the
// shared room state, and a feedback-loop guard that keeps remote updates
// from echoing back to the broker as local edits.
//
// The client drives an editor through the Surface interface and reports
// everything else through optional Handlers callbacks. All callbacks are
// invoked from the client's read goroutine, never concurrently with each
// other.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowsync-dev/flowsync/pkg/protocol"
)

var (
	// ErrNotConnected is returned by senders while no connection is up.
	ErrNotConnected = errors.New("client: not connected")
	// ErrClosed is returned after a deliberate Close.
	ErrClosed = errors.New("client: closed")
)

// ConnState describes the transport's lifecycle for UI indicators.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSynced
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Surface is the editor the client drives. Load replaces the displayed
// document with a remote version; SetEditable installs the predicate the
// editor consults before letting the user touch an element.
type Surface interface {
	Load(document string) error
	SetEditable(editable func(elementID string) bool)
}

// Handlers are optional callbacks for room events. Nil fields are skipped.
type Handlers struct {
	OnUsersChanged func(participants map[string]string)
	OnLocksChanged func(locks map[string]string)
	OnLockRejected func(elementID, heldBy string)
	OnError        func(message string)
	OnConnState    func(state ConnState)
}

// Config configures a Client. URL and Surface are required.
type Config struct {
	// URL is the broker's websocket endpoint, e.g. "ws://host:8080/ws".
	URL string
	// Surface is the editor the client drives.
	Surface Surface
	// Handlers receive room events.
	Handlers Handlers

	// ReconnectBase is the first reconnect delay. Defaults to 500ms.
	ReconnectBase time.Duration
	// ReconnectCap bounds the delay growth. Defaults to 30s.
	ReconnectCap time.Duration
	// ReconnectDecay is the per-attempt multiplier. Defaults to 2.
	ReconnectDecay float64
	// MaxReconnectAttempts stops redialing after this many consecutive
	// failures. Zero means retry forever.
	MaxReconnectAttempts int

	// WriteTimeout bounds each outbound write. Defaults to 10s.
	WriteTimeout time.Duration

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.ReconnectCap == 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	if cfg.ReconnectDecay == 0 {
		cfg.ReconnectDecay = 2
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Client is a collaboration participant. Create one with New, start it
// with Connect, and stop it with Close.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	backoff *backoff
	guard   remoteGuard

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	attempt int
	timer   *time.Timer

	// local mirror of the room, updated from server events
	selfID       string
	document     string
	participants map[string]string
	locks        map[string]string
	synced       bool

	writeMu sync.Mutex
}

// New creates a Client. It does not connect; call Connect.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.Surface == nil {
		return nil, errors.New("client: Surface is required")
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "client"),
		backoff:      newBackoff(cfg.ReconnectBase, cfg.ReconnectCap, cfg.ReconnectDecay),
		participants: map[string]string{},
		locks:        map[string]string{},
	}, nil
}

// Connect dials the broker and starts the read loop. The initial dial is
// synchronous: a failure here is returned to the caller rather than
// retried, so misconfiguration surfaces immediately. Drops after a
// successful connect are retried with backoff.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	conn, _, err := c.cfg.Dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.notifyState(StateDisconnected)
		return fmt.Errorf("client: dial %s: %w", c.cfg.URL, err)
	}
	c.adopt(conn)
	return nil
}

// adopt installs a freshly dialed connection and starts reading from it.
func (c *Client) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.synced = false
	c.mu.Unlock()

	go c.readLoop(conn)
}

// Close disconnects deliberately. No reconnect is attempted and any
// pending redial timer is canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.attempt = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.notifyState(StateClosed)
	return nil
}

// ParticipantID returns the identity assigned by the broker, or "" before
// the first init.
func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Document returns the mirrored document.
func (c *Client) Document() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document
}

// Participants returns a copy of the mirrored participant table.
func (c *Client) Participants() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyTable(c.participants)
}

// Locks returns a copy of the mirrored lock table.
func (c *Client) Locks() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyTable(c.locks)
}

// Synced reports whether the current connection has received its init.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// NotifyLocalEdit reports that the user changed the document. Edits fired
// while a remote update is being applied to the surface are echoes and
// are silently discarded, as are edits raised before the init arrives.
func (c *Client) NotifyLocalEdit(document string) error {
	if c.guard.applyingRemote() {
		return nil
	}
	c.mu.Lock()
	if !c.synced {
		c.mu.Unlock()
		return nil
	}
	c.document = document
	c.mu.Unlock()
	return c.send(protocol.NewDocumentUpdate(document))
}

// NotifySelection reports the user's current selection, replacing any
// previous one. Selections raised while applying a remote update are
// discarded for the same reason edits are.
func (c *Client) NotifySelection(elementIDs []string) error {
	if c.guard.applyingRemote() {
		return nil
	}
	c.mu.Lock()
	if !c.synced {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.send(protocol.NewSelect(elementIDs))
}

// Rename changes this participant's display name.
func (c *Client) Rename(displayName string) error {
	return c.send(protocol.NewRename(displayName))
}

// Deselect releases a single held lock.
func (c *Client) Deselect(elementID string) error {
	return c.send(protocol.NewDeselect(elementID))
}

func (c *Client) send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleEvent(data)
	}
	conn.Close()

	c.mu.Lock()
	deliberate := c.closed || c.conn != conn
	if c.conn == conn {
		c.conn = nil
		c.synced = false
	}
	c.mu.Unlock()

	if deliberate {
		return
	}
	c.notifyState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.cfg.MaxReconnectAttempts > 0 && c.attempt >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempt
		c.mu.Unlock()
		c.logger.Error("giving up after repeated reconnect failures", "attempts", attempts)
		c.Close()
		return
	}
	delay := c.backoff.delay(c.attempt)
	c.attempt++
	attempt := c.attempt
	c.timer = time.AfterFunc(delay, c.redial)
	c.mu.Unlock()

	c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	c.notifyState(StateReconnecting)
}

func (c *Client) redial() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	conn, _, err := c.cfg.Dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.logger.Warn("reconnect dial failed", "error", err)
		c.scheduleReconnect()
		return
	}
	c.adopt(conn)
}

func (c *Client) handleEvent(data []byte) {
	ev, err := protocol.DecodeServerEvent(data)
	if err != nil {
		c.logger.Warn("dropping undecodable event", "error", err)
		return
	}

	switch ev := ev.(type) {
	case *protocol.Init:
		c.mu.Lock()
		c.selfID = ev.ParticipantID
		c.document = ev.Document
		c.participants = ev.Participants
		c.locks = ev.Locks
		c.synced = true
		c.mu.Unlock()

		c.cfg.Surface.SetEditable(c.editable)
		c.applyDocument(ev.Document)
		c.notifyState(StateSynced)
		c.usersChanged(ev.Participants)
		c.locksChanged(ev.Locks)

	case *protocol.DocumentChanged:
		c.mu.Lock()
		c.document = ev.Document
		c.mu.Unlock()
		c.applyDocument(ev.Document)

	case *protocol.UsersChanged:
		c.mu.Lock()
		c.participants = ev.Participants
		c.mu.Unlock()
		c.usersChanged(ev.Participants)

	case *protocol.LocksChanged:
		c.mu.Lock()
		c.locks = ev.Locks
		c.mu.Unlock()
		// Reinstalling the predicate nudges the surface to re-evaluate
		// which elements it may edit.
		c.cfg.Surface.SetEditable(c.editable)
		c.locksChanged(ev.Locks)

	case *protocol.LockRejected:
		if c.cfg.Handlers.OnLockRejected != nil {
			c.cfg.Handlers.OnLockRejected(ev.ElementID, ev.HeldBy)
		}

	case *protocol.ErrorEvent:
		c.logger.Warn("server reported error", "message", ev.Message)
		if c.cfg.Handlers.OnError != nil {
			c.cfg.Handlers.OnError(ev.Message)
		}
	}
}

// applyDocument loads a remote document into the surface under the
// feedback-loop guard.
func (c *Client) applyDocument(document string) {
	err := c.guard.during(func() error {
		return c.cfg.Surface.Load(document)
	})
	if err != nil {
		c.logger.Error("surface rejected remote document", "error", err)
	}
}

// editable is the predicate handed to the surface: an element may be
// edited unless someone else holds its lock.
func (c *Client) editable(elementID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	holder, held := c.locks[elementID]
	return !held || holder == c.selfID
}

func (c *Client) usersChanged(participants map[string]string) {
	if c.cfg.Handlers.OnUsersChanged != nil {
		c.cfg.Handlers.OnUsersChanged(copyTable(participants))
	}
}

func (c *Client) locksChanged(locks map[string]string) {
	if c.cfg.Handlers.OnLocksChanged != nil {
		c.cfg.Handlers.OnLocksChanged(copyTable(locks))
	}
}

func (c *Client) notifyState(s ConnState) {
	if c.cfg.Handlers.OnConnState != nil {
		c.cfg.Handlers.OnConnState(s)
	}
}

func copyTable(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
