package client

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowsync-dev/flowsync/internal/server"
	"github.com/flowsync-dev/flowsync/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBroker(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := server.New(&server.Config{
		Logger:   testLogger(),
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func brokerURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// fakeSurface is an in-memory editor. With echo set, every Load fires a
// local-edit notification back at the client, the way a real editor's
// change listener would when a remote document is imported.
type fakeSurface struct {
	mu       sync.Mutex
	loads    []string
	editable func(elementID string) bool
	client   *Client
	echo     bool

	loaded chan string
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{loaded: make(chan string, 16)}
}

func (s *fakeSurface) Load(document string) error {
	s.mu.Lock()
	s.loads = append(s.loads, document)
	cl, echo := s.client, s.echo
	s.mu.Unlock()

	if echo && cl != nil {
		cl.NotifyLocalEdit(document)
	}
	s.loaded <- document
	return nil
}

func (s *fakeSurface) SetEditable(editable func(elementID string) bool) {
	s.mu.Lock()
	s.editable = editable
	s.mu.Unlock()
}

func (s *fakeSurface) canEdit(elementID string) bool {
	s.mu.Lock()
	fn := s.editable
	s.mu.Unlock()
	return fn != nil && fn(elementID)
}

func (s *fakeSurface) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loads)
}

func (s *fakeSurface) nextLoad(t *testing.T) string {
	t.Helper()
	select {
	case doc := <-s.loaded:
		return doc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for surface load")
		return ""
	}
}

// waitTable reads tables off ch until one satisfies pred.
func waitTable(t *testing.T, ch chan map[string]string, pred func(map[string]string) bool) map[string]string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-ch:
			if pred(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for table update")
			return nil
		}
	}
}

type testParticipant struct {
	client  *Client
	surface *fakeSurface
	users   chan map[string]string
	locks   chan map[string]string
	rejects chan protocol.LockRejected
}

func connectParticipant(t *testing.T, ts *httptest.Server, echo bool) *testParticipant {
	t.Helper()
	p := &testParticipant{
		surface: newFakeSurface(),
		users:   make(chan map[string]string, 16),
		locks:   make(chan map[string]string, 16),
		rejects: make(chan protocol.LockRejected, 16),
	}
	p.surface.echo = echo

	cl, err := New(Config{
		URL:     brokerURL(ts),
		Surface: p.surface,
		Handlers: Handlers{
			OnUsersChanged: func(m map[string]string) { p.users <- m },
			OnLocksChanged: func(m map[string]string) { p.locks <- m },
			OnLockRejected: func(el, by string) {
				p.rejects <- protocol.LockRejected{ElementID: el, HeldBy: by}
			},
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.client = cl
	p.surface.client = cl
	t.Cleanup(func() { cl.Close() })

	if err := cl.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	p.surface.nextLoad(t) // seed document from init
	if cl.ParticipantID() == "" {
		t.Fatal("no participant id after init")
	}
	return p
}

func TestClientCollaboration(t *testing.T) {
	ts := newTestBroker(t)

	// Both surfaces echo every Load back as a local edit; the guard must
	// swallow all of them or this test livelocks on document ping-pong.
	a := connectParticipant(t, ts, true)
	b := connectParticipant(t, ts, true)

	waitTable(t, a.users, func(m map[string]string) bool { return len(m) == 2 })

	// A edits; B's surface gets the new document, A's does not.
	const v2 = `<definitions id="v2"/>`
	if err := a.client.NotifyLocalEdit(v2); err != nil {
		t.Fatalf("NotifyLocalEdit: %v", err)
	}
	if got := b.surface.nextLoad(t); got != v2 {
		t.Errorf("B loaded %q, want %q", got, v2)
	}
	if got := b.client.Document(); got != v2 {
		t.Errorf("B's mirror = %q, want %q", got, v2)
	}

	// B's echoed edit was discarded: after a rename round-trips, A's
	// surface still only ever loaded the seed.
	if err := b.client.Rename("Bob"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	waitTable(t, a.users, func(m map[string]string) bool {
		return m[b.client.ParticipantID()] == "Bob"
	})
	if n := a.surface.loadCount(); n != 1 {
		t.Errorf("A's surface saw %d loads, want 1 (seed only)", n)
	}

	// A selects T1; both sides converge and B loses edit rights on it.
	if err := a.client.NotifySelection([]string{"T1"}); err != nil {
		t.Fatalf("NotifySelection: %v", err)
	}
	held := func(m map[string]string) bool { return m["T1"] == a.client.ParticipantID() }
	waitTable(t, a.locks, held)
	waitTable(t, b.locks, held)
	if !a.surface.canEdit("T1") {
		t.Error("A should be able to edit its own held element")
	}
	if b.surface.canEdit("T1") {
		t.Error("B should not be able to edit A's held element")
	}
	if !b.surface.canEdit("T2") {
		t.Error("B should be able to edit an unlocked element")
	}

	// B's conflicting select is rejected back to B alone.
	if err := b.client.NotifySelection([]string{"T1"}); err != nil {
		t.Fatalf("NotifySelection: %v", err)
	}
	select {
	case rej := <-b.rejects:
		if rej.ElementID != "T1" || rej.HeldBy != a.client.ParticipantID() {
			t.Errorf("rejection = %+v, want T1 held by A", rej)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock rejection")
	}

	// A deselects; the lock frees up for B.
	if err := a.client.Deselect("T1"); err != nil {
		t.Fatalf("Deselect: %v", err)
	}
	free := func(m map[string]string) bool { return len(m) == 0 }
	waitTable(t, a.locks, free)
	waitTable(t, b.locks, free)
	if !b.surface.canEdit("T1") {
		t.Error("B should regain edit rights after A deselects")
	}

	// A leaves; B sees the shrunken roster.
	a.client.Close()
	waitTable(t, b.users, func(m map[string]string) bool { return len(m) == 1 })
}

func TestClientReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	dials := 0
	hold := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()

		data, _ := protocol.Encode(protocol.NewInit(
			fmt.Sprintf("p%d", n), "<doc/>", map[string]string{}, map[string]string{}))
		conn.WriteMessage(websocket.TextMessage, data)

		// First two connections drop immediately to force redials.
		if n < 3 {
			conn.Close()
			return
		}
		<-hold
		conn.Close()
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(hold) })

	surface := newFakeSurface()
	var stMu sync.Mutex
	var states []ConnState

	cl, err := New(Config{
		URL:           "ws" + strings.TrimPrefix(ts.URL, "http"),
		Surface:       surface,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
		Handlers: Handlers{
			OnConnState: func(s ConnState) {
				stMu.Lock()
				states = append(states, s)
				stMu.Unlock()
			},
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := cl.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// One load per successful connection: the third one sticks.
	for i := 0; i < 3; i++ {
		surface.nextLoad(t)
	}
	mu.Lock()
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	mu.Unlock()

	stMu.Lock()
	sawReconnecting := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	stMu.Unlock()
	if !sawReconnecting {
		t.Error("expected a reconnecting state transition")
	}

	// Deliberate close: no further dials.
	cl.Close()
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	if dials != 3 {
		t.Errorf("dials after Close = %d, want 3", dials)
	}
	mu.Unlock()
}

func TestClientSendWithoutConnection(t *testing.T) {
	cl, err := New(Config{
		URL:     "ws://127.0.0.1:0/ws",
		Surface: newFakeSurface(),
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := cl.Rename("x"); err != ErrNotConnected {
		t.Errorf("Rename before connect = %v, want ErrNotConnected", err)
	}
	// Local edits before the first init are silently discarded.
	if err := cl.NotifyLocalEdit("<doc/>"); err != nil {
		t.Errorf("NotifyLocalEdit before init = %v, want nil", err)
	}

	cl.Close()
	if err := cl.Connect(); err != ErrClosed {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{Surface: newFakeSurface()}); err == nil {
		t.Error("New without URL should fail")
	}
	if _, err := New(Config{URL: "ws://x/ws"}); err == nil {
		t.Error("New without Surface should fail")
	}
}
