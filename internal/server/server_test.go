package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowsync-dev/flowsync/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := New(&Config{
		Logger:   testLogger(),
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// wsClient is a raw websocket participant for integration tests.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	init *protocol.Init
}

func dial(t *testing.T, ts *httptest.Server, query string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &wsClient{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })

	ev := c.next()
	init, ok := ev.(*protocol.Init)
	if !ok {
		t.Fatalf("first event = %T, want *protocol.Init", ev)
	}
	c.init = init
	return c
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) next() any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	ev, err := protocol.DecodeServerEvent(data)
	if err != nil {
		c.t.Fatalf("decode: %v (%s)", err, data)
	}
	return ev
}

func TestCollaborationScenario(t *testing.T) {
	ts := newTestServer(t)

	a := dial(t, ts, "")
	if got := a.init.Participants[a.init.ParticipantID]; got != "User 1" {
		t.Errorf("A's name = %q, want \"User 1\"", got)
	}
	if len(a.init.Locks) != 0 {
		t.Errorf("A's init locks = %v, want empty", a.init.Locks)
	}

	b := dial(t, ts, "")
	if len(b.init.Participants) != 2 {
		t.Errorf("B's init has %d participants, want 2", len(b.init.Participants))
	}
	if users, ok := a.next().(*protocol.UsersChanged); !ok || len(users.Participants) != 2 {
		t.Errorf("A should see users-changed with 2 participants, got %v", users)
	}

	// A locks T1; both sides see the authoritative table.
	a.send(protocol.NewSelect([]string{"T1"}))
	for _, c := range []*wsClient{a, b} {
		locks, ok := c.next().(*protocol.LocksChanged)
		if !ok {
			t.Fatal("expected locks-changed")
		}
		if locks.Locks["T1"] != a.init.ParticipantID {
			t.Errorf("T1 holder = %q, want A", locks.Locks["T1"])
		}
	}

	// B's conflicting select is rejected without a broadcast. The rename
	// that follows proves it: A's very next event is the users-changed
	// from the rename, not a locks-changed.
	b.send(protocol.NewSelect([]string{"T1"}))
	rej, ok := b.next().(*protocol.LockRejected)
	if !ok {
		t.Fatal("expected lock-rejected")
	}
	if rej.ElementID != "T1" || rej.HeldBy != a.init.ParticipantID {
		t.Errorf("rejection = %+v, want T1 held by A", rej)
	}
	b.send(protocol.NewRename("Bob"))
	if users, ok := a.next().(*protocol.UsersChanged); !ok || users.Participants[b.init.ParticipantID] != "Bob" {
		t.Fatalf("A's next event should be the rename broadcast, got %v", users)
	}
	b.next() // B's own rename echo

	// A's document edit reaches B but is never echoed back to A: after
	// another rename, A's next event is again users-changed.
	a.send(protocol.NewDocumentUpdate("<definitions id=\"v2\"/>"))
	doc, ok := b.next().(*protocol.DocumentChanged)
	if !ok {
		t.Fatal("expected document-changed")
	}
	if doc.Document != "<definitions id=\"v2\"/>" {
		t.Errorf("document = %q", doc.Document)
	}
	b.send(protocol.NewRename("Bobby"))
	if users, ok := a.next().(*protocol.UsersChanged); !ok || users.Participants[b.init.ParticipantID] != "Bobby" {
		t.Fatalf("A's next event should be the rename broadcast, got %v", users)
	}
	b.next() // B's own rename echo

	// A leaves: B sees users-changed, then the freed locks.
	a.conn.Close()
	users, ok := b.next().(*protocol.UsersChanged)
	if !ok {
		t.Fatal("expected users-changed after disconnect")
	}
	if len(users.Participants) != 1 {
		t.Errorf("participants = %v, want only B", users.Participants)
	}
	locks, ok := b.next().(*protocol.LocksChanged)
	if !ok {
		t.Fatal("expected locks-changed after disconnect")
	}
	if len(locks.Locks) != 0 {
		t.Errorf("locks = %v, want empty", locks.Locks)
	}
}

func TestMalformedDocumentRejected(t *testing.T) {
	ts := newTestServer(t)
	a := dial(t, ts, "")

	a.send(protocol.NewDocumentUpdate("<unclosed"))
	if _, ok := a.next().(*protocol.ErrorEvent); !ok {
		t.Error("ill-formed XML should yield an error event")
	}
}

func TestTemplateQueryParameter(t *testing.T) {
	ts := newTestServer(t)

	a := dial(t, ts, "template=simple-process")
	if !strings.Contains(a.init.Document, "Process_simple") {
		t.Error("init document should come from the requested template")
	}
}

func TestTemplateFallsBackToDefault(t *testing.T) {
	ts := newTestServer(t)

	a := dial(t, ts, "template=bogus")
	if !strings.Contains(a.init.Document, "Definitions_blank") {
		t.Error("unknown template should fall back to the default seed")
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	a := dial(t, ts, "")
	_ = a

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status       string `json:"status"`
		Participants int    `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "running" {
		t.Errorf("status = %q, want \"running\"", body.Status)
	}
	if body.Participants != 1 {
		t.Errorf("participants = %d, want 1", body.Participants)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWellFormedXML(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid", "<a><b/></a>", false},
		{"unclosed", "<a><b></a>", true},
		{"truncated", "<a", true},
		{"text garbage", "not xml at all", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WellFormedXML(tt.doc)
			if (err != nil) != tt.wantErr {
				t.Errorf("WellFormedXML(%q) error = %v, wantErr %v", tt.doc, err, tt.wantErr)
			}
		})
	}
}
