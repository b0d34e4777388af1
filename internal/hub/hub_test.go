package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/gorilla/websocket"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func subject(customerID int64, userID string) schema.Subject {
	return schema.Subject{CustomerID: customerID, UserID: userID, Profile: schema.ProfileUser}
}

func TestRegisterReplacesPreviousConnectionOfUser(t *testing.T) {
	h := New(Config{})
	var closed []string
	h.OnClose(func(id string) { closed = append(closed, id) })

	first := NewConnection("c-1", subject(1, "alice"), 4)
	second := NewConnection("c-2", subject(1, "alice"), 4)
	h.Register(first)
	h.Register(second)

	if _, ok := h.Connection("c-1"); ok {
		t.Fatalf("previous connection must be unregistered")
	}
	select {
	case <-first.Done():
	default:
		t.Fatalf("previous connection must be closed")
	}
	if first.StopReason() != protocol.StopReplaced {
		t.Fatalf("unexpected stop reason %q", first.StopReason())
	}
	if h.Len() != 1 || len(closed) != 1 || closed[0] != "c-1" {
		t.Fatalf("unexpected registry state: len=%d closed=%v", h.Len(), closed)
	}

	h.Unregister("c-1")
	if _, ok := h.Connection("c-2"); !ok {
		t.Fatalf("unregistering a stale id must not remove the live connection")
	}
}

func TestSendIsAllOrNothingAndDropsStalledConnections(t *testing.T) {
	h := New(Config{})
	conn := NewConnection("c-1", subject(1, "alice"), 3)
	h.Register(conn)

	frame := protocol.MustEncode(protocol.TypePing, nil)
	if !h.Send("c-1", frame, frame) {
		t.Fatalf("two frames should fit")
	}
	if h.Send("c-1", frame, frame) {
		t.Fatalf("batch larger than free space must be refused")
	}
	if len(conn.Outbound()) != 2 {
		t.Fatalf("refused batch must not be partially queued, queue holds %d", len(conn.Outbound()))
	}
	if conn.StopReason() != protocol.StopStalled {
		t.Fatalf("stalled connection should be dropped, reason %q", conn.StopReason())
	}
	if h.Send("c-1", frame) {
		t.Fatalf("dropped connection must refuse frames")
	}
}

func TestSweepDropsSilentConnections(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	h := New(Config{HeartbeatTimeout: 30 * time.Second, Clock: clock.Now})
	quiet := NewConnection("quiet", subject(1, "alice"), 4)
	chatty := NewConnection("chatty", subject(1, "bob"), 4)
	h.Register(quiet)
	h.Register(chatty)

	clock.Advance(20 * time.Second)
	h.Touch("chatty")
	clock.Advance(20 * time.Second)

	dropped := h.Sweep(clock.Now())
	if len(dropped) != 1 || dropped[0] != "quiet" {
		t.Fatalf("expected only the quiet connection to be dropped, got %v", dropped)
	}
	if quiet.StopReason() != protocol.StopTimeout {
		t.Fatalf("unexpected stop reason %q", quiet.StopReason())
	}
	if _, ok := h.Connection("chatty"); !ok {
		t.Fatalf("active connection must survive the sweep")
	}
}

func TestViewersListsInitializedConnectionsOfTenant(t *testing.T) {
	h := New(Config{})
	a := NewConnection("b-conn", subject(1, "alice"), 4)
	b := NewConnection("a-conn", subject(1, "bob"), 4)
	c := NewConnection("c-conn", subject(2, "carol"), 4)
	pending := NewConnection("d-conn", subject(1, "dave"), 4)
	for _, conn := range []*Connection{a, b, c, pending} {
		h.Register(conn)
	}
	a.Initialize("Catalog", "")
	b.Initialize("Catalog", "")
	c.Initialize("Catalog", "")

	viewers := h.Viewers(1)
	if len(viewers) != 2 || viewers[0].ConnectionID != "a-conn" || viewers[1].ConnectionID != "b-conn" {
		t.Fatalf("unexpected viewers %+v", viewers)
	}
	if viewers[0].Subject.Area != "Catalog" {
		t.Fatalf("viewer subject should carry the area, got %+v", viewers[0].Subject)
	}
}

func TestServeDeliversFramesAndStopOnReplace(t *testing.T) {
	h := New(Config{})
	received := make(chan protocol.Envelope, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConnection(r.URL.Query().Get("id"), subject(1, "alice"), 8)
		h.Register(conn)
		h.Serve(r.Context(), ws, conn, func(_ context.Context, c *Connection, frame protocol.Envelope) {
			received <- frame
			h.Send(c.ID(), protocol.MustEncode(protocol.TypeError, protocol.Error{Code: "echo"}))
		})
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?id=first"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(protocol.MustEncode(protocol.OpLoadTable, protocol.LoadTable{Table: "Language"})); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case frame := <-received:
		if frame.Type != protocol.OpLoadTable {
			t.Fatalf("unexpected frame %s", frame.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the frame")
	}
	var echo protocol.Envelope
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&echo); err != nil || echo.Type != protocol.TypeError {
		t.Fatalf("expected echo frame, got %+v (err=%v)", echo, err)
	}

	second, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/?id=second", nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	var stop protocol.Envelope
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&stop); err != nil {
		t.Fatalf("expected stop frame: %v", err)
	}
	var payload protocol.Stop
	if stop.Type != protocol.TypeStop || stop.Payload(&payload) != nil || payload.Reason != protocol.StopReplaced {
		t.Fatalf("unexpected stop frame %+v", stop)
	}
}
