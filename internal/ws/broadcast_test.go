package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/session"
)

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection. The caller must close both the server and the
// returned connection.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	// We only need the server-side conn; close the client side.
	_ = clientConn.Close()

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

// registerRaw adds a client whose writePump is not running, so queued
// messages stay in c.send for inspection.
func registerRaw(b *Broadcaster, conn *websocket.Conn, owner string, buf int) *client {
	c := &client{conn: conn, b: b, send: make(chan []byte, buf), owner: owner}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

type decoded struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func drain(c *client) []decoded {
	var out []decoded
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var m decoded
			_ = json.Unmarshal(data, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestSubscription(t *testing.T) {
	var s Subscription
	if s.Matches("a") || !s.Empty() {
		t.Fatal("zero subscription should match nothing")
	}

	s.Add("a")
	if !s.Matches("a") || s.Matches("b") {
		t.Error("Add(a) should match only a")
	}

	s.Replace(SubscribePayload{Accounts: []string{"b", "c"}})
	if s.Matches("a") || !s.Matches("b") || !s.Matches("c") {
		t.Error("Replace should drop earlier ids")
	}

	s.Replace(SubscribePayload{All: true, Accounts: []string{"ignored"}})
	if !s.All() || !s.Matches("anything") {
		t.Error("all should match every id")
	}
	s.Add("x")
	if !s.All() {
		t.Error("Add must not narrow an all subscription")
	}

	s.Replace(SubscribePayload{})
	if !s.Empty() {
		t.Error("empty payload should clear the subscription")
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(16, time.Hour, maxConns)
	defer b.Stop()

	var servers []*httptest.Server
	defer func() {
		for _, srv := range servers {
			srv.Close()
		}
	}()

	for i := 0; i < maxConns; i++ {
		srv, conn := dialTestWS(t)
		servers = append(servers, srv)
		if _, err := b.AddClient(conn, "owner"); err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients, got %d", maxConns, got)
	}

	srv, conn := dialTestWS(t)
	servers = append(servers, srv)
	if _, err := b.AddClient(conn, "owner"); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	conn.Close()
}

// TestWritePump_RemovesClientOnWriteError verifies that a write error removes
// the dead client from the broadcaster.
func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	b := NewBroadcaster(16, time.Hour, 0)
	defer b.Stop()

	c := registerRaw(b, serverConn, "", 64)
	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)

	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestSlowClientIsDisconnected(t *testing.T) {
	srv, conn := dialTestWS(t)
	defer srv.Close()
	defer conn.Close()

	b := NewBroadcaster(1, time.Hour, 0)
	defer b.Stop()

	c := registerRaw(b, conn, "", 1)
	b.Subscribe(c, SubscribePayload{All: true})

	b.LogAppended("s1", eventlog.NewEntry(eventlog.Info, "one"))
	if b.ClientCount() != 1 {
		t.Fatal("client dropped before its buffer filled")
	}
	b.LogAppended("s1", eventlog.NewEntry(eventlog.Info, "two"))
	if b.ClientCount() != 0 {
		t.Fatal("client with a full buffer was not disconnected")
	}

	// Further events must not panic on the closed channel.
	b.LogAppended("s1", eventlog.NewEntry(eventlog.Info, "three"))
}

func TestRoutingFollowsSubscriptions(t *testing.T) {
	srv, conn := dialTestWS(t)
	defer srv.Close()
	defer conn.Close()

	b := NewBroadcaster(32, time.Hour, 0)
	defer b.Stop()

	all := registerRaw(b, conn, "owner-a", 32)
	one := registerRaw(b, conn, "owner-b", 32)
	none := registerRaw(b, conn, "owner-a", 32)
	b.Subscribe(all, SubscribePayload{All: true})
	b.Subscribe(one, SubscribePayload{Accounts: []string{"s1"}})

	list := []session.Summary{{ID: "s1"}, {ID: "s2"}}
	b.SessionsChanged(list, "s2")
	b.LogAppended("s1", eventlog.NewEntry(eventlog.Info, "for s1"))
	b.LogAppended("s2", eventlog.NewEntry(eventlog.Info, "for s2"))
	b.DeviceCode("s2", "owner-a", protocol.DeviceCode{UserCode: "CODE"})

	types := func(ms []decoded) []MessageType {
		var out []MessageType
		for _, m := range ms {
			out = append(out, m.Type)
		}
		return out
	}

	gotAll := types(drain(all))
	wantAll := []MessageType{MsgSessions, MsgLog, MsgLog, MsgDeviceCode}
	if len(gotAll) != len(wantAll) {
		t.Fatalf("all-subscriber got %v, want %v", gotAll, wantAll)
	}
	for i := range wantAll {
		if gotAll[i] != wantAll[i] {
			t.Fatalf("all-subscriber got %v, want %v", gotAll, wantAll)
		}
	}

	gotOne := drain(one)
	if len(gotOne) != 1 || gotOne[0].Type != MsgLog {
		t.Fatalf("s1-subscriber got %v, want one log", types(gotOne))
	}
	var lp LogPayload
	_ = json.Unmarshal(gotOne[0].Payload, &lp)
	if lp.AccountID != "s1" {
		t.Errorf("s1-subscriber received log for %q", lp.AccountID)
	}

	// Unsubscribed, but same owner as the session: only the device code.
	gotNone := drain(none)
	if len(gotNone) != 1 || gotNone[0].Type != MsgDeviceCode {
		t.Fatalf("owner observer got %v, want only deviceCode", types(gotNone))
	}
	var dp DeviceCodePayload
	_ = json.Unmarshal(gotNone[0].Payload, &dp)
	if dp.AccountID != "s2" || dp.UserCode != "CODE" {
		t.Errorf("deviceCode payload = %+v", dp)
	}
}

func TestSnapshotFiltersBySubscription(t *testing.T) {
	srv, conn := dialTestWS(t)
	defer srv.Close()
	defer conn.Close()

	b := NewBroadcaster(32, time.Hour, 0)
	defer b.Stop()

	all := registerRaw(b, conn, "", 8)
	one := registerRaw(b, conn, "", 8)
	none := registerRaw(b, conn, "", 8)
	b.Subscribe(all, SubscribePayload{All: true})
	b.Subscribe(one, SubscribePayload{Accounts: []string{"s2"}})

	b.mu.Lock()
	b.sessions = []session.Summary{{ID: "s1"}, {ID: "s2"}}
	b.mu.Unlock()
	b.snapshot()

	ids := func(ms []decoded) []string {
		if len(ms) != 1 || ms[0].Type != MsgSessions {
			t.Fatalf("want one sessions message, got %d", len(ms))
		}
		var p SessionsPayload
		_ = json.Unmarshal(ms[0].Payload, &p)
		var out []string
		for _, s := range p.Sessions {
			out = append(out, s.ID)
		}
		return out
	}

	if got := ids(drain(all)); len(got) != 2 {
		t.Errorf("all snapshot = %v", got)
	}
	if got := ids(drain(one)); len(got) != 1 || got[0] != "s2" {
		t.Errorf("filtered snapshot = %v, want [s2]", got)
	}
	if got := drain(none); len(got) != 0 {
		t.Errorf("unsubscribed observer got %d snapshot messages", len(got))
	}
}

func TestSendToOwner(t *testing.T) {
	srv, conn := dialTestWS(t)
	defer srv.Close()
	defer conn.Close()

	b := NewBroadcaster(8, time.Hour, 0)
	defer b.Stop()

	mine := registerRaw(b, conn, "me", 4)
	other := registerRaw(b, conn, "you", 4)

	b.SendToOwner("me", WSMessage{Type: MsgAuthDone, Payload: AuthDonePayload{}})

	if got := drain(mine); len(got) != 1 || got[0].Type != MsgAuthDone {
		t.Errorf("owner got %v", got)
	}
	if got := drain(other); len(got) != 0 {
		t.Errorf("other owner got %v", got)
	}
}

func TestStopClosesClients(t *testing.T) {
	srv, conn := dialTestWS(t)
	defer srv.Close()
	defer conn.Close()

	b := NewBroadcaster(8, time.Hour, 0)
	c := registerRaw(b, conn, "", 4)
	b.Stop()
	b.Stop()

	if b.ClientCount() != 0 {
		t.Error("clients remain after Stop")
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel still open after Stop")
	}
}
