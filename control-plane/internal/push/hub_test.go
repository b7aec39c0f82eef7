package push

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fieldsignal/rf-range/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dialPair spins up a websocket echo point and returns the server-side
// connection wrapped for the hub plus the client side for reading pushes.
func dialPair(t *testing.T, agentID string) (*Connection, *websocket.Conn) {
	t.Helper()

	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		serverConns <- ws
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "") })

	server := <-serverConns
	return NewConnection(agentID, server), client
}

func TestSendDeliversEvent(t *testing.T) {
	hub := NewHub(testLogger())
	conn, client := dialPair(t, "listener-1")
	hub.Register(conn)

	assignment := types.ListenerAssignment{ID: "as-1", FrequencyHz: 146_520_000}
	if err := hub.Send(context.Background(), "listener-1", types.PushRecordingAssignment, assignment); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got types.PushEvent
	if err := wsjson.Read(ctx, client, &got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Type != types.PushRecordingAssignment {
		t.Errorf("type: got %s, want %s", got.Type, types.PushRecordingAssignment)
	}
	if got.SentAt.IsZero() {
		t.Error("sent_at not stamped")
	}
}

func TestSendToDisconnectedAgent(t *testing.T) {
	hub := NewHub(testLogger())
	err := hub.Send(context.Background(), "nobody", types.PushTransmissionStarted, nil)
	if err != ErrNotConnected {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestRegisterSupersedesOldConnection(t *testing.T) {
	hub := NewHub(testLogger())
	first, _ := dialPair(t, "listener-1")
	second, _ := dialPair(t, "listener-1")

	hub.Register(first)
	hub.Register(second)

	if !hub.IsConnected("listener-1") {
		t.Fatal("agent should be connected")
	}

	// Unregistering the stale connection must not evict the new one.
	hub.Unregister(first)
	if !hub.IsConnected("listener-1") {
		t.Error("stale unregister evicted the live connection")
	}

	hub.Unregister(second)
	if hub.IsConnected("listener-1") {
		t.Error("agent still connected after unregister")
	}
}

func TestKick(t *testing.T) {
	hub := NewHub(testLogger())
	conn, client := dialPair(t, "listener-1")
	hub.Register(conn)

	hub.Kick("listener-1", "disabled by operator")

	if hub.IsConnected("listener-1") {
		t.Error("agent still connected after kick")
	}

	// The client side observes the close.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev types.PushEvent
	if err := wsjson.Read(ctx, client, &ev); err == nil {
		t.Error("expected read to fail after kick")
	}
}

func TestConnectedIDs(t *testing.T) {
	hub := NewHub(testLogger())
	a, _ := dialPair(t, "a")
	b, _ := dialPair(t, "b")
	hub.Register(a)
	hub.Register(b)

	ids := hub.ConnectedIDs()
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
}
