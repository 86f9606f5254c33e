package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/easel/internal/protocol"
	"github.com/manpreetbhatti/easel/internal/room"
	"golang.org/x/crypto/bcrypt"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   *uint64         `json:"ack"`
}

type testServer struct {
	hub      *Hub
	registry *room.Registry
	server   *httptest.Server
}

func setupTestServer(t *testing.T, cfg Config) (*testServer, func()) {
	t.Helper()

	hub := NewHub()
	go hub.Run()
	registry := room.NewRegistry(room.Options{Hasher: room.BcryptHasher{Cost: bcrypt.MinCost}})
	server := httptest.NewServer(NewHandler(hub, registry, cfg))

	cleanup := func() {
		server.Close()
		hub.Stop()
	}
	return &testServer{hub: hub, registry: registry, server: server}, cleanup
}

func (ts *testServer) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event string, data any, ack uint64) {
	t.Helper()
	frame := map[string]any{"event": event, "data": data}
	if ack != 0 {
		frame["ack"] = ack
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// readUntil reads frames until one with the given event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) inbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f inbound
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("Waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubCreation(t *testing.T) {
	hub := NewHub()
	if hub.clients == nil {
		t.Error("Hub clients map should be initialized")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.ClientCount())
	}
	hub.Stop()
	hub.Stop()
}

func TestGreetingAndClientCount(t *testing.T) {
	ts, cleanup := setupTestServer(t, DefaultConfig())
	defer cleanup()

	conn := ts.dial(t, nil)
	defer conn.Close()

	readUntil(t, conn, protocol.EventRoomsList)
	waitFor(t, func() bool { return ts.hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return ts.hub.ClientCount() == 0 })
}

func TestJoinAndDrawOverWebSocket(t *testing.T) {
	ts, cleanup := setupTestServer(t, DefaultConfig())
	defer cleanup()

	alice := ts.dial(t, nil)
	defer alice.Close()
	bob := ts.dial(t, nil)
	defer bob.Close()

	write(t, alice, protocol.EventRoomCreate, protocol.RoomRequest{Room: "studio", Username: "alice"}, 1)
	readUntil(t, alice, protocol.EventStateInit)
	ack := readUntil(t, alice, protocol.EventAck)
	if ack.Ack == nil || *ack.Ack != 1 {
		t.Fatalf("Expected ack 1, got %v", ack.Ack)
	}

	write(t, bob, protocol.EventRoomJoin, protocol.RoomRequest{Room: "studio", Username: "bob"}, 2)
	readUntil(t, bob, protocol.EventAck)

	write(t, alice, protocol.EventStrokeEnd, map[string]any{
		"strokeId": "s1", "tool": "brush", "color": "#000", "width": 2,
		"points": []map[string]float64{{"x": 0.1, "y": 0.1}},
	}, 0)

	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readUntil(t, conn, protocol.EventOpAppend)
		var msg protocol.OpAppend
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			t.Fatalf("Decode op-append: %v", err)
		}
		if msg.Revision != 1 || msg.Operation.ID != "s1" {
			t.Errorf("Unexpected op-append %+v", msg)
		}
	}
}

func TestJoinFrameOrder(t *testing.T) {
	ts, cleanup := setupTestServer(t, DefaultConfig())
	defer cleanup()

	conn := ts.dial(t, nil)
	defer conn.Close()
	readUntil(t, conn, protocol.EventRoomsList)

	write(t, conn, protocol.EventRoomCreate, protocol.RoomRequest{Room: "studio"}, 7)

	want := []string{protocol.EventStateInit, protocol.EventUserList, protocol.EventRoomsList, protocol.EventAck}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, event := range want {
		var f inbound
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("Reading frame %d: %v", i, err)
		}
		if f.Event != event {
			t.Fatalf("Frame %d: expected %s, got %s", i, event, f.Event)
		}
	}
}

func TestDisconnectRebroadcastsRooms(t *testing.T) {
	ts, cleanup := setupTestServer(t, DefaultConfig())
	defer cleanup()

	watcher := ts.dial(t, nil)
	defer watcher.Close()
	readUntil(t, watcher, protocol.EventRoomsList)

	artist := ts.dial(t, nil)
	write(t, artist, protocol.EventLegacyJoin, protocol.RoomRequest{Room: "open"}, 0)

	f := readUntil(t, watcher, protocol.EventRoomsList)
	var list []protocol.RoomSummary
	json.Unmarshal(f.Data, &list)
	if len(list) != 1 || list[0].UserCount != 1 {
		t.Fatalf("Expected open with 1 user, got %+v", list)
	}

	artist.Close()
	f = readUntil(t, watcher, protocol.EventRoomsList)
	json.Unmarshal(f.Data, &list)
	if len(list) != 0 {
		t.Errorf("Expected empty listing after disconnect, got %+v", list)
	}
}

func TestRateLimitDisconnects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.MessageBurst = 1
	cfg.MaxViolations = 3
	ts, cleanup := setupTestServer(t, cfg)
	defer cleanup()

	conn := ts.dial(t, nil)
	defer conn.Close()

	for i := 0; i < 10; i++ {
		if err := conn.WriteJSON(map[string]any{"event": protocol.EventStateSync}); err != nil {
			break
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	waitFor(t, func() bool { return ts.hub.ClientCount() == 0 })
}

func TestOriginAllowList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://easel.example"}
	ts, cleanup := setupTestServer(t, cfg)
	defer cleanup()

	ok := ts.dial(t, http.Header{"Origin": []string{"https://easel.example"}})
	ok.Close()

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatal("Expected dial from a foreign origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}
}

func TestSlowConsumerIsClosed(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	c := &Client{hub: hub, send: make(chan []byte, 1), done: make(chan struct{}), id: "slow"}
	c.Deliver([]byte("one"))
	c.Deliver([]byte("two"))

	select {
	case <-c.done:
	default:
		t.Error("Expected client to be shut down once its buffer overflowed")
	}
	c.Deliver([]byte("three"))
	if len(c.send) != 1 {
		t.Errorf("Expected buffer to keep a single frame, got %d", len(c.send))
	}
}
