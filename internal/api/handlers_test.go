package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/easel/internal/archive"
	"github.com/manpreetbhatti/easel/internal/canvas"
	"github.com/manpreetbhatti/easel/internal/journal"
	"github.com/manpreetbhatti/easel/internal/presence"
	"github.com/manpreetbhatti/easel/internal/ratelimit"
	"github.com/manpreetbhatti/easel/internal/room"
	"github.com/manpreetbhatti/easel/internal/ws"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

type nopSink struct{}

func (nopSink) Deliver([]byte) {}

func setupTestAPI(t *testing.T) (*API, *http.ServeMux, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "easel-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := archive.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open archive: %v", err)
	}

	hub := ws.NewHub()
	go hub.Run()
	registry := room.NewRegistry(room.Options{Hasher: room.BcryptHasher{Cost: bcrypt.MinCost}})

	api := New(hub, registry, Options{Archive: store})
	mux := http.NewServeMux()
	api.Routes(mux, ws.NewHandler(hub, registry, ws.DefaultConfig()))

	cleanup := func() {
		hub.Stop()
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return api, mux, cleanup
}

func do(mux *http.ServeMux, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	return doWithPassword(mux, method, path, "")
}

func doWithPassword(mux *http.ServeMux, method, path, password string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, nil)
	if password != "" {
		req.Header.Set(PasswordHeader, password)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var response map[string]any
	json.NewDecoder(w.Body).Decode(&response)
	return w, response
}

func TestHealthHandler(t *testing.T) {
	_, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	w, response := do(mux, "GET", "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	api, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	api.registry.Ensure("lobby")
	w, response := do(mux, "GET", "/api/stats")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	for _, key := range []string{"active_rooms", "public_rooms", "active_clients", "archived_operations"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
	if response["active_rooms"] != float64(1) {
		t.Errorf("Expected 1 active room, got %v", response["active_rooms"])
	}
}

func TestListRooms(t *testing.T) {
	api, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		r, _ := api.registry.Ensure("list-room-" + string(rune('a'+i)))
		r.AddUser("u", "U", nopSink{})
	}
	api.registry.Ensure("empty-room")
	secret, _ := api.registry.Create("secret", "pw")
	secret.AddUser("u", "U", nopSink{})

	w, response := do(mux, "GET", "/api/rooms")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	rooms, ok := response["rooms"].([]any)
	if !ok {
		t.Fatal("Response should contain 'rooms' array")
	}
	if len(rooms) != 5 {
		t.Errorf("Expected 5 rooms, got %d", len(rooms))
	}

	_, response = do(mux, "GET", "/api/rooms?limit=2&offset=4")
	rooms = response["rooms"].([]any)
	if len(rooms) != 1 {
		t.Errorf("Expected 1 room on the last page, got %d", len(rooms))
	}

	_, response = do(mux, "GET", "/api/rooms?offset=50")
	if rooms := response["rooms"].([]any); len(rooms) != 0 {
		t.Errorf("Expected empty page past the end, got %d", len(rooms))
	}
}

func TestGetRoom(t *testing.T) {
	api, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	api.registry.Create("art room", "pw")

	w, response := doWithPassword(mux, "GET", "/api/rooms/art%20room", "pw")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["id"] != "art room" || response["has_password"] != true {
		t.Errorf("Unexpected room response %v", response)
	}

	w, _ = do(mux, "GET", "/api/rooms/non-existent")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestProtectedRoomNeedsPassword(t *testing.T) {
	api, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	vault, _ := api.registry.Create("vault", "s3cret")
	vault.AddUser("u", "U", nopSink{})
	vault.Commit(canvas.Operation{ID: "op1", AuthorID: "u", Tool: canvas.Brush("#000"), Width: 1})

	// Never dialled: a refused request must not reach redis.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	api.presence = presence.NewSink(rdb, time.Minute)

	tests := []struct {
		name     string
		method   string
		path     string
		password string
		status   int
	}{
		{"room without password", "GET", "/api/rooms/vault", "", http.StatusForbidden},
		{"room with wrong password", "GET", "/api/rooms/vault", "nope", http.StatusForbidden},
		{"room with password", "GET", "/api/rooms/vault", "s3cret", http.StatusOK},
		{"undo without password", "POST", "/api/rooms/vault/undo", "", http.StatusForbidden},
		{"redo with wrong password", "POST", "/api/rooms/vault/redo", "nope", http.StatusForbidden},
		{"history without password", "GET", "/api/rooms/vault/history", "", http.StatusForbidden},
		{"history with password", "GET", "/api/rooms/vault/history", "s3cret", http.StatusOK},
		{"presence without password", "GET", "/api/rooms/vault/presence", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := doWithPassword(mux, tt.method, tt.path, tt.password)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}

	if _, revision := vault.Visible(); revision != 1 {
		t.Errorf("Expected refused undo/redo to leave revision 1, got %d", revision)
	}

	w, response := doWithPassword(mux, "POST", "/api/rooms/vault/undo", "s3cret")
	if w.Code != http.StatusOK || response["changed"] != true {
		t.Errorf("Expected undo with the password to apply, got %d %v", w.Code, response)
	}
}

func TestArchivedProtectedHistoryRefused(t *testing.T) {
	api, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	ctx := context.Background()
	op := canvas.Operation{ID: "op1", AuthorID: "a", Tool: canvas.Brush("#000"), Width: 1, CommittedAt: time.Now()}
	events := []journal.Event{
		{Kind: journal.KindRoomCreated, RoomID: "vault", Protected: true},
		{Kind: journal.KindOpCommitted, RoomID: "vault", Revision: 1, Protected: true, Operation: &op},
		{Kind: journal.KindRoomReclaimed, RoomID: "vault", Revision: 1, Protected: true},
	}
	for _, evt := range events {
		if err := api.archive.Write(ctx, evt); err != nil {
			t.Fatalf("Archive write failed: %v", err)
		}
	}

	w, _ := do(mux, "GET", "/api/rooms/vault/history")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a reclaimed protected room, got %d", w.Code)
	}

	// A public room reusing the name still can't read the old strokes.
	api.registry.Create("vault", "")
	w, _ = do(mux, "GET", "/api/rooms/vault/history")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a reused protected name, got %d", w.Code)
	}
}

func TestGlobalUndoRedo(t *testing.T) {
	api, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	r, _ := api.registry.Ensure("studio")
	r.Commit(canvas.Operation{ID: "op1", AuthorID: "a", Tool: canvas.Brush("#000"), Width: 1})

	tests := []struct {
		method   string
		path     string
		status   int
		changed  any
		revision any
	}{
		{"POST", "/api/rooms/studio/undo", http.StatusOK, true, float64(2)},
		{"POST", "/api/rooms/studio/undo", http.StatusOK, false, float64(2)},
		{"POST", "/api/rooms/studio/redo", http.StatusOK, true, float64(3)},
		{"GET", "/api/rooms/studio/undo", http.StatusMethodNotAllowed, nil, nil},
		{"POST", "/api/rooms/ghost/redo", http.StatusNotFound, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w, response := do(mux, tt.method, tt.path)
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, w.Code)
			}
			if tt.status != http.StatusOK {
				return
			}
			if response["changed"] != tt.changed || response["revision"] != tt.revision {
				t.Errorf("Unexpected response %v", response)
			}
		})
	}
}

func TestHistoryHandler(t *testing.T) {
	api, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	ctx := context.Background()
	for i, id := range []string{"op1", "op2", "op3"} {
		op := canvas.Operation{ID: id, AuthorID: "a", Tool: canvas.Eraser(), Width: 4, CommittedAt: time.Now()}
		err := api.archive.Write(ctx, journal.Event{Kind: journal.KindOpCommitted, RoomID: "studio", Revision: uint64(i + 1), Operation: &op})
		if err != nil {
			t.Fatalf("Archive write failed: %v", err)
		}
	}

	w, response := do(mux, "GET", "/api/rooms/studio/history?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	ops := response["operations"].([]any)
	if len(ops) != 2 || response["total"] != float64(3) {
		t.Errorf("Expected 2 of 3 operations, got %d of %v", len(ops), response["total"])
	}

	api.archive = nil
	w, _ = do(mux, "GET", "/api/rooms/studio/history")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without archive, got %d", w.Code)
	}
}

func TestPresenceDisabled(t *testing.T) {
	_, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	w, _ := do(mux, "GET", "/api/rooms/studio/presence")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without presence, got %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	_, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	for _, path := range []string{"/api/rooms/studio/versions", "/api/rooms/studio/undo/extra"} {
		if w, _ := do(mux, "GET", path); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestRateLimit(t *testing.T) {
	api, mux, cleanup := setupTestAPI(t)
	defer cleanup()

	api.limiter = ratelimit.NewKeyedLimiters(0.001, 2)
	defer api.limiter.Stop()
	mux = http.NewServeMux()
	api.Routes(mux, http.NotFoundHandler())

	codes := []int{}
	for i := 0; i < 3; i++ {
		w, _ := do(mux, "GET", "/api/stats")
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 200, 200, 429, got %v", codes)
	}

	if w, _ := do(mux, "GET", "/health"); w.Code != http.StatusOK {
		t.Errorf("Health should not be rate limited, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS(http.NotFoundHandler())
	req := httptest.NewRequest("OPTIONS", "/api/rooms", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Unexpected preflight response %d %v", w.Code, w.Header())
	}
}
