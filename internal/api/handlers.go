package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/manpreetbhatti/easel/internal/archive"
	"github.com/manpreetbhatti/easel/internal/presence"
	"github.com/manpreetbhatti/easel/internal/ratelimit"
	"github.com/manpreetbhatti/easel/internal/room"
	"github.com/manpreetbhatti/easel/internal/ws"
)

// PasswordHeader carries the password for requests about a protected room.
const PasswordHeader = "X-Room-Password"

type API struct {
	hub      *ws.Hub
	registry *room.Registry
	archive  *archive.Store
	presence *presence.Sink
	limiter  *ratelimit.KeyedLimiters
}

// Options carries the optional backends; nil disables the endpoints that
// depend on them.
type Options struct {
	Archive  *archive.Store
	Presence *presence.Sink
	Limiter  *ratelimit.KeyedLimiters
}

func New(hub *ws.Hub, registry *room.Registry, opts Options) *API {
	return &API{
		hub:      hub,
		registry: registry,
		archive:  opts.Archive,
		presence: opts.Presence,
		limiter:  opts.Limiter,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.registry.Count(),
		"public_rooms":   len(a.registry.ListPublic()),
		"active_clients": a.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.archive != nil {
		st, err := a.archive.Stats(r.Context())
		if err == nil {
			stats["archived_operations"] = st.Operations
			stats["archived_events"] = st.Events
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

// liveRoom resolves a live room, verifying the password of a protected one.
// On failure it writes the response and returns nil.
func (a *API) liveRoom(w http.ResponseWriter, r *http.Request, roomID string) *room.Room {
	rm, err := a.registry.Join(roomID, r.Header.Get(PasswordHeader))
	switch {
	case err == nil:
		return rm
	case errors.Is(err, room.ErrBadPassword):
		errorResponse(w, http.StatusForbidden, "Room password required")
	default:
		errorResponse(w, http.StatusNotFound, "Room not found")
	}
	return nil
}

// allowRecords gates endpoints that also serve rooms which are no longer
// live. A live room needs its password; a gone one that the archive knows
// as protected can't be verified and is refused.
func (a *API) allowRecords(w http.ResponseWriter, r *http.Request, roomID string) bool {
	rm, err := a.registry.Join(roomID, r.Header.Get(PasswordHeader))
	switch {
	case errors.Is(err, room.ErrBadPassword):
		errorResponse(w, http.StatusForbidden, "Room password required")
		return false
	case err == nil && rm.HasPassword():
		return true
	}
	if a.archive == nil {
		return true
	}

	protected, err := a.archive.Protected(r.Context(), roomID)
	if err != nil {
		log.Printf("Protection lookup for room %s failed: %v", roomID, err)
		errorResponse(w, http.StatusInternalServerError, "Failed to load room")
		return false
	}
	if protected {
		errorResponse(w, http.StatusForbidden, "Room is protected")
		return false
	}
	return true
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rm := a.liveRoom(w, r, roomID)
	if rm == nil {
		return
	}
	jsonResponse(w, http.StatusOK, rm.Stats())
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if a.archive == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Archive is disabled")
		return
	}
	if !a.allowRecords(w, r, roomID) {
		return
	}

	limit, offset := pagination(r)
	records, err := a.archive.ListOperations(r.Context(), roomID, limit, offset)
	if err != nil {
		log.Printf("History for room %s failed: %v", roomID, err)
		errorResponse(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	total, _ := a.archive.OperationCount(r.Context(), roomID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room":       roomID,
		"operations": records,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// HistoryStepHandler runs a room-wide undo or redo.
func (a *API) HistoryStepHandler(w http.ResponseWriter, r *http.Request, roomID string, redo bool) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rm := a.liveRoom(w, r, roomID)
	if rm == nil {
		return
	}

	var changed bool
	if redo {
		changed = rm.RedoGlobal()
	} else {
		changed = rm.UndoGlobal()
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"changed":  changed,
		"revision": rm.Stats().Revision,
	})
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if a.presence == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Presence mirror is disabled")
		return
	}
	if !a.allowRecords(w, r, roomID) {
		return
	}

	members, err := a.presence.Members(r.Context(), roomID)
	if err != nil {
		log.Printf("Presence for room %s failed: %v", roomID, err)
		errorResponse(w, http.StatusBadGateway, "Failed to read presence")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room":    roomID,
		"members": members,
	})
}

// RoomsRouter serves /api/rooms and /api/rooms/{id}[/history|/undo|/redo|/presence].
// Room ids are path-escaped by clients.
func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api/rooms")

	// /api/rooms or /api/rooms/
	if path == "" || path == "/" {
		a.ListRoomsHandler(w, r)
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	roomID, err := url.PathUnescape(parts[0])
	if err != nil || roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	if len(parts) == 1 {
		a.GetRoomHandler(w, r, roomID)
		return
	}
	if len(parts) > 2 {
		errorResponse(w, http.StatusNotFound, "Not found")
		return
	}

	switch parts[1] {
	case "history":
		a.HistoryHandler(w, r, roomID)
	case "undo":
		a.HistoryStepHandler(w, r, roomID, false)
	case "redo":
		a.HistoryStepHandler(w, r, roomID, true)
	case "presence":
		a.PresenceHandler(w, r, roomID)
	default:
		errorResponse(w, http.StatusNotFound, "Not found")
	}
}

// RateLimit throttles API requests per client address.
func (a *API) RateLimit(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !a.limiter.Allow(host) {
			errorResponse(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Routes registers the HTTP API and the websocket endpoint on mux.
func (a *API) Routes(mux *http.ServeMux, wsHandler http.Handler) {
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/health", a.HealthHandler)
	mux.Handle("/api/stats", a.RateLimit(http.HandlerFunc(a.StatsHandler)))
	mux.Handle("/api/rooms", a.RateLimit(http.HandlerFunc(a.RoomsRouter)))
	mux.Handle("/api/rooms/", a.RateLimit(http.HandlerFunc(a.RoomsRouter)))
}

func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+PasswordHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
