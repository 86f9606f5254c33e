package ws

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/easel/internal/protocol"
	"github.com/manpreetbhatti/easel/internal/ratelimit"
	"github.com/manpreetbhatti/easel/internal/room"
	"github.com/manpreetbhatti/easel/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Config struct {
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
	MaxViolations     int
	SendBuffer        int
	// Empty allows any origin.
	AllowedOrigins []string
	DefaultRoom    string
}

func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    1024 * 1024,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		MaxViolations:     1000,
		SendBuffer:        512,
		DefaultRoom:       "lobby",
	}
}

// Handler upgrades HTTP requests to drawing connections.
type Handler struct {
	hub      *Hub
	registry *room.Registry
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, registry *room.Registry, cfg Config) *Handler {
	h := &Handler{hub: hub, registry: registry, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	log.Printf("⚠️ Rejected websocket from origin %s", origin)
	return false
}

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	id      string
	guard   *ratelimit.Guard
	session *session.Session
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		hub:   h.hub,
		conn:  conn,
		send:  make(chan []byte, h.cfg.SendBuffer),
		done:  make(chan struct{}),
		id:    uuid.NewString(),
		guard: ratelimit.NewGuard(h.cfg.MessagesPerSecond, h.cfg.MessageBurst, h.cfg.MaxViolations),
	}
	client.session = session.New(client, session.Options{
		Registry:    h.registry,
		Lobby:       h.hub,
		DefaultRoom: h.cfg.DefaultRoom,
	})

	if !h.hub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	client.session.Greet()
	go client.readPump(h.cfg.MaxMessageSize)
}

func (c *Client) ID() string { return c.id }

// Deliver queues msg without blocking. A client that cannot keep up is
// disconnected and has to rejoin for a fresh state:init.
func (c *Client) Deliver(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.shutdown("send buffer full")
	}
}

// shutdown asks writePump to send a close frame and drop the connection,
// which in turn ends readPump.
func (c *Client) shutdown(reason string) {
	c.once.Do(func() {
		log.Printf("Closing client %s: %s", c.id, reason)
		close(c.done)
	})
}

func (c *Client) readPump(maxMessageSize int64) {
	defer func() {
		c.session.Close()
		c.hub.remove(c)
		c.shutdown("read loop ended")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		switch c.guard.Check() {
		case ratelimit.Dropped:
			if n := c.guard.Violations(); n%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for client %s in room %q (warning #%d)",
					c.id, c.session.RoomID(), n)
			}
			continue
		case ratelimit.Exceeded:
			log.Printf("🚫 Disconnecting client %s for excessive rate limit violations", c.id)
			return
		}

		in, err := protocol.ParseInbound(message)
		if err != nil {
			log.Printf("⚠️ Invalid message from client %s: %v", c.id, err)
			continue
		}
		c.session.Handle(in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
