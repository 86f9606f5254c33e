package ws

import (
	"log"
	"sync"
)

// Hub tracks every live connection, joined to a room or not, and fans
// lobby-wide frames such as rooms:list out to all of them.
type Hub struct {
	clients map[*Client]bool

	// Frames for every connected client
	broadcast chan lobbyFrame

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
}

type lobbyFrame struct {
	msg    []byte
	except string
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan lobbyFrame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()

			log.Printf("Client %s connected (total: %d)", client.id, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				log.Printf("Client %s disconnected (remaining: %d)", client.id, len(h.clients))
			}
			h.mu.Unlock()

		case f := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.id != f.except {
					client.Deliver(f.msg)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends Run and closes every tracked connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			client.shutdown("server stopping")
		}
	})
}

// BroadcastAll queues msg for every connected client except the one with
// id except.
func (h *Hub) BroadcastAll(msg []byte, except string) {
	select {
	case h.broadcast <- lobbyFrame{msg: msg, except: except}:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
