// Package hub fans deployment events out to websocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skald/auth"
)

type Event struct {
	Type       string `json:"type"` // deploy.queued, deploy.step, deploy.retrying, deploy.succeeded, ...
	Deployment string `json:"deployment"`
	Payload    any    `json:"payload"`
	Requester  string `json:"-"` // only subscribers with this identity receive the event
}

// Broadcaster is what the pipeline needs from a hub.
type Broadcaster interface {
	Broadcast(evt Event)
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	identity string // "" receives every event
}

type message struct {
	requester string
	data      []byte
}

func (c *client) wants(m message) bool {
	return c.identity == "" || c.identity == m.requester
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

func New(allowedOrigins []string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser clients (CLI, curl)
				}
				if allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

// Run pumps messages until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(msg) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast never blocks the caller; events are dropped when the hub is
// backed up.
func (h *Hub) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("hub: marshal event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message{requester: evt.Requester, data: data}:
	default:
		h.log.Warn("hub: dropping event", zap.String("type", evt.Type), zap.String("deployment", evt.Deployment))
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnect upgrades the request. The subscriber only receives events
// for the identity the auth middleware put on the request, if any.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64), identity: auth.IdentityFrom(r.Context())}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
