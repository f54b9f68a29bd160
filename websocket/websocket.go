// Package websocket carries the UI button events to the session controller
// and pushes state updates back to every connected page.
package websocket

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// HandlerFunc handles one incoming command message. msg is the parsed JSON
// payload; the "type" field has already been matched.
type HandlerFunc func(msg gjson.Result)

// Registry maps command types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(command string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = handler
}

// Dispatch routes a raw message to its handler. Unknown commands and
// messages without a type are ignored.
func (r *Registry) Dispatch(raw []byte, log *zap.Logger) {
	msg := gjson.ParseBytes(raw)
	typ := msg.Get("type").String()
	if typ == "" {
		log.Warn("message without type", zap.ByteString("raw", raw))
		return
	}
	r.mu.RLock()
	handler, ok := r.handlers[typ]
	r.mu.RUnlock()
	if !ok {
		log.Info("unknown command", zap.String("type", typ))
		return
	}
	handler(msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local single-user tool; only restrict origins in production.
		if os.Getenv("ENVIRONMENT") != "production" {
			return true
		}
		return r.Header.Get("Origin") == ""
	},
}

// Client is one connected page.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub tracks connected clients and fans broadcast messages out to them.
type Hub struct {
	registry *Registry
	log      *zap.Logger

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	closed     chan struct{} // closed when Run exits; unblocks client pumps
}

func NewHub(registry *Registry, log *zap.Logger) *Hub {
	return &Hub{
		registry:   registry,
		log:        log,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		closed:     make(chan struct{}),
	}
}

// Run owns the client set; it exits when done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			close(h.closed)
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast marshals v and sends it to every connected client.
func (h *Hub) Broadcast(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		h.log.Error("broadcast marshal", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.log.Warn("broadcast queue full, dropping message")
	}
}

// Handler upgrades the connection and runs the read/write pumps.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("ws upgrade", zap.Error(err))
			return
		}
		client := &Client{
			conn: conn,
			send: make(chan []byte, 64),
			hub:  h,
		}
		select {
		case h.register <- client:
		case <-h.closed:
			conn.Close()
			return
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.closed:
		}
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("ws read", zap.Error(err))
			}
			return
		}
		c.hub.registry.Dispatch(message, c.hub.log)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.hub.log.Warn("ws write", zap.Error(err))
			return
		}
	}
}
