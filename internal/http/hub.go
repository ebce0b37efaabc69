package httpapi

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubWriteWait  = 5 * time.Second
	hubSendBuffer = 16
)

// Update is one frame pushed to local UI listeners.
type Update struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// hubClient is one connected UI; its writer goroutine owns conn writes.
type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans session updates out to websocket listeners. Broadcast never
// blocks; a listener that falls behind loses frames.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{clients: make(map[string]*hubClient), logger: logger}
}

func (h *Hub) Add(id string, conn *websocket.Conn) {
	c := &hubClient{conn: conn, send: make(chan []byte, hubSendBuffer)}
	h.mu.Lock()
	if old, ok := h.clients[id]; ok {
		old.close()
	}
	h.clients[id] = c
	h.mu.Unlock()

	go h.writeLoop(id, c)
	go h.readLoop(id, c)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(event string, data any) {
	b, err := json.Marshal(Update{Event: event, Data: data})
	if err != nil {
		h.logger.Warn("update not encoded", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.Debug("ui listener behind, frame dropped", "client_id", id, "event", event)
		}
	}
}

func (h *Hub) remove(id string, c *hubClient) {
	h.mu.Lock()
	if cur, ok := h.clients[id]; ok && cur == c {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	c.close()
}

// Close disconnects every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*hubClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) writeLoop(id string, c *hubClient) {
	defer c.conn.Close()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			h.logger.Debug("ui write failed", "client_id", id, "error", err)
			h.remove(id, c)
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// readLoop only watches for the listener going away.
func (h *Hub) readLoop(id string, c *hubClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(id, c)
			return
		}
	}
}
