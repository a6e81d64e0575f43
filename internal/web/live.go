package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/squat-counter/internal/logic"
)

const (
	writeTimeout = 5 * time.Second
	sendQueue    = 16
)

// LiveMessage is pushed to every websocket client on /live.
type LiveMessage struct {
	Timestamp string  `json:"timestamp"`
	Event     string  `json:"event"`
	Count     int     `json:"count"`
	State     string  `json:"state"`
	Mean      float32 `json:"mean"`
}

func newLiveMessage(e logic.Event) LiveMessage {
	return LiveMessage{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Event:     string(e.Type),
		Count:     e.Count,
		State:     string(e.State),
		Mean:      e.Mean,
	}
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans detector events out to websocket clients. A client that cannot
// keep up is disconnected rather than allowed to block the broadcaster.
type Hub struct {
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	// hello builds the first message a new client receives.
	hello func() LiveMessage

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

// NewHub creates a Hub. hello, if set, supplies the message sent to each
// client as soon as it connects.
func NewHub(log logrus.FieldLogger, hello func() LiveMessage) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		log:     log.WithField("component", "live"),
		hello:   hello,
		clients: make(map[*liveClient]struct{}),
	}
}

// Broadcast sends e to every connected client.
func (h *Hub) Broadcast(e logic.Event) {
	h.broadcast(newLiveMessage(e))
}

func (h *Hub) broadcast(msg LiveMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("encode live message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("live client too slow, dropping")
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ServeHTTP upgrades the request to a websocket and streams events to it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &liveClient{conn: conn, send: make(chan []byte, sendQueue)}
	if h.hello != nil {
		if data, err := json.Marshal(h.hello()); err == nil {
			c.send <- data
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages and notices when the peer goes away.
func (h *Hub) readLoop(c *liveClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) writeLoop(c *liveClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.WithError(err).Debug("live write failed")
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(c *liveClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}
