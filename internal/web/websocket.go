// internal/web/websocket.go
package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"sitewatch/internal/metrics"
	"sitewatch/internal/monitoring"
)

const (
	wsSendBuffer   = 256
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type releaser interface {
	Release()
}

// Hub forwards engine events to every connected websocket client. Sends
// never block the publisher: a client whose buffer is full is dropped.
type Hub struct {
	metrics *metrics.Collector
	logger  logrus.FieldLogger

	mu      sync.Mutex
	clients map[*WSClient]struct{}
	closed  bool
	subs    []releaser
}

type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan WSMessage
}

func NewHub(engine *monitoring.Engine, collector *metrics.Collector, logger logrus.FieldLogger) *Hub {
	h := &Hub{
		metrics: collector,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
	h.subs = append(h.subs,
		engine.SubscribeStatusChanged(func(ev monitoring.StatusChangedEvent) {
			h.broadcast(WSMessage{Type: "status_changed", Data: ev})
		}),
		engine.SubscribeLifecycle(func(ev monitoring.LifecycleEvent) {
			h.broadcast(WSMessage{Type: "lifecycle", Data: ev})
		}),
	)
	return h
}

func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		hub:  h,
		conn: conn,
		send: make(chan WSMessage, wsSendBuffer),
	}
	if !h.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection(1)
	}
	return true
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *WSClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.RecordWebSocketConnection(-1)
	}
}

func (h *Hub) broadcast(message WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			h.logger.Warn("Dropping slow websocket client")
			h.removeLocked(client)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close releases the event subscriptions and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		sub.Release()
	}
	for client := range h.clients {
		h.removeLocked(client)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
