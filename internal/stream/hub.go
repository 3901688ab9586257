// Package stream broadcasts committed effects to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"PerpEngine/internal/event"
	"PerpEngine/internal/observability"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 256
)

// client is one connection. Only its writer goroutine writes to conn.
type client struct {
	conn   *websocket.Conn
	market string // empty subscribes to every market
	send   chan []byte
}

// Hub fans effects out to connected clients. A client that cannot keep up
// is disconnected rather than slowing the others.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewHub(metrics *observability.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		log:     log.With().Str("component", "stream").Logger(),
	}
}

// Run broadcasts effects from in until ctx is done or in closes, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, in <-chan event.Effect) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-in:
			if !ok {
				return nil
			}
			h.Broadcast(e)
		}
	}
}

// Broadcast queues e for every client subscribed to its market.
func (h *Hub) Broadcast(e event.Effect) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(e.Type)).Msg("marshal effect")
		return
	}
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.market != "" && c.market != e.Market {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow stream client")
		h.remove(c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request. ?market=ID limits the stream to one
// market.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &client{conn: conn, market: r.URL.Query().Get("market"), send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.gauge(n)
	h.log.Debug().Str("market", c.market).Int("total", n).Msg("stream client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// remove unregisters c and closes its send channel once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.gauge(n)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) gauge(n int) {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
