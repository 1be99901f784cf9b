package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// clientBuffer is the number of events queued per client before events
	// are dropped for that client.
	clientBuffer = 64

	writeTimeout = 5 * time.Second
)

// Hub is a WebSocket endpoint for widget clients. Every connected client
// receives every event; text frames sent by a client are parsed as commands.
//
// Hub implements [Sink] and [http.Handler]. It is safe for concurrent use.
type Hub struct {
	handler CommandHandler
	origins []string

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithOriginPatterns restricts which browser origins may connect. Without it
// only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// NewHub returns a Hub that passes inbound commands to handler. handler may
// be nil, in which case inbound frames are ignored.
func NewHub(handler CommandHandler, opts ...HubOption) *Hub {
	h := &Hub{
		handler: handler,
		clients: make(map[*hubClient]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Warn("notify: websocket accept", "err", err)
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(c)

	ctx := r.Context()
	go c.writeLoop(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("notify: websocket client read ended", "err", err)
			}
			return
		}
		cmd, err := ParseCommand(data)
		if err != nil {
			slog.Warn("notify: ignoring websocket command", "err", err)
			continue
		}
		if h.handler != nil {
			h.handler(ctx, cmd)
		}
	}
}

// Notify broadcasts ev to every connected client. A client whose buffer is
// full misses the event.
func (h *Hub) Notify(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("notify: marshal event", "event", ev.Name, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("notify: websocket client too slow, dropping event", "event", ev.Name)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones. Idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		c.stop()
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

func (h *Hub) register(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.stop()
	}
	h.mu.Unlock()
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// stop closes the send queue. Must be called with the hub lock held.
func (c *hubClient) stop() {
	c.once.Do(func() { close(c.send) })
}

func (c *hubClient) writeLoop(ctx context.Context) {
	for data := range c.send {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
}
