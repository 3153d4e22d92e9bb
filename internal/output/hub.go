package output

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"postureguard/internal/model"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	clientSendSize = 64
)

// Hub fans alert commands out to websocket presentation clients. A client
// subscribes to one viewer (or "*" for all) and reports when it starts and
// stops speaking, which makes the hub the engine's speech probe.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool

	sent    atomic.Int64
	dropped atomic.Int64
}

type hubClient struct {
	hub      *Hub
	viewer   string
	conn     *websocket.Conn
	send     chan []byte
	speaking atomic.Bool
	once     sync.Once
}

type clientMessage struct {
	Type string `json:"type"`
}

type HubStats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades the request; ?viewer= selects the subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	viewer := strings.TrimSpace(r.URL.Query().Get("viewer"))
	if viewer == "" {
		viewer = "*"
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	c := &hubClient{hub: h, viewer: viewer, conn: conn, send: make(chan []byte, clientSendSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("presentation client connected", "viewer_id", viewer, "remote", r.RemoteAddr)
	}
	go c.writePump()
	go c.readPump()
}

// remove drops the client and closes its send channel under the write lock,
// so Deliver never sends on a closed channel.
func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	if ok && h.logger != nil {
		h.logger.Info("presentation client disconnected", "viewer_id", c.viewer)
	}
}

func (h *Hub) matchingLocked(viewer string) []*hubClient {
	out := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		if c.viewer == "*" || c.viewer == viewer {
			out = append(out, c)
		}
	}
	return out
}

// Speaking reports whether any client subscribed to viewer is speaking.
func (h *Hub) Speaking(viewer string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.matchingLocked(viewer) {
		if c.speaking.Load() {
			return true
		}
	}
	return false
}

// CanRefuseSpeech marks the hub as a speech gate: a Speak is offered here
// before any other sink sees it.
func (h *Hub) CanRefuseSpeech() bool { return true }

// Deliver sends while holding the read lock; send channels are only closed
// under the write lock.
func (h *Hub) Deliver(_ context.Context, alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := h.matchingLocked(alert.ViewerID)
	if len(clients) == 0 {
		return nil
	}
	if alert.Kind == model.Speak {
		for _, c := range clients {
			if c.speaking.Load() {
				return ErrSpeechBusy
			}
		}
	}
	for _, c := range clients {
		select {
		case c.send <- payload:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
			if h.logger != nil {
				h.logger.Warn("presentation client too slow, dropping command", "viewer_id", c.viewer, "kind", alert.Kind)
			}
		}
	}
	return nil
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return HubStats{Clients: n, Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*hubClient]struct{})
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "speech_started":
			c.speaking.Store(true)
		case "speech_ended":
			c.speaking.Store(false)
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
