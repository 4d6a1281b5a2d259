// Package overlay fans capture status out to presentation layers: websocket
// clients and the capture.status bus subject.
package overlay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 16
)

// Hub keeps the latest capture status and streams every change to its
// clients. A client that cannot keep up is disconnected.
type Hub struct {
	bus      *bus.Client
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	latest  capture.Status
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan protocol.CaptureStatus
}

var _ capture.Observer = (*Hub)(nil)

// NewHub returns a hub. busClient may be nil when no bus is available.
func NewHub(busClient *bus.Client, log *slog.Logger) *Hub {
	return &Hub{
		bus: busClient,
		log: log.With(slog.String("component", "overlay")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		latest:  capture.Status{State: capture.StateIdle, At: time.Now().UTC()},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) StatusChanged(status capture.Status) {
	msg := status.Message()

	// Bus publication stays under the lock so subscribers see the same
	// order as websocket clients.
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = status
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping slow overlay client", slog.String("remote", c.conn.RemoteAddr().String()))
			h.removeLocked(c)
		}
	}
	if h.bus == nil {
		return
	}
	if err := h.bus.PublishJSON(protocol.SubjectCaptureStatus, msg); err != nil {
		h.log.Warn("failed to publish capture status", slog.String("error", err.Error()))
	}
}

// Latest returns the last status seen.
func (h *Hub) Latest() capture.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Clients reports the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams statuses, starting with the
// latest one.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, send: make(chan protocol.CaptureStatus, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	c.send <- h.latest.Message()
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// readLoop drains control frames until the peer goes away.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.Debug("overlay client read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
