// Package ws implements the WebSocket observer hub for real-time workflow
// event broadcast.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/ControlTower/internal/domain/workflow"
)

// writeTimeout bounds one delivery attempt so a stalled observer cannot
// block Publish for the others.
const writeTimeout = 5 * time.Second

// Conn represents one subscribed observer connection.
type Conn struct {
	write  func(ctx context.Context, data []byte) error
	cancel context.CancelFunc
}

func newConn(write func(ctx context.Context, data []byte) error, cancel context.CancelFunc) *Conn {
	if cancel == nil {
		cancel = func() {}
	}
	return &Conn{write: write, cancel: cancel}
}

// Hub manages the set of active observer connections and fans workflow
// events out to all of them. One Hub is constructed at startup and passed
// by reference to everything that publishes.
type Hub struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*Conn]struct{}),
	}
}

// Register adds an observer connection to the active set.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes an observer connection. Idempotent: removing a
// connection that is already gone is a no-op.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("observer disconnected", "observers", len(h.conns))
	}
}

// Publish delivers the event to every currently-registered observer.
// Delivery is best-effort and at-most-once: a connection whose write fails
// is pruned from the set within this same call, and one failing observer
// never prevents delivery to the others. Publish never returns an error.
//
// Writes are detached from the caller's cancellation: a run that hits its
// deadline still gets its terminal error event out to observers, and a
// cancelled caller must not look like a broken connection. Only the
// per-write timeout bounds delivery.
func (h *Hub) Publish(ctx context.Context, ev workflow.Event) {
	data, err := json.Marshal(ev.Marshal())
	if err != nil {
		slog.Error("marshal workflow event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	var failed []*Conn
	for _, c := range targets {
		wctx, cancel := context.WithTimeout(base, writeTimeout)
		err := c.write(wctx, data)
		cancel()
		if err != nil {
			slog.Debug("observer write failed", "type", ev.Type, "error", err)
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		h.Unregister(c)
	}
}

// ConnectionCount returns the number of active observer connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleWS upgrades the request to a WebSocket, registers the observer and
// runs its keep-alive read loop. The client string "ping" gets a
// {"type":"pong"} reply; anything else is ignored.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := newConn(func(wctx context.Context, data []byte) error {
		return sock.Write(wctx, websocket.MessageText, data)
	}, cancel)

	h.Register(c)
	slog.Info("observer connected", "remote", r.RemoteAddr, "observers", h.ConnectionCount())

	// Read loop: detects disconnects and answers keep-alive pings.
	go func() {
		defer func() {
			h.Unregister(c)
			_ = sock.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, data, err := sock.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "ping" {
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := sock.Write(wctx, websocket.MessageText, []byte(`{"type":"pong"}`))
				wcancel()
				if err != nil {
					return
				}
			}
		}
	}()
}
