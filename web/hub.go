package web

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courtbot/ballbot/logging"
)

const (
	writeWait      = 2 * time.Second
	maxMessageSize = 4096
)

// client serializes writes to one websocket; gorilla connections allow a single writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// hub tracks connected websocket clients and fans messages out to them.
type hub struct {
	logger logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub(logger logging.Logger) *hub {
	return &hub{logger: logger, clients: map[*client]struct{}{}}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debugw("websocket client connected", "remote", c.conn.RemoteAddr().String(), "clients", n)
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	//nolint:errcheck
	c.conn.Close()
	h.logger.Debugw("websocket client disconnected", "clients", n)
}

func (h *hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// broadcast sends v to every client. A client that cannot keep up is dropped.
func (h *hub) broadcast(v interface{}) {
	for _, c := range h.snapshot() {
		if err := c.send(v); err != nil {
			h.logger.Debugw("dropping websocket client", "error", err)
			h.remove(c)
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	for _, c := range h.snapshot() {
		h.remove(c)
	}
}
