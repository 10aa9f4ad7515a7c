package http

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// conn wraps one attached device's websocket with a bounded outbound queue.
// A send that would block past the queue's capacity closes the connection
// instead of blocking the dispatch loop that feeds every other device.
type conn struct {
	deviceID uuid.UUID
	ws       *websocket.Conn
	out      chan frame
	closeMu  sync.Mutex
	closed   bool
}

func newConn(deviceID uuid.UUID, ws *websocket.Conn, queueMax int) *conn {
	return &conn{
		deviceID: deviceID,
		ws:       ws,
		out:      make(chan frame, queueMax),
	}
}

// enqueue returns false if the connection's outbound queue is full, in
// which case the caller should treat the connection as dead.
func (c *conn) enqueue(f frame) bool {
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
	_ = c.ws.Close()
}

// registry maps a device id to its single live connection. Attaching a new
// connection for a device that already has one evicts the old connection,
// matching the single-session-per-device model devices reconnect under.
type registry struct {
	mu    sync.RWMutex
	byDev map[uuid.UUID]*conn
}

func newRegistry() *registry {
	return &registry{byDev: make(map[uuid.UUID]*conn)}
}

func (r *registry) attach(c *conn) {
	r.mu.Lock()
	old, ok := r.byDev[c.deviceID]
	r.byDev[c.deviceID] = c
	r.mu.Unlock()
	if ok && old != c {
		old.close()
	}
}

func (r *registry) detach(c *conn) {
	r.mu.Lock()
	if cur, ok := r.byDev[c.deviceID]; ok && cur == c {
		delete(r.byDev, c.deviceID)
	}
	r.mu.Unlock()
}

func (r *registry) lookup(deviceID uuid.UUID) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byDev[deviceID]
	return c, ok
}

func (r *registry) broadcast(f frame) {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.byDev))
	for _, c := range r.byDev {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		if !c.enqueue(f) {
			c.close()
		}
	}
}
