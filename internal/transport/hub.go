// Package transport carries bridge sessions over websockets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/protobridge/internal/protocol"
)

var (
	// ErrBackpressure reports a session whose send queue is full.
	ErrBackpressure = errors.New("transport: send queue full")
	// ErrNotConnected reports a session without a live connection.
	ErrNotConnected = errors.New("transport: session not connected")
	// ErrAlreadyAttached reports a second connection for the same session.
	ErrAlreadyAttached = errors.New("transport: session already attached")
)

// DefaultQueueSize is the per-session send queue length.
const DefaultQueueSize = 64

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks live connections and owns their outbound queues.
type Hub struct {
	queue int

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub returns a Hub whose sessions each buffer up to queue outbound
// frames.
func NewHub(queue int) *Hub {
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	return &Hub{queue: queue, conns: make(map[string]*conn)}
}

func (h *Hub) attach(id string, ws *websocket.Conn) (*conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}
	c := &conn{id: id, ws: ws, send: make(chan any, h.queue), done: make(chan struct{})}
	h.conns[id] = c
	return c, nil
}

func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) get(id string) (*conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Send queues env for delivery to session id without blocking.
func (h *Hub) Send(id string, env protocol.Envelope) error {
	return h.enqueue(id, env)
}

func (h *Hub) enqueue(id string, msg any) error {
	c, ok := h.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	select {
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBackpressure, id)
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// WaitEmpty blocks until no connection is left or ctx is done. It reports
// whether the hub emptied.
func (h *Hub) WaitEmpty(ctx context.Context) bool {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if h.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

// CloseAll closes every live connection with status going-away.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, reason)
	}
}
