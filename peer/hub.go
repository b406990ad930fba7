package peer

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Hub connects Endpoints inside one process. Messages are delivered
// synchronously on the sender's goroutine. It stands in for separate
// processes in tests and for embedding several cobase managers in one binary.
type Hub struct {
	eps *xsync.MapOf[int, *Endpoint]
}

func NewHub() *Hub {
	return &Hub{eps: xsync.NewMapOf[int, *Endpoint]()}
}

// Endpoint returns the messenger of pid, creating it on first use.
func (h *Hub) Endpoint(pid int) *Endpoint {
	ep, _ := h.eps.LoadOrCompute(pid, func() *Endpoint {
		return &Endpoint{hub: h, pid: pid, tables: xsync.NewMapOf[string, Handler]()}
	})
	return ep
}

type Endpoint struct {
	hub    *Hub
	pid    int
	tables *xsync.MapOf[string, Handler]
	closed atomic.Bool
	sent   atomic.Int64
}

var _ Messenger = (*Endpoint)(nil)

func (e *Endpoint) PID() int { return e.pid }

func (e *Endpoint) Join(table string, h Handler) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.tables.Store(table, h)
	return nil
}

func (e *Endpoint) Leave(table string) { e.tables.Delete(table) }

func (e *Endpoint) Send(ctx context.Context, pid int, m Message) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, ok := e.hub.eps.Load(pid)
	if !ok || dst.closed.Load() {
		return ErrUnreachable
	}
	e.sent.Add(1)
	if h, ok := dst.tables.Load(m.Table); ok {
		h(m)
	}
	return nil
}

// Sent counts messages handed to live endpoints.
func (e *Endpoint) Sent() int64 { return e.sent.Load() }

func (e *Endpoint) Alive(pid int) bool {
	ep, ok := e.hub.eps.Load(pid)
	return ok && !ep.closed.Load()
}

// Close makes the endpoint look dead to its peers.
func (e *Endpoint) Close() error {
	e.closed.Store(true)
	e.hub.eps.Delete(e.pid)
	return nil
}
