// Package asynchook moves hook calls off the hot path onto a small worker
// pool. Events are dropped when the queue is full.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{CASRetryEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	m, _ := cobase.NewManager(cobase.Config{Dir: dir, Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/DoctorEvidence/cobase"
)

type Hooks struct {
	inner   cobase.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ cobase.Hooks = (*Hooks)(nil)

func New(inner cobase.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) MapResized(t string, size int64) { h.try(func() { h.inner.MapResized(t, size) }) }
func (h *Hooks) DataLoss(t string, err error)     { h.try(func() { h.inner.DataLoss(t, err) }) }
func (h *Hooks) BatchFailed(t string, n int, err error) {
	h.try(func() { h.inner.BatchFailed(t, n, err) })
}
func (h *Hooks) CASRetry(t, id string, attempt int) {
	h.try(func() { h.inner.CASRetry(t, id, attempt) })
}
func (h *Hooks) InvalidationDeferred(t, id string, owner int) {
	h.try(func() { h.inner.InvalidationDeferred(t, id, owner) })
}
func (h *Hooks) Rebuild(t string, ids int, cleared bool) {
	h.try(func() { h.inner.Rebuild(t, ids, cleared) })
}
func (h *Hooks) CatchUp(t string, since uint64, ids int) {
	h.try(func() { h.inner.CatchUp(t, since, ids) })
}
func (h *Hooks) PeerLost(t string, pid int) { h.try(func() { h.inner.PeerLost(t, pid) }) }
func (h *Hooks) RecomputeFailed(t, id string, err error) {
	h.try(func() { h.inner.RecomputeFailed(t, id, err) })
}
