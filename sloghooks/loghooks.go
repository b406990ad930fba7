// Package sloghooks reports cobase hook events through log/slog, with
// sampling for the noisy ones.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/DoctorEvidence/cobase"
	"github.com/DoctorEvidence/cobase/store"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CASRetryEvery uint64
	DeferredEvery uint64
}

type Hooks struct {
	store.NopHooks
	l    *slog.Logger
	opts Options

	casCtr      atomic.Uint64
	deferredCtr atomic.Uint64
}

var _ cobase.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) MapResized(table string, size int64) {
	if h.l == nil {
		return
	}
	h.l.Info("cobase.map_resized", "table", table, "size", size)
}

func (h *Hooks) DataLoss(table string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("cobase.data_loss", "table", table, "err", err)
}

func (h *Hooks) BatchFailed(table string, ops int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("cobase.batch_failed", "table", table, "ops", ops, "err", err)
}

func (h *Hooks) CASRetry(table, id string, attempt int) {
	if h.l == nil || !sample(h.opts.CASRetryEvery, &h.casCtr) {
		return
	}
	h.l.Debug("cobase.cas_retry", "table", table, "id", id, "attempt", attempt)
}

func (h *Hooks) InvalidationDeferred(table, id string, owner int) {
	if h.l == nil || !sample(h.opts.DeferredEvery, &h.deferredCtr) {
		return
	}
	h.l.Debug("cobase.invalidation_deferred", "table", table, "id", id, "owner", owner)
}

func (h *Hooks) Rebuild(table string, ids int, cleared bool) {
	if h.l == nil {
		return
	}
	h.l.Info("cobase.rebuild", "table", table, "ids", ids, "cleared", cleared)
}

func (h *Hooks) CatchUp(table string, since uint64, ids int) {
	if h.l == nil {
		return
	}
	h.l.Info("cobase.catch_up", "table", table, "since", since, "ids", ids)
}

func (h *Hooks) PeerLost(table string, pid int) {
	if h.l == nil {
		return
	}
	h.l.Warn("cobase.peer_lost", "table", table, "pid", pid)
}

func (h *Hooks) RecomputeFailed(table, id string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cobase.recompute_failed", "table", table, "id", id, "err", err)
}
