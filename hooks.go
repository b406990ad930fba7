package cobase

import "github.com/DoctorEvidence/cobase/store"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// Storage events: map growth, corruption rebuilds, failed batches.
	store.Hooks

	// A conditional write found a different header and was retried.
	CASRetry(table, id string, attempt int)

	// A remote update was left to a lower-pid peer to persist.
	InvalidationDeferred(table, id string, owner int)

	// A derived table was reset after its transform version changed.
	// ids is the number of entries invalidated.
	Rebuild(table string, ids int, cleared bool)

	// Startup catch-up invalidated entries whose sources changed while the
	// table was not open.
	CatchUp(table string, since uint64, ids int)

	// A peer process stopped responding and was forgotten.
	PeerLost(table string, pid int)

	// A derived value could not be recomputed.
	RecomputeFailed(table, id string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{ store.NopHooks }

func (NopHooks) CASRetry(string, string, int)             {}
func (NopHooks) InvalidationDeferred(string, string, int) {}
func (NopHooks) Rebuild(string, int, bool)                {}
func (NopHooks) CatchUp(string, uint64, int)              {}
func (NopHooks) PeerLost(string, int)                     {}
func (NopHooks) RecomputeFailed(string, string, error)    {}
