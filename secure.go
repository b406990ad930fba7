package cobase

import (
	"context"

	"github.com/DoctorEvidence/cobase/store"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// Checker decides whether a call may proceed. A non-nil error denies it and
// is wrapped in an *AccessError.
type Checker func(ctx context.Context, table string, action Action, id ID) error

// Guarded wraps a table with a permission check in front of every call
// that touches an id. Writes need the wrapped table to be writable.
type Guarded[V any] struct {
	inner Table[V]
	check Checker
}

var _ WritableTable[int] = (*Guarded[int])(nil)

func Guard[V any](t Table[V], check Checker) *Guarded[V] {
	return &Guarded[V]{inner: t, check: check}
}

func (g *Guarded[V]) allow(ctx context.Context, action Action, id ID) error {
	if g.check == nil {
		return nil
	}
	if err := g.check(ctx, g.inner.Name(), action, id); err != nil {
		return &AccessError{Table: g.inner.Name(), Action: action, ID: id, Err: err}
	}
	return nil
}

func (g *Guarded[V]) Name() string { return g.inner.Name() }

func (g *Guarded[V]) Get(ctx context.Context, id ID) (V, bool, error) {
	if err := g.allow(ctx, ActionRead, id); err != nil {
		var zero V
		return zero, false, err
	}
	return g.inner.Get(ctx, id)
}

func (g *Guarded[V]) Version(ctx context.Context, id ID) (uint64, error) {
	if err := g.allow(ctx, ActionRead, id); err != nil {
		return 0, err
	}
	return g.inner.Version(ctx, id)
}

// IDs and IDsAndVersionsSince list the table; they are checked as a read
// of the zero id.
func (g *Guarded[V]) IDs(ctx context.Context, from, to ID) ([]ID, error) {
	if err := g.allow(ctx, ActionRead, ID{}); err != nil {
		return nil, err
	}
	return g.inner.IDs(ctx, from, to)
}

func (g *Guarded[V]) IDsAndVersionsSince(ctx context.Context, since uint64) ([]IDVersion, bool, error) {
	if err := g.allow(ctx, ActionRead, ID{}); err != nil {
		return nil, false, err
	}
	return g.inner.IDsAndVersionsSince(ctx, since)
}

func (g *Guarded[V]) Set(ctx context.Context, id ID, v V) (*store.Pending, error) {
	w, ok := g.inner.(Writable[V])
	if !ok {
		return nil, ErrReadOnly
	}
	if err := g.allow(ctx, ActionWrite, id); err != nil {
		return nil, err
	}
	return w.Set(ctx, id, v)
}

func (g *Guarded[V]) Delete(ctx context.Context, id ID) (*store.Pending, error) {
	w, ok := g.inner.(Writable[V])
	if !ok {
		return nil, ErrReadOnly
	}
	if err := g.allow(ctx, ActionDelete, id); err != nil {
		return nil, err
	}
	return w.Delete(ctx, id)
}
