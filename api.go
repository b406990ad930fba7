package cobase

import (
	"context"

	"github.com/DoctorEvidence/cobase/store"
)

// Readable is a table values can be read from.
type Readable[V any] interface {
	Name() string
	Get(ctx context.Context, id ID) (v V, ok bool, err error)
}

type Writable[V any] interface {
	Set(ctx context.Context, id ID, v V) (*store.Pending, error)
	Delete(ctx context.Context, id ID) (*store.Pending, error)
}

// Versioned exposes version bookkeeping, for catch-up and replication.
type Versioned interface {
	Version(ctx context.Context, id ID) (uint64, error)
	IDs(ctx context.Context, from, to ID) ([]ID, error)
	IDsAndVersionsSince(ctx context.Context, since uint64) (ids []IDVersion, full bool, err error)
}

type Table[V any] interface {
	Readable[V]
	Versioned
}

type WritableTable[V any] interface {
	Table[V]
	Writable[V]
}

// Input is what a derived table's transform sees of one source.
type Input struct {
	Value   any
	Version uint64
	Present bool
}

// Source is a table a derived table can be computed from. Entity and
// Derived tables are sources.
type Source interface {
	Name() string
	TransformVersion() uint64
	Subscribe(l Listener) (cancel func())
	Input(ctx context.Context, id ID) (Input, error)
	IDs(ctx context.Context, from, to ID) ([]ID, error)
	IDsAndVersionsSince(ctx context.Context, since uint64) (ids []IDVersion, full bool, err error)
}

// Transform computes the value of id from its sources, given in the order
// the derived table declared them. Returning ok=false makes the entry
// absent.
type Transform[V any] func(ctx context.Context, id ID, in []Input) (v V, ok bool, err error)

// Single adapts a function of one source value. The entry is absent while
// the source value is.
func Single[S, V any](fn func(ctx context.Context, id ID, src S) (V, error)) Transform[V] {
	return func(ctx context.Context, id ID, in []Input) (V, bool, error) {
		var zero V
		if len(in) == 0 || !in[0].Present {
			return zero, false, nil
		}
		src, ok := in[0].Value.(S)
		if !ok {
			return zero, false, &RecomputeError{ID: id, Err: errSourceType}
		}
		v, err := fn(ctx, id, src)
		if err != nil {
			return zero, false, err
		}
		return v, true, nil
	}
}
