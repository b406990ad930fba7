package cobase

import (
	"context"

	"github.com/DoctorEvidence/cobase/codec"
	"github.com/DoctorEvidence/cobase/store"
)

type EntityOptions[V any] struct {
	Codec   codec.Codec[V] // nil => codec.Msgpack[V]
	Version uint64         // schema version of the stored values
	Strong  bool           // keep every instance in memory
}

// Entity is a table of directly stored values. Every write gets a new
// version and is published to listeners and to peer processes.
type Entity[V any] struct {
	*cache[V]
}

var (
	_ WritableTable[int] = (*Entity[int])(nil)
	_ Source             = (*Entity[int])(nil)
)

// NewEntity opens the entity table name.
func NewEntity[V any](ctx context.Context, m *Manager, name string, opts EntityOptions[V]) (*Entity[V], error) {
	t := newTable(m, name, opts.Version)
	e := &Entity[V]{cache: newCache[V](t, opts.Codec, opts.Strong)}
	t.onRemote = e.remoteUpdate
	t.initData = e.initData
	if err := m.attach(ctx, t); err != nil {
		return nil, err
	}
	return e, nil
}

// initData records the schema version. Stored values are kept across
// schema changes; their start version marks the change for derived tables.
func (e *Entity[V]) initData(ctx context.Context) error {
	st := e.meta.State()
	if st.DBVersion == e.version && st.StartVersion != 0 {
		return nil
	}
	if st.DBVersion != e.version && st.StartVersion != 0 {
		e.log.Info("schema version changed", Fields{"from": st.DBVersion, "to": e.version})
	}
	start := e.m.ledger.Next()
	e.meta.note(start)
	return e.meta.setState(ctx, tableState{DBVersion: e.version, StartVersion: start})
}

// Set stores v as the new value of id.
func (e *Entity[V]) Set(ctx context.Context, id ID, v V) (*store.Pending, error) {
	if err := validate(e.name, id); err != nil {
		return nil, err
	}
	return e.set(ctx, e.instance(id), v)
}

// Patch replaces the value of id with fn's result. fn runs under the id's
// lock and sees the current value.
func (e *Entity[V]) Patch(ctx context.Context, id ID, fn func(cur V, ok bool) (V, error)) (*store.Pending, error) {
	if err := validate(e.name, id); err != nil {
		return nil, err
	}
	inst := e.instance(id)
	inst.mu.Lock()
	cur, ok, err := e.value(ctx, inst)
	if err != nil {
		inst.mu.Unlock()
		return nil, err
	}
	next, err := fn(cur, ok)
	if err != nil {
		inst.mu.Unlock()
		return nil, err
	}
	typ := Replaced
	if !ok {
		typ = Added
	}
	version := e.m.ledger.Next()
	p, err := e.write(inst, next, true, version, nil)
	inst.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.publish(ctx, Event{Table: e.name, Type: typ, ID: id, Version: version})
	return p, nil
}

// Delete removes id. The Deleted event carries the removed value.
func (e *Entity[V]) Delete(ctx context.Context, id ID) (*store.Pending, error) {
	if err := validate(e.name, id); err != nil {
		return nil, err
	}
	inst := e.instance(id)
	inst.mu.Lock()
	prev, existed, err := e.value(ctx, inst)
	if err != nil {
		inst.mu.Unlock()
		return nil, err
	}
	version := e.m.ledger.Next()
	var zero V
	p, err := e.write(inst, zero, false, version, nil)
	inst.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.reg.delete(string(inst.key))
	e.m.retain.drop(e.retainKey(inst.key))

	ev := Event{Table: e.name, Type: Deleted, ID: id, Version: version}
	if existed {
		ev.Previous = prev
	}
	e.publish(ctx, ev)
	return p, nil
}
