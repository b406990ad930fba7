package cobase

import (
	"context"
	"errors"
	"fmt"

	"github.com/DoctorEvidence/cobase/codec"
	"github.com/DoctorEvidence/cobase/internal/util"
	"github.com/DoctorEvidence/cobase/internal/wire"
	"github.com/DoctorEvidence/cobase/store"
	"golang.org/x/sync/singleflight"
)

// maxCASAttempts bounds the retries of one invalidation write.
const maxCASAttempts = 8

type DerivedOptions[V any] struct {
	Codec codec.Codec[V] // nil => codec.Msgpack[V]
	// Version of the transform. Raising it (or the schema version of a
	// source) resets the table.
	Version uint64
	Strong  bool
}

// Derived is a table whose values are computed from one or more sources.
// A source change invalidates the entry; the next read recomputes it.
type Derived[V any] struct {
	*cache[V]
	transform Transform[V]
	sources   []Source
	sf        singleflight.Group
}

var (
	_ Table[int] = (*Derived[int])(nil)
	_ Source     = (*Derived[int])(nil)
)

// NewDerived opens the derived table name over sources.
func NewDerived[V any](ctx context.Context, m *Manager, name string, transform Transform[V], opts DerivedOptions[V], sources ...Source) (*Derived[V], error) {
	if transform == nil {
		return nil, errors.New("cobase: transform is required")
	}
	if len(sources) == 0 {
		return nil, errors.New("cobase: derived table needs at least one source")
	}
	version := opts.Version
	for _, s := range sources {
		version += s.TransformVersion()
	}
	t := newTable(m, name, version)
	d := &Derived[V]{
		cache:     newCache[V](t, opts.Codec, opts.Strong),
		transform: transform,
		sources:   sources,
	}
	d.derived = true
	d.readOnly = true
	d.recompute = d.recomputeLocked
	t.onRemote = d.remoteUpdate
	t.initData = d.initData
	if err := m.attach(ctx, t); err != nil {
		return nil, err
	}
	cancels := make([]func(), len(sources))
	for i, s := range sources {
		cancels[i] = s.Subscribe(ListenerFunc(d.sourceUpdated))
	}
	t.onClose = func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
	return d, nil
}

// Get returns the value of id, recomputing it when a source changed.
// Concurrent reads of one id share a single recompute.
func (d *Derived[V]) Get(ctx context.Context, id ID) (V, bool, error) {
	var zero V
	if err := validate(d.name, id); err != nil {
		return zero, false, err
	}
	type result struct {
		v  V
		ok bool
	}
	// the shared recompute outlives any one caller's cancellation
	ch := d.sf.DoChan(string(id.Key()), func() (any, error) {
		v, ok, err := d.instance(id).Value(context.WithoutCancel(ctx))
		return result{v, ok}, err
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, false, r.Err
		}
		res := r.Val.(result)
		return res.v, res.ok, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Is stores v as the value of id without running the transform.
func (d *Derived[V]) Is(ctx context.Context, id ID, v V) (*store.Pending, error) {
	if err := validate(d.name, id); err != nil {
		return nil, err
	}
	inst := d.instance(id)
	inst.mu.Lock()
	version := d.m.ledger.Next()
	p, err := d.write(inst, v, true, version, nil)
	inst.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.publish(ctx, Event{Table: d.name, Type: Replaced, ID: id, Version: version})
	return p, nil
}

// recomputeLocked runs the transform and stores the result, conditional on
// the entry not having changed since it was read. Requires inst.mu.
func (d *Derived[V]) recomputeLocked(ctx context.Context, inst *Instance[V]) error {
	inputs := make([]Input, len(d.sources))
	var newest uint64
	for i, s := range d.sources {
		in, err := s.Input(ctx, inst.id)
		if err != nil {
			return d.failed(inst, err)
		}
		inputs[i] = in
		newest = max(newest, in.Version)
	}
	v, ok, err := d.transform(ctx, inst.id, inputs)
	if err != nil {
		return d.failed(inst, err)
	}
	version := max(inst.version, newest)
	if !ok && !inst.hasHeader {
		inst.dropPayload()
		inst.present = false
		inst.version = version
		inst.cachedVersion = version
		inst.state = StateUpToDate
		return nil
	}
	if version == 0 {
		version = d.m.ledger.Next()
	}
	ifHeader := store.Absent
	if inst.hasHeader {
		ifHeader = inst.header.Bytes()
	}
	_, err = d.write(inst, v, ok, version, ifHeader)
	return err
}

func (d *Derived[V]) failed(inst *Instance[V], err error) error {
	d.log.Warn("recompute failed", Fields{"id": inst.id.String(), "err": err})
	d.hooks.RecomputeFailed(d.name, inst.id.String(), err)
	var re *RecomputeError
	if errors.As(err, &re) {
		re.Table = d.name
		return re
	}
	return &RecomputeError{Table: d.name, ID: inst.id, Err: err}
}

// sourceUpdated invalidates the entry of a changed source id. The stored
// entry is invalidated by this process for local changes; for remote ones
// only when this process owns them.
func (d *Derived[V]) sourceUpdated(ctx context.Context, e Event) {
	if d.closed.Load() {
		return
	}
	d.m.ledger.Observe(e.Version)
	d.meta.note(e.Version)
	if inst := d.reg.load(string(e.ID.Key())); inst != nil {
		inst.mu.Lock()
		fresh := inst.invalidate(e.Version)
		inst.mu.Unlock()
		if !fresh {
			return
		}
	}
	owner := d.m.pid
	if !e.Local() {
		owner = d.remoteOwner(ctx, e.Source)
	}
	if owner == d.m.pid {
		d.bg.Add(1)
		go func() {
			defer d.bg.Done()
			if err := d.persistInvalidation(context.Background(), e.ID, e.Version, e.Type == Deleted); err != nil {
				d.log.Warn("failed to store invalidation", Fields{"id": e.ID.String(), "version": e.Version, "err": err})
			}
		}()
	} else {
		d.hooks.InvalidationDeferred(d.name, e.ID.String(), owner)
	}
	d.notify(ctx, Event{Table: d.name, Type: Invalidated, ID: e.ID, Version: e.Version, Source: e.Source})
}

// persistInvalidation writes the invalidated header of id at version, or
// removes the entry when its source was deleted. A stored version at or
// above version is left alone. Lost races are retried against the newly
// stored header.
func (d *Derived[V]) persistInvalidation(ctx context.Context, id ID, version uint64, remove bool) error {
	key := id.Key()
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		cur, found, err := d.st.Get(ctx, key)
		if err != nil {
			return err
		}
		ifHeader := store.Absent
		if found {
			if h, err := wire.HeaderOf(cur); err == nil && h.Version() >= version {
				return nil
			}
			ifHeader = append([]byte(nil), cur[:min(len(cur), wire.HeaderSize)]...)
		} else if remove {
			return nil
		}
		var p *store.Pending
		if remove {
			p = d.st.Remove(key, ifHeader)
		} else {
			p = d.st.Put(key, wire.EncodeInvalidated(version), ifHeader)
		}
		ok, err := p.Committed(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		d.hooks.CASRetry(d.name, id.String(), attempt)
	}
	return fmt.Errorf("cobase: %s %q: invalidation lost %d races", d.name, id.String(), maxCASAttempts)
}

func (d *Derived[V]) initData(ctx context.Context) error {
	st := d.meta.State()
	if st.DBVersion != d.version || st.StartVersion == 0 {
		if st.StartVersion != 0 {
			d.log.Info("transform version changed", Fields{"from": st.DBVersion, "to": d.version})
		}
		return d.ResetAll(ctx, st.StartVersion != 0)
	}
	return d.catchUp(ctx)
}

// ResetAll invalidates every entry at a new start version, optionally
// clearing the stored rows first. Entries are listed from the sources, plus
// the stored ones when not clearing.
func (d *Derived[V]) ResetAll(ctx context.Context, clear bool) error {
	ids, err := d.knownIDs(ctx, !clear)
	if err != nil {
		return err
	}
	if err := d.st.Flush(ctx); err != nil {
		return err
	}
	start := d.m.ledger.Next()
	inv := wire.EncodeInvalidated(start)
	_, err = d.st.Transaction(ctx, func(ctx context.Context) error {
		if clear {
			if err := d.st.Clear(ctx, []byte{util.RowStart}); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := d.st.PutSync(ctx, id.Key(), inv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.reg.each(func(_ string, inst *Instance[V]) bool {
		inst.mu.Lock()
		inst.dropPayload()
		inst.version = max(inst.version, start)
		inst.hasHeader, inst.present = false, false
		inst.pending = nil
		inst.state = StateInvalidated
		inst.mu.Unlock()
		return true
	})
	d.meta.note(start)
	if err := d.meta.setState(ctx, tableState{DBVersion: d.version, StartVersion: start}); err != nil {
		return err
	}
	d.log.Info("table reset", Fields{"ids": len(ids), "cleared": clear, "start": start})
	d.hooks.Rebuild(d.name, len(ids), clear)
	return nil
}

func (d *Derived[V]) knownIDs(ctx context.Context, own bool) ([]ID, error) {
	seen := make(map[string]struct{})
	var ids []ID
	add := func(list []ID) {
		for _, id := range list {
			k := string(id.Key())
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, s := range d.sources {
		list, err := s.IDs(ctx, ID{}, ID{})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.Name(), err)
		}
		add(list)
	}
	if own {
		list, err := d.IDs(ctx, ID{}, ID{})
		if err != nil {
			return nil, err
		}
		add(list)
	}
	return ids, nil
}

// catchUp invalidates entries whose sources changed after this table's
// high-water mark, which happens while no process had it open.
func (d *Derived[V]) catchUp(ctx context.Context) error {
	since := d.meta.lastVersion()
	var changed []IDVersion
	for _, s := range d.sources {
		list, full, err := s.IDsAndVersionsSince(ctx, since)
		if err != nil {
			return fmt.Errorf("catch up with %s: %w", s.Name(), err)
		}
		if full {
			d.log.Info("source was reset", Fields{"source": s.Name()})
			return d.ResetAll(ctx, false)
		}
		changed = append(changed, list...)
	}
	if len(changed) == 0 {
		return nil
	}
	if err := d.st.Flush(ctx); err != nil {
		return err
	}
	n := 0
	_, err := d.st.Transaction(ctx, func(ctx context.Context) error {
		n = 0
		for _, iv := range changed {
			key := iv.ID.Key()
			cur, ok, err := d.st.Get(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				if h, err := wire.HeaderOf(cur); err == nil && h.Version() >= iv.Version {
					continue
				}
			}
			if err := d.st.PutSync(ctx, key, wire.EncodeInvalidated(iv.Version)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}
	var newest uint64
	for _, iv := range changed {
		newest = max(newest, iv.Version)
		if inst := d.reg.load(string(iv.ID.Key())); inst != nil {
			inst.mu.Lock()
			inst.invalidate(iv.Version)
			inst.mu.Unlock()
		}
	}
	d.m.ledger.Observe(newest)
	d.meta.note(newest)
	d.log.Info("caught up", Fields{"since": since, "invalidated": n})
	d.hooks.CatchUp(d.name, since, n)
	return nil
}
