package cobase

import (
	"context"
	"fmt"
	"time"

	"github.com/DoctorEvidence/cobase/codec"
	"github.com/DoctorEvidence/cobase/internal/util"
	"github.com/DoctorEvidence/cobase/internal/wire"
	"github.com/DoctorEvidence/cobase/store"
)

// a view detached before it could be attached is read again this often
const maxViewAttempts = 3

// cache is the engine shared by entity and derived tables: the identity map,
// the per-id state machine and the encoding of values into entries.
type cache[V any] struct {
	*table
	codec       codec.Codec[V]
	reg         *registry[Instance[V]]
	hotWindow   time.Duration
	compressMin int
	readOnly    bool
	derived     bool

	// recompute brings a derived instance up to date. Requires inst.mu.
	recompute func(ctx context.Context, inst *Instance[V]) error
}

func newCache[V any](t *table, c codec.Codec[V], strong bool) *cache[V] {
	if c == nil {
		c = codec.Msgpack[V]{}
	}
	return &cache[V]{
		table:       t,
		codec:       c,
		reg:         newRegistry[Instance[V]](strong || t.m.cfg.StrongRegistry),
		hotWindow:   coalesce(t.m.cfg.HotWindow, defaultHotWindow),
		compressMin: coalesce(t.m.cfg.CompressMin, defaultCompressMin),
	}
}

// For returns the instance of id, creating it on first use.
func (c *cache[V]) For(id ID) (*Instance[V], error) {
	if err := validate(c.name, id); err != nil {
		return nil, err
	}
	return c.instance(id), nil
}

func (c *cache[V]) instance(id ID) *Instance[V] {
	key := id.Key()
	return c.reg.loadOrCreate(string(key), func() *Instance[V] {
		return &Instance[V]{c: c, id: id, key: key}
	})
}

func (c *cache[V]) retainKey(key []byte) string { return c.name + "\x00" + string(key) }

func (c *cache[V]) retain(inst *Instance[V]) {
	c.m.retain.touch(c.retainKey(inst.key), inst, int64(inst.size))
}

// Get returns the value of id.
func (c *cache[V]) Get(ctx context.Context, id ID) (V, bool, error) {
	var zero V
	if err := validate(c.name, id); err != nil {
		return zero, false, err
	}
	return c.instance(id).Value(ctx)
}

// Version returns the latest version known for id, reading the stored
// entry when the instance has not seen one yet.
func (c *cache[V]) Version(ctx context.Context, id ID) (uint64, error) {
	if err := validate(c.name, id); err != nil {
		return 0, err
	}
	inst := c.instance(id)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := c.sync(ctx, inst); err != nil {
		return 0, err
	}
	return inst.version, nil
}

// value loads the instance and decodes its value. Requires inst.mu.
func (c *cache[V]) value(ctx context.Context, inst *Instance[V]) (V, bool, error) {
	var zero V
	if err := c.sync(ctx, inst); err != nil {
		return zero, false, err
	}
	if c.recompute != nil && inst.state != StateUpToDate {
		if err := c.recompute(ctx, inst); err != nil {
			return zero, false, err
		}
	}
	if !inst.present {
		return zero, false, nil
	}
	if !inst.decoded {
		if inst.payload == nil {
			return zero, false, fmt.Errorf("cobase: %s %q: no payload", c.name, inst.id.String())
		}
		v, err := decodePayload(inst.payload, c.codec)
		inst.payload = nil
		if err != nil {
			c.dropCorrupt(inst, inst.header.Bytes(), err)
			if c.recompute != nil {
				if err := c.recompute(ctx, inst); err != nil {
					return zero, false, err
				}
				return inst.value, inst.present, nil
			}
			return zero, false, nil
		}
		inst.value, inst.decoded = v, true
	}
	c.retain(inst)
	return inst.value, true, nil
}

// sync brings inst in line with its stored entry. While a write of the
// instance is still queued the in-memory state is ahead of the store and is
// kept, unless a newer version was announced meanwhile. Requires inst.mu.
func (c *cache[V]) sync(ctx context.Context, inst *Instance[V]) error {
	if inst.pending != nil {
		select {
		case <-inst.pending.Done():
			if ok, _ := inst.pending.Committed(ctx); !ok {
				// the write did not land; what it left in memory is not stored
				inst.hasHeader = false
			}
			inst.pending = nil
		default:
			if inst.cachedVersion >= inst.version {
				return nil
			}
		}
	}
	if inst.state == StateNoLocalData {
		inst.state = StateLoading
	}
	for attempt := 0; attempt < maxViewAttempts; attempt++ {
		p := &payload{}
		view, found, err := c.st.GetView(ctx, inst.key, p.onInvalidate)
		if err != nil {
			if inst.state == StateLoading {
				inst.state = StateNoLocalData
			}
			return err
		}
		if !found {
			c.missing(inst)
			return nil
		}
		var sv *store.View
		if view.Shared() {
			sv = view
		}
		var r loaded
		if !p.read(view, func(b []byte) { r = c.parse(inst, b, p, sv) }) {
			// invalidated before it could be read
			view.Release()
			continue
		}
		if r.payload != p || sv == nil {
			view.Release()
		}
		if r.err != nil {
			// confirm on a private copy before treating the row as corrupt
			break
		}
		c.apply(inst, r)
		return nil
	}

	raw, found, err := c.st.Get(ctx, inst.key)
	if err != nil {
		if inst.state == StateLoading {
			inst.state = StateNoLocalData
		}
		return err
	}
	if !found {
		c.missing(inst)
		return nil
	}
	r := c.parse(inst, raw, &payload{}, nil)
	if r.err != nil {
		c.dropCorrupt(inst, raw, r.err)
		return nil
	}
	c.apply(inst, r)
	return nil
}

// loaded is a stored entry as parsed against an instance.
type loaded struct {
	header wire.Header
	entry  wire.Entry
	size   int
	// nil when the entry carries no value the instance should take:
	// unchanged, invalidated or older than an announced version
	payload *payload
	err     error
}

// parse reads the stored entry b for inst. When the value is taken
// uncompressed it is bound to p, through v when v is a shared view. parse
// runs while the view cannot be invalidated and must not call the store.
func (c *cache[V]) parse(inst *Instance[V], b []byte, p *payload, v *store.View) (r loaded) {
	r.size = len(b)
	if r.header, r.err = wire.HeaderOf(b); r.err != nil {
		return r
	}
	h := r.header
	if inst.hasHeader && h == inst.header && inst.state == StateUpToDate {
		return r
	}
	if h.Invalidated() || (c.derived && h.Version() < inst.version) {
		return r
	}
	if r.entry, r.err = wire.DecodeEntry(b); r.err != nil {
		return r
	}
	if r.entry.Status == wire.StatusCompressed {
		// decompressed data is already a private copy
		r.payload = ownedPayload(r.entry.Data)
		return r
	}
	p.bindLocked(r.entry.Data, v)
	r.payload = p
	return r
}

// apply makes r the state of inst. Requires inst.mu.
func (c *cache[V]) apply(inst *Instance[V], r loaded) {
	h := r.header
	if inst.hasHeader && h == inst.header && inst.state == StateUpToDate {
		return
	}
	c.m.ledger.Observe(h.Version())
	if h.Version() > inst.version {
		inst.version = h.Version()
	}
	inst.header, inst.hasHeader = h, true
	inst.dropPayload()
	if r.payload == nil {
		inst.present = false
		inst.state = StateInvalidated
		return
	}
	inst.payload = r.payload
	inst.present = true
	inst.size = r.size
	inst.cachedVersion = r.entry.Version
	inst.state = StateUpToDate
	if inst.cachedVersion < inst.version {
		// a newer version was announced but has not landed yet
		inst.state = StateInvalidated
	}
}

// missing records that nothing is stored for inst. Requires inst.mu.
func (c *cache[V]) missing(inst *Instance[V]) {
	if inst.state == StateUpToDate && !inst.present && !inst.hasHeader {
		return
	}
	inst.dropPayload()
	inst.present, inst.hasHeader = false, false
	inst.cachedVersion = inst.version
	inst.state = StateNoLocalData
	if !c.derived {
		// nothing stored is an up to date answer for an entity
		inst.state = StateUpToDate
	}
}

// dropCorrupt forgets an unreadable entry and removes it unless it changed
// meanwhile. raw is the stored entry. Requires inst.mu.
func (c *cache[V]) dropCorrupt(inst *Instance[V], raw []byte, cause error) {
	c.log.Warn("dropping unreadable entry", Fields{"table": c.name, "id": inst.id.String(), "err": cause})
	var ifHeader []byte
	if len(raw) >= wire.HeaderSize {
		ifHeader = append([]byte(nil), raw[:wire.HeaderSize]...)
	}
	inst.pending = c.st.Remove(inst.key, ifHeader)
	inst.dropPayload()
	inst.present, inst.hasHeader = false, false
	inst.state = StateNoLocalData
	if !c.derived {
		inst.state = StateUpToDate
		inst.cachedVersion = inst.version
	}
}

// encode builds the entry for v at version. Hot instances are stored
// uncompressed.
func (c *cache[V]) encode(version uint64, v V, hot bool) ([]byte, error) {
	var p wire.Payload
	if r, ok := c.codec.(codec.Reserver[V]); ok {
		b, err := r.EncodeReserved(v, wire.HeaderSize)
		if err != nil {
			return nil, err
		}
		p = wire.Payload{Buf: b, Start: wire.HeaderSize}
	} else {
		b, err := c.codec.Encode(v)
		if err != nil {
			return nil, err
		}
		p = wire.Bytes(b)
	}
	entry := wire.EncodeEntry(version, p)
	if !hot && len(entry) >= c.compressMin {
		entry, _ = wire.Compress(entry)
	}
	return entry, nil
}

// write queues v (or a removal when present is false) as the entry of inst
// at version and makes it the instance's current state. Requires inst.mu.
func (c *cache[V]) write(inst *Instance[V], v V, present bool, version uint64, ifHeader []byte) (*store.Pending, error) {
	now := time.Now()
	hot := !inst.lastPut.IsZero() && now.Sub(inst.lastPut) < c.hotWindow
	var (
		p *store.Pending
		h wire.Header
	)
	if present {
		entry, err := c.encode(version, v, hot)
		if err != nil {
			return nil, err
		}
		h, _ = wire.HeaderOf(entry)
		p = c.st.Put(inst.key, entry, ifHeader)
		inst.size = len(entry)
	} else {
		p = c.st.Remove(inst.key, ifHeader)
		inst.size = 0
	}
	inst.lastPut = now
	inst.dropPayload()
	inst.value, inst.decoded, inst.present = v, present, present
	inst.header, inst.hasHeader = h, present
	if version > inst.version {
		inst.version = version
	}
	inst.cachedVersion = inst.version
	inst.state = StateUpToDate
	inst.pending = p
	c.meta.note(version)
	if present {
		c.retain(inst)
	}
	return p, nil
}

// set stores v as a new version of inst and publishes the change.
func (c *cache[V]) set(ctx context.Context, inst *Instance[V], v V) (*store.Pending, error) {
	inst.mu.Lock()
	if err := c.sync(ctx, inst); err != nil {
		inst.mu.Unlock()
		return nil, err
	}
	typ := Replaced
	if !inst.present {
		typ = Added
	}
	version := c.m.ledger.Next()
	p, err := c.write(inst, v, true, version, nil)
	inst.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.publish(ctx, Event{Table: c.name, Type: typ, ID: inst.id, Version: version})
	return p, nil
}

// remoteUpdate applies a change another process made to this table.
func (c *cache[V]) remoteUpdate(ctx context.Context, e Event) {
	key := string(e.ID.Key())
	if inst := c.reg.load(key); inst != nil {
		inst.mu.Lock()
		fresh := inst.invalidate(e.Version)
		if fresh && e.Type == Deleted {
			inst.dropPayload()
			inst.present, inst.hasHeader = false, false
			inst.state = StateNoLocalData
		}
		inst.mu.Unlock()
		if !fresh {
			return
		}
		if e.Type == Deleted {
			c.reg.delete(key)
			c.m.retain.drop(c.retainKey(inst.key))
		}
	}
	c.notify(ctx, e)
}

// Input reads id for a derived table.
func (c *cache[V]) Input(ctx context.Context, id ID) (Input, error) {
	inst := c.instance(id)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	v, ok, err := c.value(ctx, inst)
	if err != nil {
		return Input{}, err
	}
	in := Input{Present: ok, Version: inst.cachedVersion}
	if ok {
		in.Value = v
	}
	return in, nil
}

// Entry is one decoded row.
type Entry[V any] struct {
	ID      ID
	Value   V
	Version uint64
	Found   bool
}

// GetByIDs reads ids in order.
func (c *cache[V]) GetByIDs(ctx context.Context, ids []ID) ([]Entry[V], error) {
	out := make([]Entry[V], len(ids))
	for i, id := range ids {
		if err := validate(c.name, id); err != nil {
			return nil, err
		}
		inst := c.instance(id)
		inst.mu.Lock()
		v, ok, err := c.value(ctx, inst)
		version := inst.cachedVersion
		inst.mu.Unlock()
		if err != nil {
			return nil, err
		}
		out[i] = Entry[V]{ID: id, Value: v, Version: version, Found: ok}
	}
	return out, nil
}

// Entries decodes every stored row. Invalidated rows are skipped.
func (c *cache[V]) Entries(ctx context.Context) ([]Entry[V], error) {
	var out []Entry[V]
	it := c.st.Iterate(ctx, store.Range{Start: []byte{util.RowStart}})
	for it.Next() {
		id, err := util.ParseKey(it.Key())
		if err != nil {
			continue
		}
		entry, err := wire.DecodeEntry(it.Value())
		if err != nil {
			c.log.Warn("skipping unreadable entry", Fields{"table": c.name, "id": id.String(), "err": err})
			continue
		}
		if entry.Invalidated() {
			continue
		}
		v, err := c.codec.Decode(entry.Data)
		if err != nil {
			c.log.Warn("skipping undecodable entry", Fields{"table": c.name, "id": id.String(), "err": err})
			continue
		}
		out = append(out, Entry[V]{ID: id, Value: v, Version: entry.Version, Found: true})
	}
	return out, it.Err()
}
