package cobase

import (
	"context"
	"sync"
	"time"

	"github.com/DoctorEvidence/cobase/codec"
	"github.com/DoctorEvidence/cobase/internal/wire"
	"github.com/DoctorEvidence/cobase/store"
)

// ReadyState is where an instance stands relative to its stored entry.
type ReadyState uint8

const (
	StateNoLocalData ReadyState = iota
	StateLoading
	StateInvalidated
	StateUpToDate
)

func (s ReadyState) String() string {
	switch s {
	case StateNoLocalData:
		return "no-local-data"
	case StateLoading:
		return "loading"
	case StateInvalidated:
		return "invalidated"
	case StateUpToDate:
		return "up-to-date"
	default:
		return "unknown"
	}
}

// Instance is the in-memory side of one id. There is at most one live
// Instance per id and table; every read and write of the id goes through its
// lock.
type Instance[V any] struct {
	c   *cache[V]
	id  ID
	key []byte

	mu sync.Mutex
	// latest version known for the id, from any source
	version uint64
	// version of the loaded value
	cachedVersion uint64
	state         ReadyState
	header        wire.Header
	hasHeader     bool
	present       bool
	value         V
	decoded       bool
	payload       *payload
	pending       *store.Pending
	lastPut       time.Time
	size          int
}

func (i *Instance[V]) ID() ID { return i.id }

// Value returns the current value, loading or recomputing it as needed.
func (i *Instance[V]) Value(ctx context.Context) (V, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.c.value(ctx, i)
}

// Put stores v as a new version of the id.
func (i *Instance[V]) Put(ctx context.Context, v V) (*store.Pending, error) {
	if i.c.readOnly {
		return nil, ErrReadOnly
	}
	return i.c.set(ctx, i, v)
}

// Version is the latest version known for the id.
func (i *Instance[V]) Version() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.version
}

func (i *Instance[V]) State() ReadyState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// invalidate records version v and marks the loaded value stale when it is
// older. Requires i.mu. Reports false when v is older than what is known.
func (i *Instance[V]) invalidate(v uint64) bool {
	if v < i.version {
		return false
	}
	i.version = v
	if i.cachedVersion < i.version && i.state == StateUpToDate {
		i.state = StateInvalidated
		i.dropPayload()
	}
	return true
}

func (i *Instance[V]) dropPayload() {
	if i.payload != nil {
		i.payload.release()
		i.payload = nil
	}
	var zero V
	i.value, i.decoded = zero, false
}

// payload holds an entry's encoded value until it is decoded. When it
// points into a shared view the bytes are copied out as soon as the store
// invalidates the view.
type payload struct {
	mu       sync.Mutex
	b        []byte
	view     *store.View
	attached bool
	stale    bool
}

func ownedPayload(b []byte) *payload { return &payload{b: b, attached: true} }

// onInvalidate is the store.View callback. A view that is still being read
// is kept for one more generation; a forced invalidation marks it stale.
func (p *payload) onInvalidate(force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		if !force {
			return false
		}
		p.stale = true
		return true
	}
	if p.view != nil {
		p.b = append([]byte(nil), p.b...)
		p.view = nil
	}
	return true
}

// read runs fn on the bytes of v while invalidation of v is held off. It
// reports false when v was invalidated before fn could run.
func (p *payload) read(v *store.View, fn func(b []byte)) bool {
	b := v.Bytes()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale || b == nil {
		return false
	}
	fn(b)
	return true
}

// bindLocked takes data as the payload, held through v when v is a shared
// view. Requires p.mu unless p is not yet visible to a view.
func (p *payload) bindLocked(data []byte, v *store.View) {
	p.b, p.attached, p.view = data, true, v
}

func (p *payload) release() {
	p.mu.Lock()
	v := p.view
	p.view, p.b = nil, nil
	p.mu.Unlock()
	if v != nil {
		v.Release()
	}
}

// decodePayload decodes p and releases it.
func decodePayload[V any](p *payload, c codec.Codec[V]) (V, error) {
	p.mu.Lock()
	b := p.b
	if a, ok := c.(codec.Aliasing); ok && a.Aliases() {
		b = append([]byte(nil), b...)
	}
	v, err := c.Decode(b)
	p.mu.Unlock()
	p.release()
	return v, err
}
