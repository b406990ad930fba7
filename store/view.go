package store

import (
	"context"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// View is a read of one value. Shared views point into the memory map and
// are registered with the read transaction they came from; owned views hold
// a private copy.
//
// A shared view stays valid until the store invalidates it. On a regular
// rotation the holder's callback receives force=false and may return false
// to keep the view for one more generation; on the following rotation, or
// on a forced one (resize, recovery, close), the callback receives
// force=true and the view is detached: Bytes returns nil from then on.
// Callbacks run with store locks held and must not call back into the store.
type View struct {
	s            *Store
	b            []byte
	gen          *generation
	onInvalidate func(force bool) bool
}

// Bytes returns the viewed value, or nil once the view was detached.
func (v *View) Bytes() []byte {
	if v.s == nil {
		return v.b
	}
	v.s.sharedMu.Lock()
	defer v.s.sharedMu.Unlock()
	return v.b
}

// Shared reports whether the view points into the memory map.
func (v *View) Shared() bool {
	if v.s == nil {
		return false
	}
	v.s.sharedMu.Lock()
	defer v.s.sharedMu.Unlock()
	return v.gen != nil
}

// Release gives the view back; the bytes must not be used afterwards.
func (v *View) Release() {
	if v.s == nil {
		return
	}
	v.s.sharedMu.Lock()
	defer v.s.sharedMu.Unlock()
	g := v.gen
	v.detach()
	if g != nil && g != v.s.shared[1] && len(g.views) == 0 {
		g.txn.Abort()
		if v.s.shared[0] == g {
			v.s.shared[0] = nil
		}
	}
}

func (v *View) detach() {
	if v.gen != nil {
		delete(v.gen.views, v)
	}
	v.gen = nil
	v.b = nil
}

// invalidate reports whether the view was detached.
func (v *View) invalidate(force bool) bool {
	if force {
		if v.onInvalidate != nil {
			v.onInvalidate(true)
		}
		v.detach()
		return true
	}
	if v.onInvalidate == nil || !v.onInvalidate(false) {
		return false
	}
	v.detach()
	return true
}

type generation struct {
	seq   uint64
	txn   *lmdb.Txn
	views map[*View]struct{}
}

// GetView reads key without copying when the value is at least
// SharedBufferThreshold bytes. onInvalidate may be nil, in which case the
// view is kept until forced out.
func (s *Store) GetView(ctx context.Context, key []byte, onInvalidate func(force bool) bool) (*View, bool, error) {
	if q, ok := s.queuedValue(key); ok {
		if q.deleted {
			return nil, false, nil
		}
		return &View{b: q.value}, true, nil
	}
	if txn := s.txnFrom(ctx); txn != nil {
		b, found, err := getIn(txn, s.dbi, key)
		if !found || err != nil {
			return nil, false, err
		}
		return &View{b: b}, true, nil
	}

	var (
		view  *View
		found bool
	)
	err := s.withRecovery("get", func() error {
		s.sharedMu.Lock()
		defer s.sharedMu.Unlock()
		g, err := s.activeGeneration()
		if err != nil {
			return err
		}
		b, err := g.txn.Get(s.dbi, key)
		if lmdb.IsNotFound(err) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if len(b) < s.opts.SharedBufferThreshold {
			view = &View{b: append([]byte(nil), b...)}
			return nil
		}
		view = &View{s: s, b: b, gen: g, onInvalidate: onInvalidate}
		g.views[view] = struct{}{}
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	s.m.reads.Inc()
	s.m.bytesRead.Add(len(view.b))
	return view, true, nil
}

// activeGeneration returns the current shared read transaction, rotating
// first when another commit made its snapshot stale. Requires sharedMu.
func (s *Store) activeGeneration() (*generation, error) {
	if s.env == nil {
		return nil, ErrClosed
	}
	if g := s.shared[1]; g != nil {
		info, err := s.env.Info()
		if err != nil {
			return nil, err
		}
		if int64(g.txn.ID()) >= info.LastTxnID {
			return g, nil
		}
		s.rotateLocked(false)
	}
	txn, err := s.env.BeginTxn(nil, lmdb.Readonly)
	if err != nil {
		return nil, err
	}
	txn.RawRead = true
	s.genSeq++
	g := &generation{seq: s.genSeq, txn: txn, views: make(map[*View]struct{})}
	s.shared[1] = g
	return g, nil
}

func (s *Store) rotateShared(force bool) {
	s.sharedMu.Lock()
	s.rotateLocked(force)
	s.sharedMu.Unlock()
}

// rotateLocked retires the oldest shared transaction and demotes the active
// one. Requires sharedMu.
func (s *Store) rotateLocked(force bool) {
	if old := s.shared[0]; old != nil {
		for v := range old.views {
			v.invalidate(true)
		}
		old.txn.Abort()
		s.shared[0] = nil
	}
	prev := s.shared[1]
	s.shared[1] = nil
	if prev == nil {
		return
	}
	for v := range prev.views {
		v.invalidate(force)
	}
	if force || len(prev.views) == 0 {
		prev.txn.Abort()
		return
	}
	s.shared[0] = prev
}
