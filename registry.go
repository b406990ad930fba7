package cobase

import (
	"runtime"
	"weak"

	"github.com/puzpuzpuz/xsync/v3"
)

// registry maps row keys to the one live instance of each id. Weak
// registries let the garbage collector reclaim instances nobody holds; the
// entry is dropped by a cleanup once its instance is gone.
type registry[T any] struct {
	weak   *xsync.MapOf[string, weak.Pointer[T]]
	strong *xsync.MapOf[string, *T]
}

func newRegistry[T any](strong bool) *registry[T] {
	if strong {
		return &registry[T]{strong: xsync.NewMapOf[string, *T]()}
	}
	return &registry[T]{weak: xsync.NewMapOf[string, weak.Pointer[T]]()}
}

// load returns the live instance for key, or nil.
func (r *registry[T]) load(key string) *T {
	if r.strong != nil {
		p, _ := r.strong.Load(key)
		return p
	}
	wp, ok := r.weak.Load(key)
	if !ok {
		return nil
	}
	return wp.Value()
}

func (r *registry[T]) loadOrCreate(key string, create func() *T) *T {
	if r.strong != nil {
		p, _ := r.strong.LoadOrCompute(key, create)
		return p
	}
	var p *T
	r.weak.Compute(key, func(old weak.Pointer[T], loaded bool) (weak.Pointer[T], bool) {
		if loaded {
			if p = old.Value(); p != nil {
				return old, false
			}
		}
		p = create()
		runtime.AddCleanup(p, r.cleanup, key)
		return weak.Make(p), false
	})
	return p
}

// cleanup forgets key unless a new instance was registered under it since.
func (r *registry[T]) cleanup(key string) {
	r.weak.Compute(key, func(old weak.Pointer[T], loaded bool) (weak.Pointer[T], bool) {
		return old, !loaded || old.Value() == nil
	})
}

func (r *registry[T]) delete(key string) {
	if r.strong != nil {
		r.strong.Delete(key)
		return
	}
	r.weak.Delete(key)
}

// each calls fn for every live instance until fn returns false.
func (r *registry[T]) each(fn func(key string, p *T) bool) {
	if r.strong != nil {
		r.strong.Range(fn)
		return
	}
	r.weak.Range(func(key string, wp weak.Pointer[T]) bool {
		if p := wp.Value(); p != nil {
			return fn(key, p)
		}
		return true
	})
}

func (r *registry[T]) len() int {
	n := 0
	r.each(func(string, *T) bool { n++; return true })
	return n
}
