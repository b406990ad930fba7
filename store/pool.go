package store

import (
	"path/filepath"
	"strings"
	"sync"
)

// Pool hands out one Store per file. LMDB must not open the same file twice
// in one process, so everything in a process that shares a table should
// open it through the same Pool.
type Pool struct {
	mu     sync.Mutex
	stores map[string]*Store
}

func NewPool() *Pool { return &Pool{stores: make(map[string]*Store)} }

// DefaultPool is used when no pool is configured.
var DefaultPool = NewPool()

// Open returns the store at path, opening it on first use. Options only
// apply to the first open. Every successful Open must be paired with Close.
func (p *Pool) Open(path string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[abs]; ok {
		s.refs++
		return s, nil
	}
	s, err := Open(abs, opts)
	if err != nil {
		return nil, err
	}
	s.pool = p
	s.refs = 1
	p.stores[abs] = s
	return s, nil
}

// release drops one reference and reports whether it was the last.
func (p *Pool) release(s *Store) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.refs > 1 {
		s.refs--
		return false
	}
	s.refs = 0
	if p.stores[s.path] == s {
		delete(p.stores, s.path)
	}
	return true
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
