package cobase

import (
	"errors"

	rc "github.com/dgraph-io/ristretto"
)

// retainer keeps recently used instances strongly reachable so a weak
// registry does not drop them the moment the caller lets go. Eviction is
// bounded by the total cost, which is the encoded size of each value.
type retainer struct {
	c *rc.Cache
}

type retainConfig struct {
	MaxCost     int64
	NumCounters int64
	BufferItems int64
}

func newRetainer(cfg retainConfig) (*retainer, error) {
	if cfg.MaxCost <= 0 {
		return nil, nil
	}
	cfg.NumCounters = coalesce(cfg.NumCounters, cfg.MaxCost/64+1000)
	cfg.BufferItems = coalesce[int64](cfg.BufferItems, 64)
	if cfg.NumCounters <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("cobase: invalid retention config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &retainer{c: c}, nil
}

// touch (re)admits inst under key. Admission is best-effort.
func (r *retainer) touch(key string, inst any, cost int64) {
	if r == nil {
		return
	}
	if cost < 1 {
		cost = 1
	}
	r.c.Set(key, inst, cost)
}

func (r *retainer) drop(key string) {
	if r == nil {
		return
	}
	r.c.Del(key)
}

func (r *retainer) close() {
	if r == nil {
		return
	}
	r.c.Wait()
	r.c.Close()
}
