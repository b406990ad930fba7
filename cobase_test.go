package cobase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DoctorEvidence/cobase/store"
)

type user struct {
	Name string `msgpack:"name"`
	Age  int    `msgpack:"age"`
}

// epoch makes the ledger count 1, 2, 3... so tests can name versions.
func epoch() time.Time { return time.UnixMilli(0) }

type testEnv struct {
	dir  string
	pool *store.Pool
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{dir: t.TempDir(), pool: store.NewPool()}
}

func (e *testEnv) manager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Dir = e.dir
	cfg.Pool = e.pool
	if cfg.CommitDelay == 0 {
		cfg.CommitDelay = 2 * time.Millisecond
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func settle(t *testing.T, ms ...*Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, m := range ms {
		if err := m.Settle(ctx); err != nil {
			t.Fatalf("Settle: %v", err)
		}
	}
}

func rawEntry(t *testing.T, m *Manager, table string, id ID) ([]byte, bool) {
	t.Helper()
	st, ok := m.Store(table)
	if !ok {
		t.Fatalf("no table %q", table)
	}
	b, found, err := st.Get(context.Background(), id.Key())
	if err != nil {
		t.Fatalf("store Get: %v", err)
	}
	return b, found
}

type rebuild struct {
	ids     int
	cleared bool
}

type hookRec struct {
	NopHooks
	mu       sync.Mutex
	deferred map[string]int
	rebuilds []rebuild
	catchUps []int
	lost     []int
	retries  int
}

func newHookRec() *hookRec { return &hookRec{deferred: make(map[string]int)} }

func (h *hookRec) InvalidationDeferred(_, id string, owner int) {
	h.mu.Lock()
	h.deferred[id] = owner
	h.mu.Unlock()
}

func (h *hookRec) Rebuild(_ string, ids int, cleared bool) {
	h.mu.Lock()
	h.rebuilds = append(h.rebuilds, rebuild{ids, cleared})
	h.mu.Unlock()
}

func (h *hookRec) CatchUp(_ string, _ uint64, ids int) {
	h.mu.Lock()
	h.catchUps = append(h.catchUps, ids)
	h.mu.Unlock()
}

func (h *hookRec) PeerLost(_ string, pid int) {
	h.mu.Lock()
	h.lost = append(h.lost, pid)
	h.mu.Unlock()
}

func (h *hookRec) CASRetry(string, string, int) {
	h.mu.Lock()
	h.retries++
	h.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Updated(_ context.Context, e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// ==============================
// Manager
// ==============================

func TestManager_RequiresDir(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatalf("expected error without Dir")
	}
}

func TestManager_RejectsDuplicateTable(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t, Config{})
	if _, err := NewEntity[int](ctx, m, "t", EntityOptions[int]{}); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := NewEntity[int](ctx, m, "t", EntityOptions[int]{})
	if err == nil {
		t.Fatalf("expected duplicate error")
	}
	if got := m.Tables(); len(got) != 1 || got[0] != "t" {
		t.Fatalf("tables=%v", got)
	}
}

func TestManager_ClosedRejectsTables(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t, Config{})
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := NewEntity[int](ctx, m, "t", EntityOptions[int]{}); err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestManager_Describe(t *testing.T) {
	ctx := context.Background()
	m := newEnv(t).manager(t, Config{Clock: epoch, PID: 4242})
	src, d := openPair(t, m, 3, double)
	for id := uint64(1); id <= 3; id++ {
		if _, err := src.Set(ctx, NumID(id), int(id)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	settle(t, m)
	if _, _, err := d.Get(ctx, NumID(1)); err != nil {
		t.Fatalf("Get: %v", err)
	}
	settle(t, m)

	info, err := m.Describe(ctx, "doubled")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if info.DBVersion != 3 || info.StartVersion != 2 || info.Initializer != 0 {
		t.Fatalf("bookkeeping: %+v", info)
	}
	if len(info.Processes) != 1 || info.Processes[0] != 4242 {
		t.Fatalf("processes=%v", info.Processes)
	}
	if info.Rows != 3 || info.Invalidated != 2 || info.Corrupt != 0 {
		t.Fatalf("rows=%d invalidated=%d corrupt=%d", info.Rows, info.Invalidated, info.Corrupt)
	}
	if _, err := m.Describe(ctx, "missing"); err != ErrNoTable {
		t.Fatalf("want ErrNoTable, got %v", err)
	}
}
