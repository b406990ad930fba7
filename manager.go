package cobase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/DoctorEvidence/cobase/peer"
	"github.com/DoctorEvidence/cobase/store"
)

// Config tunes a Manager. Only Dir is required.
type Config struct {
	Dir          string // directory holding one <table>.mdb file per table
	MapSize      int64  // initial map size per table; 0 => store default
	WriteMap     bool
	ClearOnStart bool // drop stored data when a table file is first opened
	// SkipInitialization keeps this process from running first-time data
	// initialization (reset and catch-up); another process must do it.
	SkipInitialization bool

	CommitDelay time.Duration // write batching window; 0 => 20ms
	HotWindow   time.Duration // rewritten within this => stored uncompressed; 0 => 1s
	CompressMin int           // smallest entry worth compressing; 0 => 256
	InitWait    time.Duration // how long to wait for another initializer; 0 => 10s

	// RetainCost bounds the bytes of values kept strongly reachable by the
	// retention cache. 0 disables retention.
	RetainCost     int64
	StrongRegistry bool // never let the GC reclaim instances

	PID       int            // 0 => Messenger.PID() or os.Getpid()
	Messenger peer.Messenger // nil => no cross-process notifications
	Pool      *store.Pool    // nil => store.DefaultPool

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
	Clock  func() time.Time
}

// Manager owns the tables of one process: their configuration, the version
// ledger and the messenger connecting them to other processes.
type Manager struct {
	cfg    Config
	pid    int
	log    Logger
	hooks  Hooks
	ledger *Ledger
	msgr   peer.Messenger
	pool   *store.Pool
	retain *retainer

	mu     sync.Mutex
	tables []*table
	closed bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cobase: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	pid := cfg.PID
	if cfg.Messenger != nil {
		if pid != 0 && pid != cfg.Messenger.PID() {
			return nil, fmt.Errorf("cobase: pid %d does not match messenger pid %d", pid, cfg.Messenger.PID())
		}
		pid = cfg.Messenger.PID()
	}
	if pid == 0 {
		pid = os.Getpid()
	}
	ret, err := newRetainer(retainConfig{MaxCost: cfg.RetainCost})
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		pid:    pid,
		log:    coalesce[Logger](cfg.Logger, NopLogger{}),
		hooks:  coalesce[Hooks](cfg.Hooks, NopHooks{}),
		ledger: NewLedger(cfg.Clock),
		msgr:   cfg.Messenger,
		pool:   cfg.Pool,
		retain: ret,
	}
	if m.pool == nil {
		m.pool = store.DefaultPool
	}
	return m, nil
}

func (m *Manager) PID() int        { return m.pid }
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Tables lists the open tables in the order they were opened.
func (m *Manager) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.tables))
	for i, t := range m.tables {
		names[i] = t.name
	}
	return names
}

// Store returns the store of the open table name.
func (m *Manager) Store(name string) (*store.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tables {
		if t.name == name {
			return t.st, true
		}
	}
	return nil, false
}

// attach opens t and adds it to the manager.
func (m *Manager) attach(ctx context.Context, t *table) error {
	if t.name == "" {
		return errors.New("cobase: table name is required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	for _, o := range m.tables {
		if o.name == t.name {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicate, t.name)
		}
	}
	m.tables = append(m.tables, t)
	m.mu.Unlock()

	if err := t.open(ctx); err != nil {
		m.mu.Lock()
		for i, o := range m.tables {
			if o == t {
				m.tables = append(m.tables[:i], m.tables[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		if cerr := t.close(ctx); cerr != nil {
			m.log.Warn("close after failed open", Fields{"table": t.name, "err": cerr})
		}
		return err
	}
	m.log.Debug("table opened", Fields{"table": t.name, "pid": m.pid})
	return nil
}

// Settle waits for background invalidation writes and commits every queued
// write.
func (m *Manager) Settle(ctx context.Context) error {
	m.mu.Lock()
	tables := append([]*table(nil), m.tables...)
	m.mu.Unlock()
	for _, t := range tables {
		done := make(chan struct{})
		go func() {
			t.bg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := t.st.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every table, newest first, so derived tables go before
// their sources. The messenger is left open.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tables := m.tables
	m.tables = nil
	m.mu.Unlock()

	var errs []error
	for i := len(tables) - 1; i >= 0; i-- {
		if err := tables[i].close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", tables[i].name, err))
		}
	}
	m.retain.close()
	return errors.Join(errs...)
}
