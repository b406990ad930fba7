package cobase

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/DoctorEvidence/cobase/internal/util"
	"github.com/DoctorEvidence/cobase/internal/wire"
	"github.com/DoctorEvidence/cobase/store"
	"github.com/vmihailenco/msgpack/v5"
)

// lastVersionDelay debounces writes of a table's high-water mark.
const lastVersionDelay = 200 * time.Millisecond

// Ledger hands out versions for this process. A version is the current time
// in milliseconds, bumped past the last issued or observed version so it is
// never repeated and never goes backwards.
type Ledger struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

func (l *Ledger) Next() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := uint64(l.now().UnixMilli())
	if v <= l.last {
		v = l.last + 1
	}
	if v > wire.MaxVersion {
		panic(ErrVersionsExhausted)
	}
	l.last = v
	return v
}

// Observe records a version seen elsewhere so later versions sort after it.
func (l *Ledger) Observe(v uint64) {
	l.mu.Lock()
	if v > l.last {
		l.last = v
	}
	l.mu.Unlock()
}

func (l *Ledger) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// tableState is the durable part of a table's bookkeeping.
type tableState struct {
	// DBVersion is the schema or transform version the stored rows were
	// written with.
	DBVersion uint64 `msgpack:"db"`
	// StartVersion is the version of the last full reset. Asking for
	// changes since an older version means asking for everything.
	StartVersion uint64 `msgpack:"start"`
}

// tableMeta keeps a table's state record and its high-water mark: the
// highest version this table has written or been told about.
type tableMeta struct {
	st  *store.Store
	log Logger

	mu      sync.Mutex
	state   tableState
	last    uint64
	written uint64
	timer   *time.Timer
}

func loadMeta(ctx context.Context, st *store.Store, log Logger) (*tableMeta, error) {
	m := &tableMeta{st: st, log: log}
	b, ok, err := st.Get(ctx, util.KeyTableState)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := msgpack.Unmarshal(b, &m.state); err != nil {
			log.Warn("unreadable table state, treating table as new", Fields{"err": err})
			m.state = tableState{}
		}
	}
	b, ok, err = st.Get(ctx, util.KeyLastVersion)
	if err != nil {
		return nil, err
	}
	if ok && len(b) == 8 {
		m.last = binary.BigEndian.Uint64(b)
		m.written = m.last
	}
	return m, nil
}

func (m *tableMeta) State() tableState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *tableMeta) setState(ctx context.Context, s tableState) error {
	b, err := msgpack.Marshal(&s)
	if err != nil {
		return err
	}
	if err := m.st.PutSync(ctx, util.KeyTableState, b); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	return nil
}

func (m *tableMeta) lastVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// note raises the high-water mark to v and schedules it to be persisted.
func (m *tableMeta) note(v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v <= m.last {
		return
	}
	m.last = v
	if m.timer == nil {
		m.timer = time.AfterFunc(lastVersionDelay, m.persist)
	}
}

// persist writes the high-water mark, keeping a higher mark another process
// may have stored.
func (m *tableMeta) persist() {
	m.mu.Lock()
	m.timer = nil
	v := m.last
	if v == m.written {
		m.mu.Unlock()
		return
	}
	m.written = v
	m.mu.Unlock()

	ctx := context.Background()
	_, err := m.st.Transaction(ctx, func(ctx context.Context) error {
		cur, ok, err := m.st.Get(ctx, util.KeyLastVersion)
		if err != nil {
			return err
		}
		if ok && len(cur) == 8 && binary.BigEndian.Uint64(cur) >= v {
			return nil
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		return m.st.PutSync(ctx, util.KeyLastVersion, b[:])
	})
	if err != nil {
		m.log.Warn("failed to persist last version", Fields{"version": v, "err": err})
	}
}

// close stops the debounce timer and persists any unwritten mark.
func (m *tableMeta) close() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.persist()
}
