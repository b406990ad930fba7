package cobase

import (
	"context"
	"encoding/binary"

	"github.com/DoctorEvidence/cobase/internal/util"
	"github.com/DoctorEvidence/cobase/internal/wire"
	"github.com/DoctorEvidence/cobase/store"
)

// TableInfo summarizes the bookkeeping and rows of a table file.
type TableInfo struct {
	Store        store.Info
	DBVersion    uint64
	StartVersion uint64
	LastVersion  uint64
	// Processes lists the pids registered in the table, dead or alive.
	Processes []int
	// Initializer is the pid running data initialization, 0 when none.
	Initializer int

	Rows        int
	Invalidated int
	Compressed  int
	Corrupt     int
}

// Describe reads the bookkeeping and counts the rows of st. It does not
// register the caller as a user of the table.
func Describe(ctx context.Context, st *store.Store) (TableInfo, error) {
	var out TableInfo
	info, err := st.Info()
	if err != nil {
		return out, err
	}
	out.Store = info
	meta, err := loadMeta(ctx, st, NopLogger{})
	if err != nil {
		return out, err
	}
	s := meta.State()
	out.DBVersion, out.StartVersion, out.LastVersion = s.DBVersion, s.StartVersion, meta.lastVersion()

	start, end := util.ProcessRange()
	it := st.Iterate(ctx, store.Range{Start: start, End: end, KeysOnly: true})
	for it.Next() {
		if pid, ok := util.PIDFromKey(it.Key()); ok {
			out.Processes = append(out.Processes, pid)
		}
	}
	if err := it.Err(); err != nil {
		return out, err
	}
	if b, ok, err := st.Get(ctx, util.KeyInitializing); err != nil {
		return out, err
	} else if ok && len(b) == 4 {
		out.Initializer = int(binary.BigEndian.Uint32(b))
	}

	// only the headers are needed; a compressed row is never inflated here
	it = st.Iterate(ctx, store.Range{Start: []byte{util.RowStart}})
	for it.Next() {
		out.Rows++
		h, err := wire.HeaderOf(it.Value())
		switch {
		case err != nil:
			out.Corrupt++
		case h.Invalidated():
			out.Invalidated++
		case h.Status() == wire.StatusCompressed:
			out.Compressed++
		}
	}
	return out, it.Err()
}

// Describe summarizes the open table name.
func (m *Manager) Describe(ctx context.Context, name string) (TableInfo, error) {
	st, ok := m.Store(name)
	if !ok {
		return TableInfo{}, ErrNoTable
	}
	return Describe(ctx, st)
}
