package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/DoctorEvidence/cobase/log"
	"github.com/PowerDNS/lmdb-go/lmdb"
)

// Absent as ifHeader makes a conditional write require that no row exists.
var Absent = []byte{}

// Store is one LMDB environment holding one table. It is safe for
// concurrent use.
type Store struct {
	path  string
	name  string
	opts  Options
	log   log.Logger
	hooks Hooks
	m     *storeMetrics

	// txMu is held shared by every transaction and exclusively while the
	// environment is remapped or rebuilt.
	txMu sync.RWMutex
	env  *lmdb.Env
	dbi  lmdb.DBI

	readMu  sync.Mutex
	readTxn *lmdb.Txn

	sharedMu sync.Mutex
	shared   [2]*generation // [0] to-invalidate, [1] active
	genSeq   uint64

	mu         sync.Mutex
	pending    *batch
	scheduled  map[string]queued
	committing map[string]queued

	commitMu sync.Mutex
	closed   atomic.Bool

	pool *Pool
	refs int
}

// Open opens (creating if needed) the store file at path.
func Open(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults(path)
	s := &Store{
		path:  path,
		name:  opts.Name,
		opts:  opts,
		log:   log.With(opts.Logger, log.Fields{"table": opts.Name}),
		hooks: opts.Hooks,
		m:     newStoreMetrics(opts.Name),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := s.openEnv(); err != nil {
		if classify(err) != actRebuild {
			return nil, s.wrap("open", err)
		}
		// unreadable file: start over
		if err := s.rebuild(err); err != nil {
			return nil, s.wrap("open", err)
		}
	}
	if opts.ClearOnStart {
		if err := s.Clear(context.Background(), nil); err != nil {
			_ = s.closeEnv()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) openEnv() error {
	env, err := lmdb.NewEnv()
	if err != nil {
		return err
	}
	if err := env.SetMapSize(s.opts.MapSize); err != nil {
		env.Close()
		return err
	}
	flags := uint(lmdb.NoSubdir | lmdb.NoMetaSync | lmdb.NoTLS | lmdb.NoReadahead)
	if s.opts.WriteMap {
		flags |= lmdb.WriteMap
	}
	if err := env.Open(s.path, flags, 0o644); err != nil {
		env.Close()
		return err
	}
	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) (err error) {
		dbi, err = txn.OpenRoot(0)
		return err
	})
	if err != nil {
		env.Close()
		return err
	}
	s.env, s.dbi = env, dbi
	if info, err := env.Info(); err == nil {
		s.m.mapSize.Store(info.MapSize)
	}
	return nil
}

func (s *Store) closeEnv() error {
	s.rotateShared(true)
	s.dropReadTxn()
	if s.env == nil {
		return nil
	}
	err := s.env.Close()
	s.env = nil
	return err
}

func (s *Store) Name() string { return s.name }
func (s *Store) Path() string { return s.path }

type txnKey struct{ s *Store }

func (s *Store) txnFrom(ctx context.Context) *lmdb.Txn {
	if ctx == nil {
		return nil
	}
	txn, _ := ctx.Value(txnKey{s}).(*lmdb.Txn)
	return txn
}

// InTransaction reports whether ctx carries a write transaction of s.
func (s *Store) InTransaction(ctx context.Context) bool { return s.txnFrom(ctx) != nil }

// Transaction runs fn inside a synchronous write transaction. Calls made with
// the context passed to fn (or one derived from it) run against the same
// transaction, including nested Transaction calls. fn may be retried after a
// recoverable storage fault, so it must not have effects outside the store.
//
// Waiting on a queued write's Committed from inside fn deadlocks.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) (*Pending, error) {
	if s.txnFrom(ctx) != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
		return committedPending(s), nil
	}
	err := s.withRecovery("transaction", func() error {
		return s.env.Update(func(txn *lmdb.Txn) error {
			return fn(context.WithValue(ctx, txnKey{s}, txn))
		})
	})
	if err != nil {
		return nil, err
	}
	s.m.txns.Inc()
	s.rotateShared(false)
	return committedPending(s), nil
}

// Get returns a copy of the value at key. Queued and committing writes are
// visible before they reach disk; their bytes are returned as-is and must
// not be modified.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if q, ok := s.queuedValue(key); ok {
		if q.deleted {
			return nil, false, nil
		}
		return q.value, true, nil
	}
	if txn := s.txnFrom(ctx); txn != nil {
		return getIn(txn, s.dbi, key)
	}
	var (
		out   []byte
		found bool
	)
	err := s.withRecovery("get", func() error {
		return s.snapshot(func(txn *lmdb.Txn) (err error) {
			out, found, err = getIn(txn, s.dbi, key)
			return err
		})
	})
	if err != nil {
		return nil, false, err
	}
	s.m.reads.Inc()
	s.m.bytesRead.Add(len(out))
	return out, found, nil
}

func getIn(txn *lmdb.Txn, dbi lmdb.DBI, key []byte) ([]byte, bool, error) {
	v, err := txn.Get(dbi, key)
	if lmdb.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if txn.RawRead {
		v = append([]byte(nil), v...)
	}
	return v, true, nil
}

// snapshot runs fn in the pooled read transaction.
func (s *Store) snapshot(fn func(txn *lmdb.Txn) error) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.env == nil {
		return ErrClosed
	}
	if s.readTxn == nil {
		txn, err := s.env.BeginTxn(nil, lmdb.Readonly)
		if err != nil {
			return err
		}
		s.readTxn = txn
	} else if err := s.readTxn.Renew(); err != nil {
		return err
	}
	defer s.readTxn.Reset()
	return fn(s.readTxn)
}

func (s *Store) dropReadTxn() {
	s.readMu.Lock()
	if s.readTxn != nil {
		s.readTxn.Abort()
		s.readTxn = nil
	}
	s.readMu.Unlock()
}

// PutSync writes immediately, inside the transaction carried by ctx if any.
func (s *Store) PutSync(ctx context.Context, key, value []byte) error {
	if err := checkKey(key); err != nil {
		return s.wrap("put", err)
	}
	put := func(txn *lmdb.Txn) error { return txn.Put(s.dbi, key, value, 0) }
	if err := s.update(ctx, "put", put); err != nil {
		return err
	}
	s.m.writes.Inc()
	s.m.bytesWritten.Add(len(value))
	return nil
}

// RemoveSync deletes immediately, inside the transaction carried by ctx if any.
func (s *Store) RemoveSync(ctx context.Context, key []byte) error {
	if err := checkKey(key); err != nil {
		return s.wrap("remove", err)
	}
	return s.update(ctx, "remove", func(txn *lmdb.Txn) error {
		if err := txn.Del(s.dbi, key, nil); err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return nil
	})
}

func (s *Store) update(ctx context.Context, op string, fn func(txn *lmdb.Txn) error) error {
	if txn := s.txnFrom(ctx); txn != nil {
		return fn(txn)
	}
	err := s.withRecovery(op, func() error { return s.env.Update(fn) })
	if err == nil {
		s.m.txns.Inc()
		s.rotateShared(false)
	}
	return err
}

// Clear deletes every row with key >= from; nil clears everything. Queued
// writes are committed first.
func (s *Store) Clear(ctx context.Context, from []byte) error {
	if !s.InTransaction(ctx) {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}
	return s.update(ctx, "clear", func(txn *lmdb.Txn) error {
		if from == nil {
			return txn.Drop(s.dbi, false)
		}
		cur, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cur.Close()
		_, _, err = cur.Get(from, nil, lmdb.SetRange)
		for err == nil {
			if err = cur.Del(0); err != nil {
				return err
			}
			// after a delete Next lands on the row that followed it
			_, _, err = cur.Get(nil, nil, lmdb.Next)
		}
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// Sync forces buffered data and metadata to disk.
func (s *Store) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.withRecovery("sync", func() error { return s.env.Sync(true) })
}

type Info struct {
	Name        string
	Path        string
	MapSize     int64
	LastTxnID   int64
	NumReaders  uint
	SharedViews int
}

func (s *Store) Info() (Info, error) {
	out := Info{Name: s.name, Path: s.path}
	err := s.withRecovery("info", func() error {
		info, err := s.env.Info()
		if err != nil {
			return err
		}
		out.MapSize = info.MapSize
		out.LastTxnID = info.LastTxnID
		out.NumReaders = info.NumReaders
		return nil
	})
	s.sharedMu.Lock()
	for _, g := range s.shared {
		if g != nil {
			out.SharedViews += len(g.views)
		}
	}
	s.sharedMu.Unlock()
	return out, err
}

// WritePrometheus writes the store's counters in Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) { s.m.set.WritePrometheus(w) }

// Close commits queued writes and releases the environment. Stores obtained
// from a Pool are only closed when the last holder closes.
func (s *Store) Close() error {
	if s.pool != nil && !s.pool.release(s) {
		return nil
	}
	if s.closed.Load() {
		return nil
	}
	ferr := s.Flush(context.Background())
	s.closed.Store(true)
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return errors.Join(ferr, s.closeEnv())
}
