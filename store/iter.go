package store

import (
	"bytes"
	"context"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// Range selects an ordered slice of the keyspace.
//
// Forward scans start at Start (inclusive) and stop before End. Reverse
// scans start at Start when it exists, otherwise at the closest key below
// it, and stop at End (exclusive). Nil bounds are open.
type Range struct {
	Start    []byte
	End      []byte
	Reverse  bool
	Limit    int // 0 => unlimited
	KeysOnly bool
}

type kv struct {
	k, v []byte
}

// Iterator walks a Range in chunks, each read in its own short snapshot, so
// a long scan never pins old pages. Rows written during the scan may or may
// not be observed.
type Iterator struct {
	s   *Store
	ctx context.Context
	r   Range

	buf   []kv
	pos   int
	last  []byte
	count int
	done  bool
	err   error
	cur   kv
}

// Iterate returns a fresh lazy iterator over r.
func (s *Store) Iterate(ctx context.Context, r Range) *Iterator {
	return &Iterator{s: s, ctx: ctx, r: r}
}

func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.r.Limit > 0 && it.count >= it.r.Limit {
		return false
	}
	if it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		if err := it.fill(); err != nil {
			it.err = err
			return false
		}
		if len(it.buf) == 0 {
			return false
		}
	}
	it.cur = it.buf[it.pos]
	it.pos++
	it.count++
	return true
}

func (it *Iterator) Key() []byte   { return it.cur.k }
func (it *Iterator) Value() []byte { return it.cur.v }
func (it *Iterator) Err() error    { return it.err }

func (it *Iterator) fill() error {
	if err := it.ctx.Err(); err != nil {
		return err
	}
	it.buf, it.pos = it.buf[:0], 0
	want := iterChunk
	if it.r.Limit > 0 && it.r.Limit-it.count < want {
		want = it.r.Limit - it.count
	}
	return it.s.withRecovery("iterate", func() error {
		it.buf = it.buf[:0]
		return it.s.snapshot(func(txn *lmdb.Txn) error {
			cur, err := txn.OpenCursor(it.s.dbi)
			if err != nil {
				return err
			}
			defer cur.Close()

			k, v, err := it.position(cur)
			for ; err == nil; k, v, err = it.step(cur) {
				if it.pastEnd(k) {
					it.done = true
					break
				}
				row := kv{k: k}
				if !it.r.KeysOnly {
					row.v = v
				}
				it.buf = append(it.buf, row)
				if len(it.buf) >= want {
					break
				}
			}
			if lmdb.IsNotFound(err) {
				it.done = true
				err = nil
			}
			if err != nil {
				return err
			}
			if n := len(it.buf); n > 0 {
				it.last = it.buf[n-1].k
			}
			return nil
		})
	})
}

func (it *Iterator) position(cur *lmdb.Cursor) ([]byte, []byte, error) {
	if it.last != nil {
		k, v, err := cur.Get(it.last, nil, lmdb.SetRange)
		if it.r.Reverse {
			if lmdb.IsNotFound(err) {
				return cur.Get(nil, nil, lmdb.Last)
			}
			if err != nil {
				return nil, nil, err
			}
			return cur.Get(nil, nil, lmdb.Prev)
		}
		if err == nil && bytes.Equal(k, it.last) {
			return cur.Get(nil, nil, lmdb.Next)
		}
		return k, v, err
	}

	switch {
	case !it.r.Reverse && it.r.Start == nil:
		return cur.Get(nil, nil, lmdb.First)
	case !it.r.Reverse:
		return cur.Get(it.r.Start, nil, lmdb.SetRange)
	case it.r.Start == nil:
		return cur.Get(nil, nil, lmdb.Last)
	}
	k, v, err := cur.Get(it.r.Start, nil, lmdb.SetRange)
	if lmdb.IsNotFound(err) {
		return cur.Get(nil, nil, lmdb.Last)
	}
	if err != nil || bytes.Equal(k, it.r.Start) {
		return k, v, err
	}
	return cur.Get(nil, nil, lmdb.Prev)
}

func (it *Iterator) step(cur *lmdb.Cursor) ([]byte, []byte, error) {
	if it.r.Reverse {
		return cur.Get(nil, nil, lmdb.Prev)
	}
	return cur.Get(nil, nil, lmdb.Next)
}

func (it *Iterator) pastEnd(k []byte) bool {
	if it.r.End == nil {
		return false
	}
	if it.r.Reverse {
		return bytes.Compare(k, it.r.End) <= 0
	}
	return bytes.Compare(k, it.r.End) >= 0
}
