package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/DoctorEvidence/cobase/log"
	"github.com/PowerDNS/lmdb-go/lmdb"
)

type queued struct {
	value   []byte
	deleted bool
}

type op struct {
	key      []byte
	value    []byte
	del      bool
	ifHeader []byte // nil => unconditional
}

// batch is one group of queued writes committed in a single transaction.
type batch struct {
	s     *Store
	ops   []op
	ok    []bool
	errs  []error // per op; nil when every op either wrote or lost its condition
	err   error
	timer *time.Timer

	done chan struct{}

	syncOnce sync.Once
	synced   chan struct{}
	syncErr  error
}

func newBatch(s *Store) *batch {
	return &batch{s: s, done: make(chan struct{}), synced: make(chan struct{})}
}

func (b *batch) requestSync() {
	b.syncOnce.Do(func() {
		go func() {
			<-b.done
			if b.err == nil {
				b.syncErr = b.s.Sync(context.Background())
			}
			close(b.synced)
		}()
	})
}

// Pending is the handle of a queued write.
type Pending struct {
	b *batch
	i int // -1 => whole transaction
}

func committedPending(s *Store) *Pending {
	b := newBatch(s)
	close(b.done)
	return &Pending{b: b, i: -1}
}

func failedPending(s *Store, err error) *Pending {
	b := newBatch(s)
	b.err = err
	close(b.done)
	b.syncOnce.Do(func() { close(b.synced) })
	return &Pending{b: b, i: -1}
}

func (p *Pending) result() (bool, error) {
	if p.b.err != nil {
		return false, p.b.err
	}
	if p.i < 0 {
		return true, nil
	}
	if p.b.errs != nil && p.b.errs[p.i] != nil {
		return false, p.b.errs[p.i]
	}
	return p.b.ok[p.i], nil
}

// Committed waits for the write's transaction to commit. It reports false
// when a conditional write found a different header, and an error when the
// write itself was rejected or the whole batch failed.
func (p *Pending) Committed(ctx context.Context) (bool, error) {
	select {
	case <-p.b.done:
		return p.result()
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Synced is like Committed but also waits until the commit has been flushed
// to disk.
func (p *Pending) Synced(ctx context.Context) (bool, error) {
	ok, err := p.Committed(ctx)
	if err != nil {
		return false, err
	}
	p.b.requestSync()
	select {
	case <-p.b.synced:
		if p.b.syncErr != nil {
			return false, p.b.syncErr
		}
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Done is closed once the write has committed or failed.
func (p *Pending) Done() <-chan struct{} { return p.b.done }

// Put queues a write of value at key. With a non-nil ifHeader the write only
// happens if the current value starts with ifHeader (Absent: no row).
// The store keeps value; callers must not modify it afterwards.
func (s *Store) Put(key, value, ifHeader []byte) *Pending {
	return s.enqueue(op{key: key, value: value, ifHeader: ifHeader})
}

// Remove queues a delete of key, conditional like Put.
func (s *Store) Remove(key, ifHeader []byte) *Pending {
	return s.enqueue(op{key: key, del: true, ifHeader: ifHeader})
}

func (s *Store) enqueue(o op) *Pending {
	if err := checkKey(o.key); err != nil {
		return failedPending(s, s.wrap(opName(o), err))
	}
	o.key = append([]byte(nil), o.key...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return failedPending(s, ErrClosed)
	}
	if s.pending == nil {
		s.pending = newBatch(s)
		s.pending.timer = time.AfterFunc(s.opts.CommitDelay, s.flush)
	}
	b := s.pending
	b.ops = append(b.ops, o)
	// conditional writes may lose; they become visible once committed
	if o.ifHeader == nil {
		if s.scheduled == nil {
			s.scheduled = make(map[string]queued)
		}
		s.scheduled[string(o.key)] = queued{value: o.value, deleted: o.del}
	}
	return &Pending{b: b, i: len(b.ops) - 1}
}

func (s *Store) queuedValue(key []byte) (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.scheduled[string(key)]; ok {
		return q, true
	}
	q, ok := s.committing[string(key)]
	return q, ok
}

// Flush commits queued writes now and waits for the commit.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	b := s.pending
	s.mu.Unlock()
	if b == nil {
		return nil
	}
	if b.timer != nil && b.timer.Stop() {
		go s.flush()
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) flush() {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	b := s.pending
	s.pending = nil
	s.committing = s.scheduled
	s.scheduled = nil
	s.mu.Unlock()
	if b == nil {
		return
	}

	err := s.commit(b)

	s.mu.Lock()
	s.committing = nil
	s.mu.Unlock()

	if err != nil {
		b.err = err
		s.log.Error("batch commit failed", log.Fields{"ops": len(b.ops), "err": err})
		s.hooks.BatchFailed(s.name, len(b.ops), err)
	}
	close(b.done)
}

func (s *Store) commit(b *batch) error {
	b.ok = make([]bool, len(b.ops))
	var written, misses, rejected int
	err := s.withRecovery("commit", func() error {
		written, misses, rejected = 0, 0, 0
		b.errs = nil
		return s.env.Update(func(txn *lmdb.Txn) error {
			for i, o := range b.ops {
				b.ok[i] = false
				if o.ifHeader != nil {
					cur, found, err := getIn(txn, s.dbi, o.key)
					if err != nil {
						return err
					}
					if !headerMatches(cur, found, o.ifHeader) {
						misses++
						continue
					}
				}
				var err error
				if o.del {
					if err = txn.Del(s.dbi, o.key, nil); lmdb.IsNotFound(err) {
						err = nil
					}
				} else {
					err = txn.Put(s.dbi, o.key, o.value, 0)
				}
				if rejectsOp(err) {
					// LMDB refuses the arguments before touching the
					// transaction; only this op fails
					if b.errs == nil {
						b.errs = make([]error, len(b.ops))
					}
					b.errs[i] = s.wrap(opName(o), err)
					rejected++
					continue
				}
				if err != nil {
					return err
				}
				if !o.del {
					written += len(o.value)
				}
				b.ok[i] = true
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if rejected > 0 {
		s.log.Warn("writes rejected", log.Fields{"rejected": rejected, "ops": len(b.ops)})
	}
	s.m.batches.Inc()
	s.m.txns.Inc()
	s.m.writes.Add(len(b.ops) - misses - rejected)
	s.m.casMisses.Add(misses)
	s.m.bytesWritten.Add(written)
	s.rotateShared(false)
	return nil
}

func opName(o op) string {
	if o.del {
		return "remove"
	}
	return "put"
}

func headerMatches(cur []byte, found bool, ifHeader []byte) bool {
	if len(ifHeader) == 0 {
		return !found
	}
	return found && len(cur) >= len(ifHeader) && bytes.Equal(cur[:len(ifHeader)], ifHeader)
}
