package store

import (
	"errors"
	"fmt"
	"math"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

var (
	ErrClosed = errors.New("cobase/store: closed")
	// ErrKeySize rejects empty keys and keys longer than MaxKeySize.
	ErrKeySize = errors.New("cobase/store: bad key size")
)

// MaxKeySize is LMDB's key length limit in its default build.
const MaxKeySize = 511

func checkKey(k []byte) error {
	if len(k) == 0 || len(k) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes", ErrKeySize, len(k))
	}
	return nil
}

// rejectsOp reports whether LMDB refused a single put or delete for its
// arguments, leaving the transaction usable.
func rejectsOp(err error) bool {
	return lmdb.IsErrno(err, lmdb.BadValSize)
}

// Error is a storage failure that survived recovery.
type Error struct {
	Table string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("in database %s: %s: %v", e.Table, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type action int

const (
	actFail action = iota
	actGrow
	actAdopt
	actRenew
	actRebuild
)

func (a action) String() string {
	switch a {
	case actGrow:
		return "grow"
	case actAdopt:
		return "adopt"
	case actRenew:
		return "renew"
	case actRebuild:
		return "rebuild"
	default:
		return "fail"
	}
}

func classify(err error) action {
	switch {
	case err == nil:
		return actFail
	case lmdb.IsMapFull(err):
		return actGrow
	case lmdb.IsMapResized(err):
		return actAdopt
	case lmdb.IsErrno(err, lmdb.BadTxn):
		return actRenew
	case lmdb.IsErrno(err, lmdb.Corrupted),
		lmdb.IsErrno(err, lmdb.PageNotFound),
		lmdb.IsErrno(err, lmdb.CursorFull),
		lmdb.IsErrno(err, lmdb.Invalid):
		return actRebuild
	}
	return actFail
}

// isStorageErr reports whether err came from LMDB rather than from a
// caller-supplied transaction function.
func isStorageErr(err error) bool {
	var op *lmdb.OpError
	return errors.As(err, &op)
}

// nextMapSize grows size by 30% rounded up to the map granularity, plus one unit.
func nextMapSize(size int64) int64 {
	return int64(math.Ceil(float64(size)*mapGrowth/mapGranularity+1)) * mapGranularity
}
