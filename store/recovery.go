package store

import (
	"errors"
	"os"

	"github.com/DoctorEvidence/cobase/log"
)

// withRecovery runs fn, repairing the environment and retrying after
// recoverable faults. Only the failing call is retried.
func (s *Store) withRecovery(op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if s.closed.Load() {
			return ErrClosed
		}
		s.txMu.RLock()
		var err error
		if s.env == nil {
			err = ErrClosed
		} else {
			err = fn()
		}
		s.txMu.RUnlock()
		if err == nil {
			return nil
		}
		if !isStorageErr(err) {
			return err
		}
		act := classify(err)
		if act == actFail || attempt >= maxRecoveries {
			return s.wrap(op, err)
		}
		s.log.Debug("recovering storage fault", log.Fields{"op": op, "action": act.String(), "err": err})
		if rerr := s.recover(act, err); rerr != nil {
			return s.wrap(op, errors.Join(err, rerr))
		}
	}
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) || errors.Is(err, ErrClosed) {
		return err
	}
	return &Error{Table: s.name, Op: op, Err: err}
}

func (s *Store) recover(act action, cause error) error {
	if act == actRenew {
		s.dropReadTxn()
		return nil
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.env == nil {
		return ErrClosed
	}
	s.m.recoveries.Inc()

	switch act {
	case actGrow, actAdopt:
		// remapping requires that this process has no open transactions
		s.rotateShared(true)
		s.dropReadTxn()
		var size int64
		if act == actGrow {
			info, err := s.env.Info()
			if err != nil {
				return err
			}
			size = nextMapSize(info.MapSize)
		}
		// size 0 adopts the size another process set
		if err := s.env.SetMapSize(size); err != nil {
			return err
		}
		info, err := s.env.Info()
		if err != nil {
			return err
		}
		s.m.resizes.Inc()
		s.m.mapSize.Store(info.MapSize)
		s.log.Info("map resized", log.Fields{"size": info.MapSize, "grown": act == actGrow})
		s.hooks.MapResized(s.name, info.MapSize)
		return nil

	case actRebuild:
		return s.rebuild(cause)
	}
	return cause
}

// rebuild deletes the data file and reopens an empty store. Requires txMu
// held exclusively, or no other users (during Open).
func (s *Store) rebuild(cause error) error {
	s.log.Error("database corrupt, deleting and rebuilding; data loss", log.Fields{"path": s.path, "err": cause})
	s.hooks.DataLoss(s.name, cause)
	if err := s.closeEnv(); err != nil {
		s.log.Warn("close before rebuild failed", log.Fields{"err": err})
	}
	for _, p := range []string{s.path, s.path + "-lock"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return s.openEnv()
}
