package pebble

import (
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/status"
)

var _ db.Reader = (*Snapshot)(nil)

// Snapshot is a point-in-time read view. It keeps its database open until
// it is closed.
type Snapshot struct {
	db     *DB
	snap   *pebble.Snapshot
	id     uint64
	closed atomic.Bool
}

func (s *Snapshot) check() error {
	if err := s.db.enter(); err != nil {
		return err
	}
	if s.closed.Load() {
		s.db.leave()
		return ErrSnapshotClosed
	}
	return nil
}

func (s *Snapshot) Get(cf int, key []byte) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	defer s.db.leave()

	f, err := s.db.family(cf)
	if err != nil {
		return nil, err
	}
	return getCopy(s.snap, f.key(key))
}

func (s *Snapshot) NewIterator(cf int, lower, upper []byte) (db.Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	defer s.db.leave()

	f, err := s.db.family(cf)
	if err != nil {
		return nil, err
	}
	return s.db.newIterator(s.snap, f, lower, upper)
}

// Close releases the snapshot. Only the first call has an effect.
func (s *Snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.snap.Close()
	s.db.release(s.id)
	return status.Convert(err)
}
