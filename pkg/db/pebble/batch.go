package pebble

import (
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/status"
)

// Batch applies writes atomically straight to the engine. It takes no locks
// and is not validated against open transactions, so a concurrent
// transaction writing the same keys can overwrite it or be overwritten
// without a conflict being reported. It is meant for bulk maintenance.
type Batch struct {
	db    *DB
	batch *pebble.Batch
	done  atomic.Bool
	err   error
}

func (d *DB) NewBatch() db.Batch {
	if err := d.enter(); err != nil {
		b := &Batch{db: d, err: err}
		b.done.Store(true)
		return b
	}
	defer d.leave()

	return &Batch{
		db:    d,
		batch: d.db.NewBatch(),
	}
}

func (b *Batch) check() error {
	if b.err != nil {
		return b.err
	}
	if b.done.Load() {
		return ErrBatchDone
	}
	return nil
}

func (b *Batch) Put(cf int, key, value []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	f, err := b.db.family(cf)
	if err != nil {
		return err
	}
	return status.Convert(b.batch.Set(f.key(key), value, nil))
}

func (b *Batch) Delete(cf int, key []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	f, err := b.db.family(cf)
	if err != nil {
		return err
	}
	return status.Convert(b.batch.Delete(f.key(key), nil))
}

// DeleteRange removes [start, end) in cf. Empty bounds are open.
func (b *Batch) DeleteRange(cf int, start, end []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	f, err := b.db.family(cf)
	if err != nil {
		return err
	}
	lo, hi := f.bounds(start, end)
	return status.Convert(b.batch.DeleteRange(lo, hi, nil))
}

func (b *Batch) Commit() error {
	if err := b.check(); err != nil {
		return err
	}
	if err := b.db.enter(); err != nil {
		return err
	}
	defer b.db.leave()

	if err := b.db.db.Apply(b.batch, b.db.wo); err != nil {
		return status.Convert(err)
	}
	b.done.Store(true)
	return nil
}

func (b *Batch) Close() error {
	if !b.done.CompareAndSwap(false, true) {
		if b.batch == nil {
			return nil
		}
		b.batch.Close() //nolint:errcheck // release after commit only returns the batch to its pool
		b.batch = nil
		return nil
	}
	err := b.batch.Close()
	b.batch = nil
	return status.Convert(err)
}
