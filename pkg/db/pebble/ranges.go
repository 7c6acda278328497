package pebble

import (
	"time"

	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/status"
)

// checkRange rejects a range whose bounds are both set and out of order.
func checkRange(cf *columnFamily, start, end []byte) error {
	if len(start) > 0 && len(end) > 0 && cf.cmp.Compare(start, end) >= 0 {
		return ErrEmptyRange
	}
	return nil
}

// DeleteRange removes every key of cf in [start, end) in one atomic write.
// Empty bounds are open. It goes through the fast path Batch: no locks are
// taken and open transactions are not validated against it.
func (d *DB) DeleteRange(cf int, start, end []byte) (err error) {
	defer func(start time.Time) { d.metrics.observe("delete_range", start, err) }(time.Now())

	f, err := d.familyChecked(cf)
	if err != nil {
		return err
	}
	if err := checkRange(f, start, end); err != nil {
		return err
	}

	b := d.NewBatch()
	defer b.Close() //nolint:errcheck // close after commit only releases memory
	if err := b.DeleteRange(cf, start, end); err != nil {
		return err
	}
	return b.Commit()
}

// CompactRange asks the engine to compact cf in [start, end). It is a hint:
// a failure can leave the range partly compacted.
func (d *DB) CompactRange(cf int, start, end []byte) (err error) {
	defer func(start time.Time) { d.metrics.observe("compact_range", start, err) }(time.Now())

	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	f, err := d.family(cf)
	if err != nil {
		return err
	}
	if err := checkRange(f, start, end); err != nil {
		return err
	}
	lo, hi := f.bounds(start, end)
	if err := d.db.Compact(lo, hi, d.opts.IncreaseParallelism > 1); err != nil {
		return status.Convert(err)
	}
	log.Bridge.Debug().Str("cf", f.name).Msg("range compacted")
	return nil
}

// familyChecked resolves cf after making sure the session is open.
func (d *DB) familyChecked(cf int) (*columnFamily, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()
	return d.family(cf)
}
