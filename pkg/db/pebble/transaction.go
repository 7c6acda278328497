package pebble

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/status"
)

var (
	_ db.Reader = (*Transaction)(nil)
	_ db.Writer = (*Transaction)(nil)
)

// TxOptions configures a transaction at begin.
type TxOptions struct {
	// Snapshot pins the transaction's reads to the state at begin. Without
	// it reads see the latest committed state plus the transaction's own
	// writes.
	Snapshot bool
}

type txnOp struct {
	cf      *columnFamily
	key     []byte
	value   []byte
	deleted bool
}

type savePoint struct {
	ops     int
	tracked int
}

// Transaction buffers writes until Commit applies them atomically.
//
// In the default pessimistic mode every written key, and every key read
// with GetForUpdate, is locked exclusively until the transaction ends, so of
// two transactions writing the same key the later committer wins. A
// snapshot transaction fails with ErrWriteConflict instead when the key was
// committed by someone else after it began. In
// optimistic mode nothing is locked; Commit fails with ErrWriteConflict if
// a tracked key was committed by someone else after this transaction began.
//
// A Transaction is safe for concurrent use, but its operations are
// serialized.
type Transaction struct {
	db         *DB
	id         uint64
	seq        uint64
	optimistic bool
	snap       *pebble.Snapshot

	mu      sync.Mutex
	done    bool
	writes  *writeSet
	ops     []txnOp
	tracked []string
	// trackedSet mirrors tracked for lookups.
	trackedSet map[string]struct{}
	savePoints []savePoint
}

// Transact begins a transaction with default options.
func (d *DB) Transact() (*Transaction, error) {
	return d.TransactWith(TxOptions{})
}

// TransactWith begins a transaction.
func (d *DB) TransactWith(o TxOptions) (*Transaction, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	t := &Transaction{
		db:         d,
		optimistic: d.opts.Optimistic,
		writes:     newWriteSet(d.families),
		trackedSet: make(map[string]struct{}),
	}

	// The begin sequence, the snapshot and the registration must be atomic
	// with respect to commits, or a commit could slip between them.
	d.commitMu.Lock()
	t.seq = d.seq.Load()
	if o.Snapshot {
		t.snap = d.db.NewSnapshot()
	}
	t.id = d.register(kindTransaction, t.seq)
	d.commitMu.Unlock()

	return t, nil
}

// ID identifies the transaction within its database.
func (t *Transaction) ID() uint64 {
	return t.id
}

// begin checks the transaction is usable and resolves cf. It does not keep
// the session entered.
func (t *Transaction) begin(cf int) (*columnFamily, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if err := t.db.enter(); err != nil {
		return nil, err
	}
	t.db.leave()
	return t.db.family(cf)
}

// track records key as part of the transaction's conflict set, locking it
// first in pessimistic mode. The session must not be entered here: a lock
// wait can be long and would hold off Close.
func (t *Transaction) track(cf *columnFamily, key []byte) error {
	k := string(cf.key(key))
	if _, ok := t.trackedSet[k]; ok {
		return nil
	}
	if !t.optimistic {
		if _, err := t.db.locks.lock(t.id, k, t.db.opts.lockTimeout()); err != nil {
			switch err {
			case ErrDeadlock:
				t.db.metrics.inc(metricDeadlocks)
			case ErrLockTimeout:
				t.db.metrics.inc(metricLockTimeouts)
			}
			log.Bridge.Debug().Uint64("txn", t.id).Str("cf", cf.name).Err(err).Msg("lock not acquired")
			return err
		}
		// A snapshot transaction must not overwrite a commit it cannot see.
		if t.snap != nil {
			if v, ok := t.db.versions.Load(k); ok && v > t.seq {
				t.db.locks.unlock(t.id, k)
				t.db.metrics.inc(metricConflicts)
				log.Bridge.Debug().Uint64("txn", t.id).Uint64("begin", t.seq).Uint64("committed", v).Msg("write conflict")
				return ErrWriteConflict
			}
		}
	}
	t.tracked = append(t.tracked, k)
	t.trackedSet[k] = struct{}{}
	return nil
}

// Get reads key as this transaction sees it.
func (t *Transaction) Get(cf int, key []byte) (value []byte, err error) {
	defer func(start time.Time) { t.db.metrics.observe("txn_get", start, err) }(time.Now())

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.begin(cf)
	if err != nil {
		return nil, err
	}
	return t.get(f, key)
}

func (t *Transaction) get(f *columnFamily, key []byte) ([]byte, error) {
	if pw, ok := t.writes.get(f, key); ok {
		if pw.deleted {
			return nil, ErrNotFound
		}
		result := make([]byte, len(pw.value))
		copy(result, pw.value)
		return result, nil
	}

	if err := t.db.enter(); err != nil {
		return nil, err
	}
	defer t.db.leave()

	if t.snap != nil {
		return getCopy(t.snap, f.key(key))
	}
	return getCopy(t.db.db, f.key(key))
}

// GetForUpdate reads key and adds it to the transaction's conflict set, so
// no other transaction can commit a write to it before this one ends.
func (t *Transaction) GetForUpdate(cf int, key []byte) (value []byte, err error) {
	defer func(start time.Time) { t.db.metrics.observe("txn_get_for_update", start, err) }(time.Now())

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.begin(cf)
	if err != nil {
		return nil, err
	}
	if err := t.track(f, key); err != nil {
		return nil, err
	}
	return t.get(f, key)
}

// Exists reports whether key is visible to the transaction.
func (t *Transaction) Exists(cf int, key []byte) (bool, error) {
	_, err := t.Get(cf, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *Transaction) Put(cf int, key, value []byte) (err error) {
	defer func(start time.Time) { t.db.metrics.observe("txn_put", start, err) }(time.Now())
	return t.write(cf, key, value, false)
}

func (t *Transaction) Delete(cf int, key []byte) (err error) {
	defer func(start time.Time) { t.db.metrics.observe("txn_delete", start, err) }(time.Now())
	return t.write(cf, key, nil, true)
}

func (t *Transaction) write(cf int, key, value []byte, deleted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.begin(cf)
	if err != nil {
		return err
	}
	if err := t.track(f, key); err != nil {
		return err
	}

	op := txnOp{cf: f, key: cloneBytes(key), deleted: deleted}
	if !deleted {
		op.value = cloneBytes(value)
	}
	t.ops = append(t.ops, op)
	t.apply(op)
	return nil
}

func (t *Transaction) apply(op txnOp) {
	if op.deleted {
		t.writes.delete(op.cf, op.key)
	} else {
		t.writes.put(op.cf, op.key, op.value)
	}
}

// NewIterator iterates cf in [lower, upper) as the transaction sees it: the
// committed state (or the begin snapshot) overlaid with the writes buffered
// so far. Later writes are not reflected in an open iterator.
func (t *Transaction) NewIterator(cf int, lower, upper []byte) (db.Iterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := t.begin(cf)
	if err != nil {
		return nil, err
	}
	if err := t.db.enter(); err != nil {
		return nil, err
	}
	defer t.db.leave()

	var src iterSource = t.db.db
	if t.snap != nil {
		src = t.snap
	}
	base, err := t.db.newIterator(src, f, lower, upper)
	if err != nil {
		return nil, err
	}
	return newMergedIterator(base, f, t.writes.inRange(f, lower, upper)), nil
}

// SetSavePoint marks the current state for RollbackToSavePoint.
func (t *Transaction) SetSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnDone
	}
	t.savePoints = append(t.savePoints, savePoint{ops: len(t.ops), tracked: len(t.tracked)})
	return nil
}

// RollbackToSavePoint undoes every write since the most recent savepoint
// and removes it. Keys first locked after the savepoint are unlocked.
func (t *Transaction) RollbackToSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnDone
	}
	n := len(t.savePoints)
	if n == 0 {
		return ErrNoSavePoint
	}
	sp := t.savePoints[n-1]
	t.savePoints = t.savePoints[:n-1]

	t.ops = t.ops[:sp.ops]
	t.writes = newWriteSet(t.db.families)
	for _, op := range t.ops {
		t.apply(op)
	}

	released := t.tracked[sp.tracked:]
	for _, k := range released {
		delete(t.trackedSet, k)
	}
	if !t.optimistic {
		t.db.locks.unlock(t.id, released...)
	}
	t.tracked = t.tracked[:sp.tracked]
	return nil
}

// PopSavePoint discards the most recent savepoint without undoing anything.
func (t *Transaction) PopSavePoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnDone
	}
	n := len(t.savePoints)
	if n == 0 {
		return ErrNoSavePoint
	}
	t.savePoints = t.savePoints[:n-1]
	return nil
}

// Commit makes the transaction's writes visible atomically. The transaction
// ends whatever the outcome; on ErrWriteConflict nothing was written.
func (t *Transaction) Commit() (err error) {
	defer func(start time.Time) { t.db.metrics.observe("commit", start, err) }(time.Now())

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnDone
	}
	d := t.db
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	defer t.finish()

	if t.writes.len() == 0 {
		d.metrics.inc(metricCommits)
		return nil
	}

	b := d.db.NewBatch()
	defer b.Close() //nolint:errcheck // the batch is only read by Apply
	if err := t.writes.fill(b); err != nil {
		return status.Convert(err)
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	// Pessimistic transactions hold their locks, so only optimistic ones
	// validate here. Both record versions for later validation.
	if t.optimistic {
		for _, k := range t.tracked {
			if v, ok := d.versions.Load(k); ok && v > t.seq {
				d.metrics.inc(metricConflicts)
				log.Bridge.Debug().Uint64("txn", t.id).Uint64("begin", t.seq).Uint64("committed", v).Msg("write conflict")
				return ErrWriteConflict
			}
		}
	}
	if err := d.db.Apply(b, d.wo); err != nil {
		return status.Convert(err)
	}
	seq := d.seq.Add(1)
	t.writes.each(func(cf *columnFamily, pw pendingWrite) bool {
		d.versions.Store(string(cf.key(pw.key)), seq)
		return true
	})
	d.metrics.inc(metricCommits)

	// A version at or below every live transaction's begin can no longer
	// conflict with anything.
	d.release(t.id)
	oldest := d.oldestSeq(seq)
	d.versions.Range(func(k string, v uint64) bool {
		if v <= oldest {
			d.versions.Delete(k)
		}
		return true
	})
	return nil
}

// Rollback discards the transaction's writes.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxnDone
	}
	t.finish()
	t.db.metrics.inc(metricRollbacks)
	return nil
}

// Close rolls back the transaction unless it already ended.
func (t *Transaction) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil
	}
	t.finish()
	t.db.metrics.inc(metricRollbacks)
	return nil
}

// finish releases everything the transaction holds. Caller holds t.mu.
func (t *Transaction) finish() {
	t.done = true
	if !t.optimistic {
		t.db.locks.unlock(t.id, t.tracked...)
	}
	if t.snap != nil {
		t.snap.Close() //nolint:errcheck // releasing a snapshot only fails on double close
		t.snap = nil
	}
	t.db.release(t.id)
	t.writes = newWriteSet(t.db.families)
	t.ops, t.tracked, t.savePoints = nil, nil, nil
	t.trackedSet = nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
