package pebble

import (
	"sync"
	"testing"
	"time"

	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction(t *testing.T) {
	tests := []struct {
		name string
		opts func(o *Options)
		fn   func(t *testing.T, d *DB)
	}{
		{
			name: "read_your_writes",
			fn:   testTxnReadYourWrites,
		},
		{
			name: "rollback_discards",
			fn:   testTxnRollback,
		},
		{
			name: "done_transaction",
			fn:   testTxnDone,
		},
		{
			name: "disjoint_writers_both_visible",
			fn:   testTxnDisjointWriters,
		},
		{
			name: "last_committer_wins",
			opts: func(o *Options) { o.LockTimeout = 5 * time.Second },
			fn:   testTxnLastCommitterWins,
		},
		{
			name: "lock_timeout",
			opts: func(o *Options) { o.LockTimeout = 50 * time.Millisecond },
			fn:   testTxnLockTimeout,
		},
		{
			name: "deadlock_detected",
			opts: func(o *Options) { o.LockTimeout = 5 * time.Second },
			fn:   testTxnDeadlock,
		},
		{
			name: "savepoints",
			fn:   testTxnSavePoints,
		},
		{
			name: "savepoint_releases_locks",
			opts: func(o *Options) { o.LockTimeout = 50 * time.Millisecond },
			fn:   testTxnSavePointReleasesLocks,
		},
		{
			name: "snapshot_isolation",
			fn:   testTxnSnapshot,
		},
		{
			name: "snapshot_write_conflict",
			fn:   testTxnSnapshotWriteConflict,
		},
		{
			name: "merged_iterator",
			fn:   testTxnIterator,
		},
		{
			name: "optimistic_first_committer_wins",
			opts: func(o *Options) { o.Optimistic = true },
			fn:   testOptimisticConflict,
		},
		{
			name: "optimistic_get_for_update",
			opts: func(o *Options) { o.Optimistic = true },
			fn:   testOptimisticGetForUpdate,
		},
		{
			name: "optimistic_versions_pruned",
			opts: func(o *Options) { o.Optimistic = true },
			fn:   testOptimisticPrune,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var d *DB
			if tc.opts != nil {
				d = newTestDB(t, tc.opts)
			} else {
				d = newTestDB(t)
			}
			tc.fn(t, d)
		})
	}
}

func testTxnReadYourWrites(t *testing.T, d *DB) {
	require.NoError(t, d.Put(0, []byte("gone"), []byte("v")))

	tx, err := d.Transact()
	require.NoError(t, err)
	defer tx.Close() //nolint:errcheck // closing twice is a no-op

	require.NoError(t, tx.Put(0, []byte("k"), []byte("mine")))
	require.NoError(t, tx.Delete(0, []byte("gone")))

	v, err := tx.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), v)

	ok, err := tx.Exists(0, []byte("gone"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Nothing is visible outside before commit
	_, err = d.Get(0, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tx.Commit())

	v, err = d.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), v)
	_, err = d.Get(0, []byte("gone"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testTxnRollback(t *testing.T, d *DB) {
	tx, err := d.Transact()
	require.NoError(t, err)

	require.NoError(t, tx.Put(0, []byte("k"), []byte("v")))
	require.NoError(t, tx.Rollback())

	_, err = d.Get(0, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, d.locks.held())
}

func testTxnDone(t *testing.T, d *DB) {
	tx, err := d.Transact()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Put(0, []byte("k"), []byte("v")), ErrTxnDone)
	_, err = tx.Get(0, []byte("k"))
	assert.ErrorIs(t, err, ErrTxnDone)
	assert.ErrorIs(t, tx.Commit(), ErrTxnDone)
	assert.ErrorIs(t, tx.Rollback(), ErrTxnDone)
	assert.ErrorIs(t, tx.SetSavePoint(), ErrTxnDone)
	assert.NoError(t, tx.Close())

	// An ended transaction does not hold the database open.
	require.NoError(t, d.Close())
}

func testTxnDisjointWriters(t *testing.T, d *DB) {
	const writers = 8

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- d.Update(func(tx *Transaction) error {
				for j := range 10 {
					key := []byte{byte('a' + i), byte('0' + j)}
					if err := tx.Put(0, key, key); err != nil {
						return err
					}
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	iter, err := d.NewIterator(0, nil, nil)
	require.NoError(t, err)
	keys, _ := collect(t, iter)
	require.NoError(t, iter.Close())
	assert.Len(t, keys, writers*10)
}

func testTxnLastCommitterWins(t *testing.T, d *DB) {
	require.NoError(t, d.Put(0, []byte("k"), []byte("base")))

	tx1, err := d.Transact()
	require.NoError(t, err)
	tx2, err := d.Transact()
	require.NoError(t, err)

	require.NoError(t, tx1.Put(0, []byte("k"), []byte("one")))

	done := make(chan error, 1)
	go func() {
		// Blocks on tx1's lock until tx1 commits.
		if err := tx2.Delete(0, []byte("k")); err != nil {
			done <- err
			return
		}
		done <- tx2.Commit()
	}()

	require.NoError(t, tx1.Commit())
	require.NoError(t, <-done)

	_, err = d.Get(0, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testTxnLockTimeout(t *testing.T, d *DB) {
	tx1, err := d.Transact()
	require.NoError(t, err)
	defer tx1.Close() //nolint:errcheck // closing twice is a no-op
	tx2, err := d.Transact()
	require.NoError(t, err)
	defer tx2.Close() //nolint:errcheck // closing twice is a no-op

	require.NoError(t, tx1.Put(0, []byte("k"), []byte("one")))

	err = tx2.Put(0, []byte("k"), []byte("two"))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, status.TimedOut, status.CodeOf(err))
	assert.Equal(t, status.SubLockTimeout, status.From(err).SubCode)
	assert.EqualValues(t, 1, d.metrics.counter(metricLockTimeouts))

	// The failed write left nothing behind; tx2 can still commit other keys.
	require.NoError(t, tx2.Put(0, []byte("other"), []byte("two")))
	require.NoError(t, tx1.Commit())
	require.NoError(t, tx2.Commit())
}

func testTxnDeadlock(t *testing.T, d *DB) {
	tx1, err := d.Transact()
	require.NoError(t, err)
	tx2, err := d.Transact()
	require.NoError(t, err)

	require.NoError(t, tx1.Put(0, []byte("a"), []byte("1")))
	require.NoError(t, tx2.Put(0, []byte("b"), []byte("2")))

	run := func(tx *Transaction, key string) error {
		if err := tx.Put(0, []byte(key), []byte("x")); err != nil {
			tx.Rollback() //nolint:errcheck // reported through err
			return err
		}
		return tx.Commit()
	}

	results := make(chan error, 2)
	go func() { results <- run(tx1, "b") }()
	go func() { results <- run(tx2, "a") }()

	var deadlocks, commits int
	for range 2 {
		err := <-results
		switch {
		case err == nil:
			commits++
		case status.CodeOf(err) == status.Busy:
			assert.Equal(t, status.SubDeadlock, status.From(err).SubCode)
			deadlocks++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, deadlocks)
	assert.Equal(t, 1, commits)
	assert.Zero(t, d.locks.held())
}

func testTxnSavePoints(t *testing.T, d *DB) {
	tx, err := d.Transact()
	require.NoError(t, err)

	assert.ErrorIs(t, tx.RollbackToSavePoint(), ErrNoSavePoint)
	assert.ErrorIs(t, tx.PopSavePoint(), ErrNoSavePoint)

	require.NoError(t, tx.Put(0, []byte("a"), []byte("1")))
	require.NoError(t, tx.SetSavePoint())
	require.NoError(t, tx.Put(0, []byte("b"), []byte("2")))
	require.NoError(t, tx.Put(0, []byte("a"), []byte("changed")))

	require.NoError(t, tx.SetSavePoint())
	require.NoError(t, tx.Delete(0, []byte("a")))
	require.NoError(t, tx.PopSavePoint())

	// Rolls back to the first savepoint; the popped one is gone.
	require.NoError(t, tx.RollbackToSavePoint())
	assert.ErrorIs(t, tx.RollbackToSavePoint(), ErrNoSavePoint)

	v, err := tx.Get(0, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	_, err = tx.Get(0, []byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tx.Commit())

	v, err = d.Get(0, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	_, err = d.Get(0, []byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testTxnSavePointReleasesLocks(t *testing.T, d *DB) {
	tx1, err := d.Transact()
	require.NoError(t, err)
	defer tx1.Close() //nolint:errcheck // closing twice is a no-op

	require.NoError(t, tx1.Put(0, []byte("kept"), []byte("1")))
	require.NoError(t, tx1.SetSavePoint())
	require.NoError(t, tx1.Put(0, []byte("released"), []byte("1")))
	require.NoError(t, tx1.RollbackToSavePoint())

	tx2, err := d.Transact()
	require.NoError(t, err)
	defer tx2.Close() //nolint:errcheck // closing twice is a no-op

	require.NoError(t, tx2.Put(0, []byte("released"), []byte("2")))
	assert.ErrorIs(t, tx2.Put(0, []byte("kept"), []byte("2")), ErrLockTimeout)
}

func testTxnSnapshot(t *testing.T, d *DB) {
	require.NoError(t, d.Put(0, []byte("k"), []byte("old")))

	tx, err := d.TransactWith(TxOptions{Snapshot: true})
	require.NoError(t, err)
	defer tx.Close() //nolint:errcheck // closing twice is a no-op

	require.NoError(t, d.Put(0, []byte("k"), []byte("new")))

	v, err := tx.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)

	plain, err := d.Transact()
	require.NoError(t, err)
	defer plain.Close() //nolint:errcheck // closing twice is a no-op

	v, err = plain.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func testTxnSnapshotWriteConflict(t *testing.T, d *DB) {
	require.NoError(t, d.Put(0, []byte("ctr"), []byte("0")))

	tx, err := d.TransactWith(TxOptions{Snapshot: true})
	require.NoError(t, err)
	defer tx.Close() //nolint:errcheck // closing twice is a no-op

	require.NoError(t, d.Put(0, []byte("ctr"), []byte("1")))

	// The snapshot still reads 0, so incrementing it would drop the
	// concurrent increment.
	_, err = tx.GetForUpdate(0, []byte("ctr"))
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.Equal(t, status.Busy, status.CodeOf(err))
	assert.ErrorIs(t, tx.Put(0, []byte("ctr"), []byte("1")), ErrWriteConflict)
	assert.EqualValues(t, 2, d.metrics.counter(metricConflicts))

	// The rejected key was not left locked.
	require.NoError(t, d.Put(0, []byte("ctr"), []byte("2")))

	// Keys untouched since begin stay writable.
	require.NoError(t, tx.Put(0, []byte("other"), []byte("x")))
	require.NoError(t, tx.Commit())

	v, err := d.Get(0, []byte("ctr"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
	v, err = d.Get(0, []byte("other"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)
}

func testTxnIterator(t *testing.T, d *DB) {
	putAll(t, d, map[string]string{"a": "1", "b": "2", "c": "3", "e": "5"})

	tx, err := d.Transact()
	require.NoError(t, err)
	defer tx.Close() //nolint:errcheck // closing twice is a no-op

	require.NoError(t, tx.Put(0, []byte("b"), []byte("two")))
	require.NoError(t, tx.Put(0, []byte("bb"), []byte("new")))
	require.NoError(t, tx.Delete(0, []byte("c")))
	require.NoError(t, tx.Put(0, []byte("f"), []byte("6")))

	iter, err := tx.NewIterator(0, nil, nil)
	require.NoError(t, err)
	keys, values := collect(t, iter)
	assert.Equal(t, []string{"a", "b", "bb", "e", "f"}, keys)
	assert.Equal(t, []string{"1", "two", "new", "5", "6"}, values)

	require.True(t, iter.SeekGE([]byte("c")))
	assert.Equal(t, []byte("e"), iter.Key())
	require.NoError(t, iter.Close())

	iter, err = tx.NewIterator(0, []byte("b"), []byte("e"))
	require.NoError(t, err)
	keys, _ = collect(t, iter)
	require.NoError(t, iter.Close())
	assert.Equal(t, []string{"b", "bb"}, keys)
}

func testOptimisticConflict(t *testing.T, d *DB) {
	tx1, err := d.Transact()
	require.NoError(t, err)
	tx2, err := d.Transact()
	require.NoError(t, err)

	// No locks: both writes are accepted.
	require.NoError(t, tx1.Put(0, []byte("k"), []byte("one")))
	require.NoError(t, tx2.Put(0, []byte("k"), []byte("two")))

	require.NoError(t, tx1.Commit())
	err = tx2.Commit()
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.Equal(t, status.Busy, status.CodeOf(err))
	assert.EqualValues(t, 1, d.metrics.counter(metricConflicts))

	v, err := d.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	// The conflict ended tx2.
	assert.ErrorIs(t, tx2.Commit(), ErrTxnDone)
}

func testOptimisticGetForUpdate(t *testing.T, d *DB) {
	require.NoError(t, d.Put(0, []byte("balance"), []byte("10")))

	tx, err := d.Transact()
	require.NoError(t, err)

	v, err := tx.GetForUpdate(0, []byte("balance"))
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), v)

	require.NoError(t, d.Put(0, []byte("balance"), []byte("20")))

	require.NoError(t, tx.Put(0, []byte("audit"), []byte("read 10")))
	assert.ErrorIs(t, tx.Commit(), ErrWriteConflict)

	_, err = d.Get(0, []byte("audit"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testOptimisticPrune(t *testing.T, d *DB) {
	require.NoError(t, d.Put(0, []byte("a"), []byte("1")))
	assert.Zero(t, d.versions.Size())

	tx, err := d.Transact()
	require.NoError(t, err)
	require.NoError(t, d.Put(0, []byte("b"), []byte("2")))
	// tx began before the write to b and may still conflict on it.
	assert.Equal(t, 1, d.versions.Size())

	require.NoError(t, tx.Rollback())
	require.NoError(t, d.Put(0, []byte("c"), []byte("3")))
	assert.Zero(t, d.versions.Size())
}
