package pebble

import (
	"sync"
	"time"
)

// lockTable hands out exclusive per-key locks to pessimistic transactions.
// Keys are engine keys, so the same user key in two families is two locks.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	// waitFor maps a waiting transaction to the holder it waits on. With
	// exclusive locks only, each waiter has at most one edge.
	waitFor map[uint64]uint64
}

type keyLock struct {
	holder   uint64
	released chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{
		locks:   make(map[string]*keyLock),
		waitFor: make(map[uint64]uint64),
	}
}

// lock blocks until txn holds key, the timeout elapses or waiting would
// close a cycle. It returns true when the lock was newly acquired.
func (t *lockTable) lock(txn uint64, key string, timeout time.Duration) (bool, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		t.mu.Lock()
		l, ok := t.locks[key]
		if !ok {
			t.locks[key] = &keyLock{holder: txn, released: make(chan struct{})}
			t.mu.Unlock()
			return true, nil
		}
		if l.holder == txn {
			t.mu.Unlock()
			return false, nil
		}
		if t.closesCycle(txn, l.holder) {
			t.mu.Unlock()
			return false, ErrDeadlock
		}
		t.waitFor[txn] = l.holder
		released := l.released
		t.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-released:
			t.stopWaiting(txn)
		case <-timer.C:
			t.stopWaiting(txn)
			return false, ErrLockTimeout
		}
	}
}

func (t *lockTable) stopWaiting(txn uint64) {
	t.mu.Lock()
	delete(t.waitFor, txn)
	t.mu.Unlock()
}

// closesCycle follows wait edges from holder; reaching txn means txn waiting
// on holder would deadlock. Caller holds t.mu.
func (t *lockTable) closesCycle(txn, holder uint64) bool {
	cur := holder
	for range len(t.waitFor) + 1 {
		if cur == txn {
			return true
		}
		next, ok := t.waitFor[cur]
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

func (t *lockTable) unlock(txn uint64, keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		l, ok := t.locks[key]
		if !ok || l.holder != txn {
			continue
		}
		delete(t.locks, key)
		close(l.released)
	}
}

func (t *lockTable) held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
