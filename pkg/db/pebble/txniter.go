package pebble

import (
	"sort"

	"github.com/eigerco/kvbridge/pkg/db"
)

var _ db.Iterator = (*mergedIterator)(nil)

// mergedIterator overlays a transaction's pending writes on an engine
// iterator. On equal keys the pending write wins; pending deletes hide the
// engine entry.
type mergedIterator struct {
	base    *Iterator
	cf      *columnFamily
	pending []pendingWrite
	pi      int

	positioned bool
	valid      bool
	// fromBase and fromPending say which sources sit on the current key.
	fromBase    bool
	fromPending bool
}

func newMergedIterator(base *Iterator, cf *columnFamily, pending []pendingWrite) *mergedIterator {
	return &mergedIterator{base: base, cf: cf, pending: pending}
}

func (m *mergedIterator) First() bool {
	m.positioned = true
	m.base.First()
	m.pi = 0
	return m.settle()
}

func (m *mergedIterator) SeekGE(key []byte) bool {
	m.positioned = true
	m.base.SeekGE(key)
	m.pi = sort.Search(len(m.pending), func(i int) bool {
		return m.cf.cmp.Compare(m.pending[i].key, key) >= 0
	})
	return m.settle()
}

func (m *mergedIterator) Next() bool {
	if !m.positioned {
		return m.First()
	}
	if !m.valid {
		return false
	}
	if m.fromBase {
		m.base.Next()
	}
	if m.fromPending {
		m.pi++
	}
	return m.settle()
}

// settle positions on the smallest visible key at or after both cursors.
func (m *mergedIterator) settle() bool {
	for {
		baseOK := m.base.Valid()
		pendOK := m.pi < len(m.pending)
		m.fromBase, m.fromPending = false, false

		switch {
		case !baseOK && !pendOK:
			m.valid = false
			return false
		case !pendOK:
			m.fromBase = true
		case !baseOK:
			m.fromPending = true
		default:
			c := m.cf.cmp.Compare(userKey(m.base.iter.Key()), m.pending[m.pi].key)
			m.fromBase = c <= 0
			m.fromPending = c >= 0
		}

		if m.fromPending && m.pending[m.pi].deleted {
			if m.fromBase {
				m.base.Next()
			}
			m.pi++
			continue
		}
		m.valid = true
		return true
	}
}

func (m *mergedIterator) Key() []byte {
	if !m.valid {
		return nil
	}
	if m.fromPending {
		return cloneBytes(m.pending[m.pi].key)
	}
	return m.base.Key()
}

func (m *mergedIterator) Value() ([]byte, error) {
	if !m.valid {
		return nil, ErrIteratorInvalid
	}
	if m.fromPending {
		return cloneBytes(m.pending[m.pi].value), nil
	}
	return m.base.Value()
}

func (m *mergedIterator) Valid() bool {
	return m.valid && !m.base.closed
}

func (m *mergedIterator) Error() error {
	return m.base.Error()
}

func (m *mergedIterator) Close() error {
	m.valid = false
	return m.base.Close()
}
