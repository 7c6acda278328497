package pebble

import (
	"github.com/cockroachdb/pebble"
	"github.com/zhangyunhao116/skipmap"
)

type pendingWrite struct {
	key     []byte
	value   []byte
	deleted bool
}

type familyWrites = skipmap.FuncMap[[]byte, pendingWrite]

// writeSet buffers a transaction's writes per column family, kept in the
// family's own order so iteration can merge them with the engine.
type writeSet struct {
	families []*columnFamily
	byFamily []*familyWrites
}

func newWriteSet(families []*columnFamily) *writeSet {
	return &writeSet{
		families: families,
		byFamily: make([]*familyWrites, len(families)),
	}
}

func (w *writeSet) forFamily(cf *columnFamily) *familyWrites {
	if m := w.byFamily[cf.index]; m != nil {
		return m
	}
	cmp := cf.cmp
	m := skipmap.NewFunc[[]byte, pendingWrite](func(a, b []byte) bool {
		return cmp.Compare(a, b) < 0
	})
	w.byFamily[cf.index] = m
	return m
}

func (w *writeSet) put(cf *columnFamily, key, value []byte) {
	w.forFamily(cf).Store(key, pendingWrite{key: key, value: value})
}

func (w *writeSet) delete(cf *columnFamily, key []byte) {
	w.forFamily(cf).Store(key, pendingWrite{key: key, deleted: true})
}

func (w *writeSet) get(cf *columnFamily, key []byte) (pendingWrite, bool) {
	m := w.byFamily[cf.index]
	if m == nil {
		return pendingWrite{}, false
	}
	return m.Load(key)
}

func (w *writeSet) len() int {
	n := 0
	for _, m := range w.byFamily {
		if m != nil {
			n += m.Len()
		}
	}
	return n
}

// inRange returns the family's pending writes in [lower, upper) in order.
// Empty bounds are open.
func (w *writeSet) inRange(cf *columnFamily, lower, upper []byte) []pendingWrite {
	m := w.byFamily[cf.index]
	if m == nil {
		return nil
	}
	var out []pendingWrite
	m.Range(func(key []byte, pw pendingWrite) bool {
		if len(lower) > 0 && cf.cmp.Compare(key, lower) < 0 {
			return true
		}
		if len(upper) > 0 && cf.cmp.Compare(key, upper) >= 0 {
			return false
		}
		out = append(out, pw)
		return true
	})
	return out
}

// each visits every pending write, family by family.
func (w *writeSet) each(fn func(cf *columnFamily, pw pendingWrite) bool) {
	for i, m := range w.byFamily {
		if m == nil {
			continue
		}
		cf := w.families[i]
		stop := false
		m.Range(func(_ []byte, pw pendingWrite) bool {
			if !fn(cf, pw) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

// fill appends the writes to an engine batch.
func (w *writeSet) fill(b *pebble.Batch) error {
	var err error
	w.each(func(cf *columnFamily, pw pendingWrite) bool {
		if pw.deleted {
			err = b.Delete(cf.key(pw.key), nil)
		} else {
			err = b.Set(cf.key(pw.key), pw.value, nil)
		}
		return err == nil
	})
	return err
}
