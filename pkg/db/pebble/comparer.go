package pebble

import (
	"bytes"

	"github.com/cockroachdb/pebble"
)

// ComparerName is recorded by the engine in its manifest. Per family
// orderings are recorded in the column family registry.
const ComparerName = "kvbridge.cf.v1"

// familyComparer orders engine keys by header first and, inside a family, by
// that family's comparator. The table is fixed at open.
type familyComparer struct {
	byID []*columnFamily
}

func newFamilyComparer(families []*columnFamily) *familyComparer {
	var maxID uint32
	for _, cf := range families {
		maxID = max(maxID, cf.id)
	}
	fc := &familyComparer{byID: make([]*columnFamily, maxID+1)}
	for _, cf := range families {
		fc.byID[cf.id] = cf
	}
	return fc
}

func (fc *familyComparer) compare(a, b []byte) int {
	if len(a) < headerLen || len(b) < headerLen {
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(a[:headerLen], b[:headerLen]); c != 0 {
		return c
	}
	if a[4] != tagUser {
		return bytes.Compare(a[headerLen:], b[headerLen:])
	}
	id, _ := familyID(a)
	if int(id) < len(fc.byID) && fc.byID[id] != nil {
		return fc.byID[id].cmp.Compare(a[headerLen:], b[headerLen:])
	}
	return bytes.Compare(a[headerLen:], b[headerLen:])
}

// abbreviatedKey packs the header, which alone decides order across
// families, so it stays consistent with any per-family comparator.
func abbreviatedKey(k []byte) uint64 {
	var v uint64
	n := min(len(k), headerLen)
	for i := 0; i < n; i++ {
		v |= uint64(k[i]) << (56 - 8*i)
	}
	return v
}

func (fc *familyComparer) engineComparer() *pebble.Comparer {
	return &pebble.Comparer{
		Compare:        fc.compare,
		Equal:          func(a, b []byte) bool { return fc.compare(a, b) == 0 },
		AbbreviatedKey: abbreviatedKey,
		FormatKey:      pebble.DefaultComparer.FormatKey,
		// Shortening is disabled: a shortened key could fall on the wrong side
		// of a limit under an opaque ordering.
		Separator: func(dst, a, _ []byte) []byte { return append(dst, a...) },
		Successor: func(dst, a []byte) []byte { return append(dst, a...) },
		Name:      ComparerName,
	}
}
