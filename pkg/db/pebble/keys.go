package pebble

import (
	"encoding/binary"

	"github.com/eigerco/kvbridge/pkg/comparator"
)

// Every engine key starts with a 5 byte header: the column family id, big
// endian, followed by a tag. User keys carry tagUser; the two sentinels bound
// the family's key space and never hold data.
const (
	headerLen = 5

	tagLower byte = 0x00
	tagUser  byte = 0x01
	tagUpper byte = 0x02
)

type columnFamily struct {
	name     string
	id       uint32
	index    int
	ordering Ordering
	cmp      comparator.Comparator

	lower []byte
	upper []byte
}

func newColumnFamily(name string, id uint32, index int, ordering Ordering, cmp comparator.Comparator) *columnFamily {
	return &columnFamily{
		name:     name,
		id:       id,
		index:    index,
		ordering: ordering,
		cmp:      cmp,
		lower:    makeHeader(id, tagLower),
		upper:    makeHeader(id, tagUpper),
	}
}

func makeHeader(id uint32, tag byte) []byte {
	h := make([]byte, headerLen)
	binary.BigEndian.PutUint32(h, id)
	h[4] = tag
	return h
}

// makeKey prefixes a user key with the column family header.
func makeKey(id uint32, key []byte) []byte {
	out := make([]byte, headerLen+len(key))
	binary.BigEndian.PutUint32(out, id)
	out[4] = tagUser
	copy(out[headerLen:], key)
	return out
}

func (cf *columnFamily) key(user []byte) []byte {
	return makeKey(cf.id, user)
}

// bounds maps user bounds to engine bounds. An empty bound is unbounded on
// that side.
func (cf *columnFamily) bounds(lower, upper []byte) ([]byte, []byte) {
	lo, hi := cf.lower, cf.upper
	if len(lower) > 0 {
		lo = cf.key(lower)
	}
	if len(upper) > 0 {
		hi = cf.key(upper)
	}
	return lo, hi
}

// userKey strips the header from an engine key. The result aliases k.
func userKey(k []byte) []byte {
	if len(k) < headerLen {
		return nil
	}
	return k[headerLen:]
}

func familyID(k []byte) (uint32, bool) {
	if len(k) < headerLen || k[4] != tagUser {
		return 0, false
	}
	return binary.BigEndian.Uint32(k), true
}
