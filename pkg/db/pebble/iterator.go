package pebble

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/status"
)

var _ db.Iterator = (*Iterator)(nil)

// Iterator walks one column family of the engine. Keys and values are
// copies and stay valid after the iterator moves.
type Iterator struct {
	iter       *pebble.Iterator
	cf         *columnFamily
	release    func()
	positioned bool
	closed     bool
}

func (it *Iterator) First() bool {
	if it.closed {
		return false
	}
	it.positioned = true
	return it.iter.First()
}

func (it *Iterator) SeekGE(key []byte) bool {
	if it.closed {
		return false
	}
	it.positioned = true
	return it.iter.SeekGE(it.cf.key(key))
}

func (it *Iterator) Next() bool {
	if it.closed {
		return false
	}
	// If the iterator is un-positioned, position it at the first key
	if !it.positioned {
		return it.First()
	}
	// Otherwise, move to the next key
	return it.iter.Next()
}

func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	key := userKey(it.iter.Key())
	result := make([]byte, len(key))
	copy(result, key)
	return result
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, ErrIteratorInvalid
	}

	val, err := it.iter.ValueAndErr()
	if err != nil {
		return nil, status.Convert(fmt.Errorf(ErrIteratorValue, err))
	}

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

func (it *Iterator) Valid() bool {
	return !it.closed && it.iter.Valid()
}

func (it *Iterator) Error() error {
	if it.closed {
		return nil
	}
	return status.Convert(it.iter.Error())
}

// Close releases the iterator. Only the first call has an effect.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.iter.Close()
	it.release()
	return status.Convert(err)
}
