package db

// Reader is implemented by every read view: the database itself, snapshots
// and transactions. Column families are addressed by the small integer index
// fixed when the database was opened.
type Reader interface {
	Get(cf int, key []byte) ([]byte, error)
	NewIterator(cf int, lower, upper []byte) (Iterator, error)
}

type Writer interface {
	Put(cf int, key []byte, value []byte) error
	Delete(cf int, key []byte) error
}

// KVStore is a column-family aware key-value store.
type KVStore interface {
	Reader
	Writer
	NewBatch() Batch
	Close() error
}

// Batch represents an atomic batch of operations.
// All operations in a batch are performed atomically.
type Batch interface {
	Writer
	DeleteRange(cf int, start, end []byte) error
	Commit() error
	Close() error
}

// Iterator provides sequential access over a range of key-value pairs in
// the column family's order. Iterators must be closed after use.
type Iterator interface {
	// First positions the iterator on the first key in range.
	First() bool
	// SeekGE positions the iterator on the first key at or after key.
	SeekGE(key []byte) bool
	// Next advances the iterator. An unpositioned iterator moves to First.
	Next() bool
	Key() []byte
	Value() ([]byte, error)
	Valid() bool
	Error() error
	Close() error
}
