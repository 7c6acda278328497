// Package comparator wraps host-supplied three-way comparison functions as
// named orderings the engine can install.
//
// A comparator's name is persisted alongside the data it orders and checked
// on every reopen. Changing what a function returns while keeping its name is
// forbidden: the engine cannot detect it and previously written data becomes
// unreadable in the wrong order. Register a new name instead.
package comparator

import (
	"bytes"

	"github.com/eigerco/kvbridge/pkg/status"
)

const (
	BytewiseName        = "leveldb.BytewiseComparator"
	ReverseBytewiseName = "rocksdb.ReverseBytewiseComparator"
)

// Func orders a before b when negative, after b when positive and equal to b
// when zero. It must be antisymmetric and transitive, and must return zero
// for byte-identical inputs.
type Func func(a, b []byte) int8

// Comparator is an ordering the engine can be configured with.
type Comparator interface {
	Compare(a, b []byte) int
	Name() string
	// CanKeysWithDifferentByteContentsBeEqual reports whether two keys with
	// different bytes may compare equal. When true, filters keyed on raw
	// bytes must stay disabled.
	CanKeysWithDifferentByteContentsBeEqual() bool
	// FindShortestSeparator appends to dst a key k with start <= k < limit.
	FindShortestSeparator(dst, start, limit []byte) []byte
	// FindShortSuccessor appends to dst a key k with k >= key.
	FindShortSuccessor(dst, key []byte) []byte
}

// Adapter is a Comparator backed by a Func.
type Adapter struct {
	name          string
	canEqualBytes bool
	fn            Func
}

// New builds an Adapter. The name must be non-empty and fn non-nil.
func New(name string, canDifferentBytesBeEqual bool, fn Func) (*Adapter, error) {
	if name == "" {
		return nil, status.New(status.InvalidArgument, "comparator: empty name")
	}
	if fn == nil {
		return nil, status.Newf(status.InvalidArgument, "comparator %q: nil compare function", name)
	}
	return &Adapter{name: name, canEqualBytes: canDifferentBytesBeEqual, fn: fn}, nil
}

// MustNew is New for package-level built-ins.
func MustNew(name string, canDifferentBytesBeEqual bool, fn Func) *Adapter {
	a, err := New(name, canDifferentBytesBeEqual, fn)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Adapter) Compare(x, y []byte) int {
	return int(a.fn(x, y))
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) CanKeysWithDifferentByteContentsBeEqual() bool {
	return a.canEqualBytes
}

// FindShortestSeparator never shortens: the function is opaque, so any key
// other than start itself could land on the wrong side of limit.
func (a *Adapter) FindShortestSeparator(dst, start, _ []byte) []byte {
	return append(dst, start...)
}

// FindShortSuccessor never shortens, for the same reason.
func (a *Adapter) FindShortSuccessor(dst, key []byte) []byte {
	return append(dst, key...)
}

// Func returns the underlying compare function.
func (a *Adapter) Func() Func {
	return a.fn
}

// Sign clamps a three-way result into the int8 range callers exchange.
func Sign(c int) int8 {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}

var (
	bytewise        = MustNew(BytewiseName, false, func(a, b []byte) int8 { return Sign(bytes.Compare(a, b)) })
	reverseBytewise = MustNew(ReverseBytewiseName, false, func(a, b []byte) int8 { return Sign(bytes.Compare(b, a)) })
)

// Bytewise orders keys lexicographically by unsigned byte value.
func Bytewise() *Adapter { return bytewise }

// ReverseBytewise is Bytewise reversed.
func ReverseBytewise() *Adapter { return reverseBytewise }

// Builtin returns the built-in comparator registered under name.
func Builtin(name string) (*Adapter, bool) {
	switch name {
	case BytewiseName, "", "bytewise":
		return bytewise, true
	case ReverseBytewiseName, "reverse":
		return reverseBytewise, true
	}
	return nil, false
}
