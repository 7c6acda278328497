//go:build darwin || freebsd || linux

// Package hostcmp binds comparison functions that live in native code, either
// as a raw C function pointer handed over by the host or as an exported symbol
// of a shared library, to comparator.Adapter values.
//
// The expected C signature is
//
//	int8_t cmp(const uint8_t *a, size_t a_len, const uint8_t *b, size_t b_len);
package hostcmp

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/eigerco/kvbridge/pkg/comparator"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/slice"
	"github.com/eigerco/kvbridge/pkg/status"
)

// Note: slice parameters travel as unsafe.Pointer because purego on ARM64 doesn't support slices
type cCompare func(a unsafe.Pointer, aLen uint64, b unsafe.Pointer, bLen uint64) int8

// FromPointer wraps the C function at fnPtr. The function must stay loaded
// for as long as the returned comparator is installed anywhere.
func FromPointer(name string, canDifferentBytesBeEqual bool, fnPtr uintptr) (*comparator.Adapter, error) {
	if fnPtr == 0 {
		return nil, status.Newf(status.InvalidArgument, "comparator %q: null function pointer", name)
	}
	var call cCompare
	purego.RegisterFunc(&call, fnPtr)

	return comparator.New(name, canDifferentBytesBeEqual, func(a, b []byte) int8 {
		r := call(slice.Pointer(a), slice.Len(a), slice.Pointer(b), slice.Len(b))
		runtime.KeepAlive(a)
		runtime.KeepAlive(b)
		return r
	})
}

// Library is a shared object exporting comparison functions.
type Library struct {
	path   string
	handle uintptr

	mu     sync.Mutex
	closed bool
}

// Open loads the shared library at path.
func Open(path string) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, status.Newf(status.IOError, "load comparator library %s: %v", path, err).Wrap(err)
	}
	log.Bridge.Debug().Str("path", path).Msg("comparator library loaded")
	return &Library{path: path, handle: handle}, nil
}

// Comparator binds the exported symbol under the given comparator name.
func (l *Library) Comparator(symbol, name string, canDifferentBytesBeEqual bool) (*comparator.Adapter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, status.Newf(status.InvalidArgument, "comparator library %s is closed", l.path)
	}
	fnPtr, err := purego.Dlsym(l.handle, symbol)
	if err != nil {
		return nil, status.Newf(status.NotFound, "symbol %s in %s: %v", symbol, l.path, err).Wrap(err)
	}
	return FromPointer(name, canDifferentBytesBeEqual, fnPtr)
}

// Close unloads the library. Comparators bound from it must no longer be in
// use, which means every database that installed them is closed.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := purego.Dlclose(l.handle); err != nil {
		return status.Newf(status.IOError, "unload %s: %v", l.path, err).Wrap(err)
	}
	return nil
}
