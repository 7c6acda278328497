package main

import (
	"runtime/cgo"

	"github.com/eigerco/kvbridge/pkg/comparator"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/db/pebble"
	"github.com/eigerco/kvbridge/pkg/hostcmp"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/goccy/go-yaml"
)

var errInvalidHandle = status.New(status.InvalidArgument, "invalid or released handle")

// parseOptions reads DbOpts from YAML over the defaults. Empty input gives
// the defaults.
func parseOptions(data []byte) (pebble.Options, error) {
	opts := pebble.DefaultOptions("")
	if len(data) == 0 {
		return opts, nil
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, status.Newf(status.InvalidArgument, "parse options: %v", err).Wrap(err)
	}
	return opts, nil
}

// openDB opens the database, wrapping the host's comparison functions when
// useCmp is set. A zero function pointer leaves that ordering unset.
func openDB(optsYAML []byte, useCmp bool, primary, secondary uintptr) (*pebble.DB, error) {
	opts, err := parseOptions(optsYAML)
	if err != nil {
		return nil, err
	}

	var pri, snd comparator.Comparator
	if useCmp {
		if primary != 0 {
			c, err := hostcmp.FromPointer(opts.PrimaryComparator.Name, opts.PrimaryComparator.DifferentBytesCanBeEqual, primary)
			if err != nil {
				return nil, err
			}
			pri = c
		}
		if secondary != 0 {
			c, err := hostcmp.FromPointer(opts.SecondaryComparator.Name, opts.SecondaryComparator.DifferentBytesCanBeEqual, secondary)
			if err != nil {
				return nil, err
			}
			snd = c
		}
	}
	return pebble.OpenWithComparators(opts, useCmp, pri, snd)
}

func initLogger(level string, json bool) error {
	lvl, err := log.ParseLogLevel(level)
	if err != nil {
		return status.Newf(status.InvalidArgument, "log level %q: %v", level, err)
	}
	typ := log.ConsoleLogger
	if json {
		typ = log.JSONLogger
	}
	log.Init(log.Options{LogLevel: lvl, Type: typ})
	return nil
}

func newHandle(v any) uintptr {
	return uintptr(cgo.NewHandle(v))
}

// lookup resolves a handle to a value of type T. Zero, released and foreign
// handles report InvalidArgument instead of crashing the host.
func lookup[T any](h uintptr) (v T, err error) {
	if h == 0 {
		return v, errInvalidHandle
	}
	defer func() {
		if recover() != nil {
			err = errInvalidHandle
		}
	}()
	v, ok := cgo.Handle(h).Value().(T)
	if !ok {
		return v, status.Newf(status.InvalidArgument, "handle is a %T, not a %T", cgo.Handle(h).Value(), v)
	}
	return v, nil
}

// release drops a handle. Releasing an invalid handle is a no-op.
func release(h uintptr) {
	if h == 0 {
		return
	}
	defer func() { recover() }() //nolint:errcheck // double release is tolerated
	cgo.Handle(h).Delete()
}

type iterable interface {
	NewIterator(cf int, lower, upper []byte) (db.Iterator, error)
}

// openIterator opens an iterator over cf in [lower, upper) on the T behind h
// and returns its handle. An empty bound is unbounded on that side.
func openIterator[T iterable](h uintptr, cf int, lower, upper []byte) (uintptr, error) {
	src, err := lookup[T](h)
	if err != nil {
		return 0, err
	}
	it, err := src.NewIterator(cf, lower, upper)
	if err != nil {
		return 0, err
	}
	return newHandle(it), nil
}

// step applies move to the iterator behind h. It reports false with a nil
// error once the iterator is exhausted.
func step(h uintptr, move func(db.Iterator) bool) (bool, error) {
	it, err := lookup[db.Iterator](h)
	if err != nil {
		return false, err
	}
	if move(it) {
		return true, nil
	}
	return false, it.Error()
}

func iterKey(h uintptr) ([]byte, error) {
	it, err := lookup[db.Iterator](h)
	if err != nil {
		return nil, err
	}
	if !it.Valid() {
		return nil, pebble.ErrIteratorInvalid
	}
	return it.Key(), nil
}

func iterValue(h uintptr) ([]byte, error) {
	it, err := lookup[db.Iterator](h)
	if err != nil {
		return nil, err
	}
	return it.Value()
}

// closeIterator closes the iterator behind h and drops the handle.
func closeIterator(h uintptr) error {
	it, err := lookup[db.Iterator](h)
	if err != nil {
		return err
	}
	err = it.Close()
	release(h)
	return err
}
