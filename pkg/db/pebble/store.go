package pebble

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/eigerco/kvbridge/pkg/comparator"
	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/puzpuzpuz/xsync/v3"
)

var _ db.KVStore = (*DB)(nil)

const memPath = "kvbridge-mem"

// DB is the root handle. It owns the engine, the comparators installed in
// it and the column family table, and it is safe for concurrent use. The
// column family table never changes after Open.
type DB struct {
	session

	opts       Options
	path       string
	fs         vfs.FS
	db         *pebble.DB
	engineOpts *pebble.Options
	wo         *pebble.WriteOptions

	families []*columnFamily
	byName   map[string]*columnFamily

	// Comparators are referenced by the engine and must outlive it.
	primary   comparator.Comparator
	secondary comparator.Comparator

	locks *lockTable

	// Optimistic commit state: commitMu orders validation and apply, seq
	// counts commits and versions maps engine keys to the seq of their last
	// committed write.
	commitMu sync.Mutex
	seq      atomic.Uint64
	versions *xsync.MapOf[string, uint64]

	metrics *dbMetrics
}

// Open opens or creates the database described by opts. When useCmp is set,
// column families ordered "primary" or "secondary" use the given functions
// under the names from opts; otherwise they fall back to bytewise order. On
// failure nothing is left open and the returned handle is nil.
func Open(opts Options, useCmp bool, primary, secondary comparator.Func) (*DB, error) {
	var pri, snd comparator.Comparator
	if useCmp {
		if primary != nil {
			c, err := comparator.New(opts.PrimaryComparator.Name, opts.PrimaryComparator.DifferentBytesCanBeEqual, primary)
			if err != nil {
				return nil, err
			}
			pri = c
		}
		if secondary != nil {
			c, err := comparator.New(opts.SecondaryComparator.Name, opts.SecondaryComparator.DifferentBytesCanBeEqual, secondary)
			if err != nil {
				return nil, err
			}
			snd = c
		}
	}
	return OpenWithComparators(opts, useCmp, pri, snd)
}

// OpenWithComparators is Open for comparators built elsewhere, for example
// bound from a shared library.
func OpenWithComparators(opts Options, useCmp bool, primary, secondary comparator.Comparator) (*DB, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	d := &DB{
		session:   newSession(),
		opts:      opts,
		path:      opts.Path,
		fs:        vfs.Default,
		wo:        opts.writeOptions(),
		byName:    make(map[string]*columnFamily, len(opts.ColumnFamilies)),
		primary:   primary,
		secondary: secondary,
		locks:     newLockTable(),
		versions:  xsync.NewMapOf[string, uint64](),
		metrics:   newDBMetrics(),
	}
	if opts.InMemory {
		d.fs = vfs.NewMem()
		if d.path == "" {
			d.path = memPath
		}
	}

	cmps := make([]comparator.Comparator, len(opts.ColumnFamilies))
	for i, cfg := range opts.ColumnFamilies {
		c, err := d.orderingComparator(cfg, useCmp)
		if err != nil {
			return nil, err
		}
		cmps[i] = c
	}

	reg, err := loadRegistry(d.fs, d.path)
	if err != nil {
		return nil, status.Convert(err)
	}
	records, changed, err := reg.resolve(opts.ColumnFamilies, cmps)
	if err != nil {
		return nil, err
	}

	filters := true
	for i, rec := range records {
		cf := newColumnFamily(rec.Name, rec.ID, i, opts.ColumnFamilies[i].Ordering, cmps[i])
		d.families = append(d.families, cf)
		d.byName[cf.name] = cf
		if cmps[i].CanKeysWithDifferentByteContentsBeEqual() {
			filters = false
		}
	}

	cmp := newFamilyComparer(d.families).engineComparer()
	d.engineOpts = opts.engineOptions(d.fs, cmp, filters, d.eventListener())

	start := time.Now()
	pdb, err := pebble.Open(d.path, d.engineOpts)
	if d.engineOpts.Cache != nil {
		// The engine holds its own reference from here on.
		d.engineOpts.Cache.Unref()
	}
	if err != nil {
		return nil, status.Convert(err)
	}
	d.db = pdb

	if changed {
		if err := reg.store(d.fs, d.path); err != nil {
			pdb.Close() //nolint:errcheck // already failing
			return nil, status.Convert(err)
		}
	}

	d.metrics.gauge(metricOpenHandles, func() float64 { return float64(d.handles.Size()) })
	d.metrics.observe("open", start, nil)
	log.Bridge.Info().Str("path", d.path).Int("column_families", len(d.families)).
		Bool("optimistic", opts.Optimistic).Msg("database opened")
	return d, nil
}

func (d *DB) orderingComparator(cfg ColumnFamilyOptions, useCmp bool) (comparator.Comparator, error) {
	switch cfg.Ordering {
	case "", OrderBytewise:
		return comparator.Bytewise(), nil
	case OrderReverseBytewise:
		return comparator.ReverseBytewise(), nil
	case OrderPrimary, OrderSecondary:
		if !useCmp {
			return comparator.Bytewise(), nil
		}
		c := d.primary
		if cfg.Ordering == OrderSecondary {
			c = d.secondary
		}
		if c == nil {
			return nil, status.Newf(status.InvalidArgument,
				"column family %q uses the %s comparator but none was supplied", cfg.Name, cfg.Ordering)
		}
		return c, nil
	}
	return nil, status.Newf(status.InvalidArgument, "column family %q: unknown ordering %q", cfg.Name, cfg.Ordering)
}

// family resolves a column family index. Out of range is a caller error and
// reported, never a panic.
func (d *DB) family(cf int) (*columnFamily, error) {
	if cf < 0 || cf >= len(d.families) {
		return nil, invalidCF(cf, len(d.families))
	}
	return d.families[cf], nil
}

// Path returns the directory the database was opened at.
func (d *DB) Path() string {
	return d.path
}

// ColumnFamily returns the index of the named column family.
func (d *DB) ColumnFamily(name string) (int, error) {
	cf, ok := d.byName[name]
	if !ok {
		return 0, status.Newf(status.InvalidArgument, "unknown column family %q", name)
	}
	return cf.index, nil
}

// ColumnFamilies lists the family names in index order.
func (d *DB) ColumnFamilies() []string {
	names := make([]string, len(d.families))
	for i, cf := range d.families {
		names[i] = cf.name
	}
	return names
}

// ComparatorName returns the name of the comparator ordering cf.
func (d *DB) ComparatorName(cf int) (string, error) {
	f, err := d.family(cf)
	if err != nil {
		return "", err
	}
	return f.cmp.Name(), nil
}

// Get reads the latest committed value of key.
func (d *DB) Get(cf int, key []byte) (value []byte, err error) {
	defer func(start time.Time) { d.metrics.observe("get", start, err) }(time.Now())

	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	f, err := d.family(cf)
	if err != nil {
		return nil, err
	}
	return getCopy(d.db, f.key(key))
}

type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func getCopy(g getter, key []byte) ([]byte, error) {
	value, closer, err := g.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, status.Convert(err)
	}
	defer closer.Close() //nolint:errcheck // closing a get result does not fail

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put writes key in its own transaction.
func (d *DB) Put(cf int, key, value []byte) error {
	return d.Update(func(tx *Transaction) error {
		return tx.Put(cf, key, value)
	})
}

// Delete removes key in its own transaction.
func (d *DB) Delete(cf int, key []byte) error {
	return d.Update(func(tx *Transaction) error {
		return tx.Delete(cf, key)
	})
}

// NewIterator iterates the latest committed state of cf in [lower, upper).
func (d *DB) NewIterator(cf int, lower, upper []byte) (db.Iterator, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	f, err := d.family(cf)
	if err != nil {
		return nil, err
	}
	return d.newIterator(d.db, f, lower, upper)
}

type iterSource interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// newIterator must run between enter and leave.
func (d *DB) newIterator(src iterSource, f *columnFamily, lower, upper []byte) (*Iterator, error) {
	lo, hi := f.bounds(lower, upper)
	iter, err := src.NewIter(&pebble.IterOptions{
		LowerBound: lo,
		UpperBound: hi,
	})
	if err != nil {
		return nil, status.Convert(fmt.Errorf(ErrInIteratorCreation, err))
	}
	id := d.register(kindIterator, 0)
	return &Iterator{iter: iter, cf: f, release: func() { d.release(id) }}, nil
}

// Snapshot pins the current state for reads.
func (d *DB) Snapshot() (*Snapshot, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	s := &Snapshot{db: d, snap: d.db.NewSnapshot()}
	s.id = d.register(kindSnapshot, 0)
	return s, nil
}

// View runs fn against a snapshot released when fn returns.
func (d *DB) View(fn func(s *Snapshot) error) error {
	s, err := d.Snapshot()
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // release is idempotent
	return fn(s)
}

// Update runs fn in a transaction committed when fn returns nil and rolled
// back otherwise.
func (d *DB) Update(fn func(tx *Transaction) error) error {
	tx, err := d.Transact()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck // fn error takes precedence
		return err
	}
	return tx.Commit()
}

// Flush writes the memtable out to the engine's files.
func (d *DB) Flush() error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	return status.Convert(d.db.Flush())
}

// Metrics returns the engine's internal metrics.
func (d *DB) Metrics() (*pebble.Metrics, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	return d.db.Metrics(), nil
}

// WriteMetrics writes the bridge metrics in Prometheus text format.
func (d *DB) WriteMetrics(w io.Writer) {
	d.metrics.write(w)
}

// Close releases the engine. It fails with Busy while snapshots,
// transactions, iterators or sst writers are open; close those first. A
// closed database fails every further call on it or its handles with
// ShutdownInProgress. Closing twice is a no-op.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	if err := d.outstanding(); err != nil {
		return err
	}
	d.closed = true

	// The family table is read without locking and stays in place; the
	// closed flag already fences it. The engine goes before the comparators
	// it referenced.
	err := status.Convert(d.db.Close())
	d.primary, d.secondary = nil, nil

	if d.opts.DestroyOnExit {
		if rmErr := d.fs.RemoveAll(d.path); rmErr != nil && err == nil {
			err = status.Convert(rmErr)
		}
	}
	log.Bridge.Info().Str("path", d.path).Bool("destroyed", d.opts.DestroyOnExit).Msg("database closed")
	return err
}
