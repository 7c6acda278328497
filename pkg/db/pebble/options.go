package pebble

import (
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/status"
)

// Ordering selects which comparator a column family is kept in.
type Ordering string

const (
	OrderBytewise        Ordering = "bytewise"
	OrderReverseBytewise Ordering = "reverse"
	OrderPrimary         Ordering = "primary"
	OrderSecondary       Ordering = "secondary"
)

const DefaultColumnFamily = "default"

// ComparatorOptions names a host-supplied ordering.
type ComparatorOptions struct {
	Name                     string `yaml:"name"`
	DifferentBytesCanBeEqual bool   `yaml:"different_bytes_can_be_equal"`
}

// ColumnFamilyOptions configures one column family. Its position in
// Options.ColumnFamilies is its index for the lifetime of the handle.
type ColumnFamilyOptions struct {
	Name     string   `yaml:"name"`
	Ordering Ordering `yaml:"ordering"`
	// ProbeKeys, when set, are compared pairwise at every open and the result
	// is checked against the first open, catching a comparator whose
	// behaviour changed under an unchanged name.
	ProbeKeys []string `yaml:"probe_keys,omitempty"`
}

// Options is the open-time configuration. It is immutable after open.
type Options struct {
	Path            string `yaml:"path"`
	InMemory        bool   `yaml:"in_memory"`
	CreateIfMissing bool   `yaml:"create_if_missing"`
	ErrorIfExists   bool   `yaml:"error_if_exists"`
	DestroyOnExit   bool   `yaml:"destroy_on_exit"`

	// Optimistic selects validation at commit instead of per-key locks.
	Optimistic  bool          `yaml:"optimistic"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	Sync        bool          `yaml:"sync"`
	DisableWAL  bool          `yaml:"disable_wal"`

	PrepareForBulkLoad  bool   `yaml:"prepare_for_bulk_load"`
	IncreaseParallelism int    `yaml:"increase_parallelism"`
	ParanoidChecks      bool   `yaml:"paranoid_checks"`
	UseBloomFilter      bool   `yaml:"use_bloom_filter"`
	BloomBitsPerKey     int    `yaml:"bloom_filter_bits_per_key"`
	Compression         string `yaml:"compression"`
	BlockSize           int    `yaml:"block_size"`
	MemTableSize        uint64 `yaml:"memtable_size"`
	CacheSize           int64  `yaml:"cache_size"`
	MaxOpenFiles        int    `yaml:"max_open_files"`

	PrimaryComparator   ComparatorOptions `yaml:"primary_comparator"`
	SecondaryComparator ComparatorOptions `yaml:"secondary_comparator"`

	ColumnFamilies []ColumnFamilyOptions `yaml:"column_families"`
}

// DefaultOptions returns options for a durable database with a single
// primary-ordered column family.
func DefaultOptions(path string) Options {
	return Options{
		Path:            path,
		CreateIfMissing: true,
		LockTimeout:     time.Second,
		Sync:            true,
		UseBloomFilter:  true,
		BloomBitsPerKey: 10,
		Compression:     "snappy",
		BlockSize:       4 << 10,
		MemTableSize:    32 << 20,
		CacheSize:       64 << 20,
		MaxOpenFiles:    1000,
		PrimaryComparator: ComparatorOptions{
			Name: "kvbridge.primary",
		},
		ColumnFamilies: []ColumnFamilyOptions{
			{Name: DefaultColumnFamily, Ordering: OrderPrimary},
		},
	}
}

func (o *Options) validate() error {
	if o.Path == "" && !o.InMemory {
		return status.New(status.InvalidArgument, "database path is empty")
	}
	if len(o.ColumnFamilies) == 0 {
		return status.New(status.InvalidArgument, "no column families configured")
	}
	seen := make(map[string]struct{}, len(o.ColumnFamilies))
	for _, cf := range o.ColumnFamilies {
		if cf.Name == "" {
			return status.New(status.InvalidArgument, "column family with empty name")
		}
		if _, ok := seen[cf.Name]; ok {
			return status.Newf(status.InvalidArgument, "column family %q configured twice", cf.Name)
		}
		seen[cf.Name] = struct{}{}
		switch cf.Ordering {
		case "", OrderBytewise, OrderReverseBytewise, OrderPrimary, OrderSecondary:
		default:
			return status.Newf(status.InvalidArgument, "column family %q: unknown ordering %q", cf.Name, cf.Ordering)
		}
	}
	if _, err := parseCompression(o.Compression); err != nil {
		return err
	}
	return nil
}

func (o *Options) writeOptions() *pebble.WriteOptions {
	if o.Sync && !o.DisableWAL {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (o *Options) lockTimeout() time.Duration {
	if o.LockTimeout <= 0 {
		return time.Second
	}
	return o.LockTimeout
}

func parseCompression(s string) (pebble.Compression, error) {
	switch strings.ToLower(s) {
	case "", "snappy":
		return pebble.SnappyCompression, nil
	case "zstd":
		return pebble.ZstdCompression, nil
	case "none", "no":
		return pebble.NoCompression, nil
	}
	return pebble.DefaultCompression, status.Newf(status.InvalidArgument, "unknown compression %q", s)
}

// engineOptions translates Options into the engine's configuration. filters
// is false when any column family may hold byte-different equal keys.
func (o *Options) engineOptions(fs vfs.FS, cmp *pebble.Comparer, filters bool, listener *pebble.EventListener) *pebble.Options {
	compression, _ := parseCompression(o.Compression)

	opts := &pebble.Options{
		Comparer:         cmp,
		ErrorIfExists:    o.ErrorIfExists,
		ErrorIfNotExists: !o.CreateIfMissing,
		DisableWAL:       o.DisableWAL,
		MaxOpenFiles:     o.MaxOpenFiles,
		MemTableSize:     o.MemTableSize,
		Logger:           log.Pebble(),
		EventListener:    listener,
		FS:               fs,
	}
	if o.CacheSize > 0 {
		opts.Cache = pebble.NewCache(o.CacheSize)
	}

	parallelism := o.IncreaseParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	if parallelism > runtime.NumCPU() {
		parallelism = runtime.NumCPU()
	}
	opts.MaxConcurrentCompactions = func() int { return parallelism }

	if o.PrepareForBulkLoad {
		opts.DisableAutomaticCompactions = true
		opts.L0CompactionThreshold = 1 << 20
		opts.L0StopWritesThreshold = 1 << 30
	}
	opts.Experimental.ValidateOnIngest = o.ParanoidChecks

	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		l := &opts.Levels[i]
		l.BlockSize = o.BlockSize
		l.Compression = compression
		if filters && o.UseBloomFilter {
			bits := o.BloomBitsPerKey
			if bits <= 0 {
				bits = 10
			}
			l.FilterPolicy = bloom.FilterPolicy(bits)
			l.FilterType = pebble.TableFilter
		}
		l.TargetFileSize = 2 << 20
		if i > 0 {
			l.TargetFileSize = opts.Levels[i-1].TargetFileSize * 2
		}
	}
	return opts.EnsureDefaults()
}
