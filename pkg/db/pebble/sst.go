package pebble

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/objstorage/objstorageprovider"
	"github.com/cockroachdb/pebble/sstable"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/status"
)

type writerState uint8

const (
	writerCreated writerState = iota
	writerOpened
	writerFinished
	writerFailed
)

// SstFileInfo describes a finished external file. Keys are user keys.
type SstFileInfo struct {
	Path     string
	Smallest []byte
	Largest  []byte
	Entries  uint64
	Size     uint64
}

// SstWriter builds an external file for one column family, using the live
// database's table settings so the result can be ingested. Keys must be
// added in ascending family order; an out-of-order key fails the writer.
// A failed writer must be abandoned.
type SstWriter struct {
	db *DB
	cf *columnFamily

	mu      sync.Mutex
	state   writerState
	id      uint64
	path    string
	w       *sstable.Writer
	entries uint64
	info    SstFileInfo

	abandoned bool
}

// NewSstWriter creates an unopened writer for cf.
func (d *DB) NewSstWriter(cf int) (*SstWriter, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	f, err := d.family(cf)
	if err != nil {
		return nil, err
	}
	return &SstWriter{db: d, cf: f}, nil
}

// GetSstWriter creates a writer for cf and opens it at path.
func (d *DB) GetSstWriter(cf int, path string) (*SstWriter, error) {
	w, err := d.NewSstWriter(cf)
	if err != nil {
		return nil, err
	}
	if err := w.Open(path); err != nil {
		return nil, err
	}
	return w, nil
}

// Open creates the file at path. A writer opens once.
func (w *SstWriter) Open(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerCreated {
		return ErrWriterState
	}
	d := w.db
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	file, err := d.fs.Create(path)
	if err != nil {
		return status.Convert(err)
	}
	wopts := d.engineOpts.MakeWriterOptions(0, d.db.FormatMajorVersion().MaxTableFormat())
	w.w = sstable.NewWriter(objstorageprovider.NewFileWritable(file), wopts)
	w.path = path
	w.state = writerOpened
	w.id = d.register(kindSstWriter, 0)
	return nil
}

// Put appends key. It must order after every key added before it.
func (w *SstWriter) Put(key, value []byte) error {
	return w.add(key, func(k []byte) error { return w.w.Set(k, value) })
}

// Delete appends a tombstone for key, hiding older versions once ingested.
func (w *SstWriter) Delete(key []byte) error {
	return w.add(key, func(k []byte) error { return w.w.Delete(k) })
}

func (w *SstWriter) add(key []byte, fn func(k []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case writerOpened:
	case writerFinished:
		return ErrWriterFinished
	default:
		return ErrWriterState
	}
	if err := w.db.enter(); err != nil {
		return err
	}
	defer w.db.leave()

	if err := fn(w.cf.key(key)); err != nil {
		w.state = writerFailed
		return status.Convert(err)
	}
	w.entries++
	return nil
}

// Finish seals the file and makes it ingestible. An empty file cannot be
// finished.
func (w *SstWriter) Finish() (info SstFileInfo, err error) {
	defer func(start time.Time) { w.db.metrics.observe("sst_finish", start, err) }(time.Now())

	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case writerOpened:
	case writerFinished:
		return SstFileInfo{}, ErrWriterFinished
	default:
		return SstFileInfo{}, ErrWriterState
	}
	if err := w.db.enter(); err != nil {
		return SstFileInfo{}, err
	}
	defer w.db.leave()

	if w.entries == 0 {
		w.state = writerFailed
		return SstFileInfo{}, status.New(status.InvalidArgument, "cannot create sst file with no entries")
	}
	if err := w.w.Close(); err != nil {
		w.state = writerFailed
		w.w = nil
		return SstFileInfo{}, status.Convert(err)
	}
	meta, err := w.w.Metadata()
	if err != nil {
		w.state = writerFailed
		return SstFileInfo{}, status.Convert(err)
	}

	w.info = SstFileInfo{
		Path:     w.path,
		Smallest: cloneBytes(userKey(meta.SmallestPoint.UserKey)),
		Largest:  cloneBytes(userKey(meta.LargestPoint.UserKey)),
		Entries:  meta.Properties.NumEntries,
		Size:     meta.Size,
	}
	w.state = writerFinished
	w.db.release(w.id)
	log.Bridge.Debug().Str("path", w.path).Str("cf", w.cf.name).Uint64("entries", w.info.Entries).Msg("sst finished")
	return w.info, nil
}

// FileInfo returns what Finish returned.
func (w *SstWriter) FileInfo() (SstFileInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerFinished {
		return SstFileInfo{}, ErrWriterState
	}
	return w.info, nil
}

// Abandon discards an unfinished writer and its partial file. It is a no-op
// on a finished writer.
func (w *SstWriter) Abandon() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == writerFinished || w.abandoned {
		return nil
	}
	w.abandoned = true
	if w.state == writerCreated {
		w.state = writerFailed
		return nil
	}

	if w.w != nil {
		w.w.Close() //nolint:errcheck // the file is removed below
		w.w = nil
	}
	w.state = writerFailed
	w.db.release(w.id)

	if err := w.db.enter(); err != nil {
		return err
	}
	defer w.db.leave()
	return status.Convert(w.db.fs.Remove(w.path))
}

// IngestSst moves a finished external file into cf. The source file is
// consumed. The file must hold keys of cf only. Like DeleteRange, ingestion
// is not validated against open transactions.
func (d *DB) IngestSst(cf int, path string) (err error) {
	defer func(start time.Time) { d.metrics.observe("ingest", start, err) }(time.Now())

	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	f, err := d.family(cf)
	if err != nil {
		return err
	}
	if err := d.checkSstFamily(f, path); err != nil {
		return err
	}

	stats, err := d.db.IngestWithStats([]string{path})
	if err != nil {
		return status.Convert(err)
	}
	// The engine normally consumes the file itself.
	if err := d.removeFile(path); err != nil {
		return err
	}
	d.metrics.add(metricIngestedBytes, int(stats.Bytes))
	log.Bridge.Info().Str("path", path).Str("cf", f.name).Uint64("bytes", stats.Bytes).Msg("sst ingested")
	return nil
}

// RemoveSst deletes a finished external file that will not be ingested. A
// missing file is not an error.
func (d *DB) RemoveSst(path string) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	return d.removeFile(path)
}

func (d *DB) removeFile(path string) error {
	if err := d.fs.Remove(path); err != nil && !oserror.IsNotExist(err) {
		return status.Convert(err)
	}
	return nil
}

// checkSstFamily verifies the file's first and last keys belong to cf; the
// file is sorted, so every key between them does too.
func (d *DB) checkSstFamily(cf *columnFamily, path string) error {
	file, err := d.fs.Open(path)
	if err != nil {
		return status.Convert(err)
	}
	readable, err := sstable.NewSimpleReadable(file)
	if err != nil {
		file.Close() //nolint:errcheck // already failing
		return status.Convert(err)
	}
	ro := d.engineOpts.MakeReaderOptions()
	ro.Cache = nil
	r, err := sstable.NewReader(readable, ro)
	if err != nil {
		return status.Convert(err)
	}
	defer r.Close() //nolint:errcheck // read-only

	iter, err := r.NewIter(nil, nil)
	if err != nil {
		return status.Convert(err)
	}
	defer iter.Close() //nolint:errcheck // read-only

	wrong := func(k []byte) bool {
		id, ok := familyID(k)
		return !ok || id != cf.id
	}
	// The first key's buffer is reused by Last, so check it before moving.
	first, _ := iter.First()
	if first == nil {
		return status.Newf(status.InvalidArgument, "sst file %s has no point keys", path)
	}
	firstWrong := wrong(first.UserKey)
	last, _ := iter.Last()
	if firstWrong || last == nil || wrong(last.UserKey) {
		return status.Newf(status.InvalidArgument, "sst file %s was not written for column family %q", path, cf.name)
	}
	return nil
}
