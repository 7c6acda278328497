// Package dump streams one column family out of a database and back in.
//
// A dump is a short uncompressed header followed by the record stream,
// compressed with the codec named in the header. The stream ends with the
// record count and an xxh3 checksum of every record byte. Import loads the
// records through an external sst file, so a dump lands atomically.
package dump

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/eigerco/kvbridge/pkg/db/pebble"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/zeebo/xxh3"
)

var magic = [8]byte{'K', 'V', 'B', 'D', 'U', 'M', 'P', 1}

const (
	recordEntry byte = 1
	recordEnd   byte = 0

	// maxField bounds a key, value or header string read back from a dump.
	maxField = 1 << 30
)

var ErrChecksum = status.New(status.Corruption, "dump checksum mismatch")

// ingestSst is swapped out in tests to make ingestion fail.
var ingestSst = func(d *pebble.DB, cf int, path string) error {
	return d.IngestSst(cf, path)
}

// Header describes a dump.
type Header struct {
	Codec        Codec
	Comparator   string
	ColumnFamily string
}

// Stats reports what a dump carried.
type Stats struct {
	Records uint64
	Bytes   uint64
}

// Export writes cf as of a snapshot taken at the start.
func Export(w io.Writer, d *pebble.DB, cf int, codec Codec) (Stats, error) {
	var stats Stats

	cmp, err := d.ComparatorName(cf)
	if err != nil {
		return stats, err
	}
	names := d.ColumnFamilies()
	if err := writeHeader(w, Header{Codec: codec, Comparator: cmp, ColumnFamily: names[cf]}); err != nil {
		return stats, err
	}

	cw, err := codec.writer(w)
	if err != nil {
		return stats, status.Convert(err)
	}
	bw := bufio.NewWriter(cw)
	h := xxh3.New()
	counted := &countingWriter{}
	out := io.MultiWriter(bw, h, counted)

	start := time.Now()
	err = d.View(func(s *pebble.Snapshot) error {
		iter, err := s.NewIterator(cf, nil, nil)
		if err != nil {
			return err
		}
		defer iter.Close() //nolint:errcheck // read only

		for iter.Next() {
			value, err := iter.Value()
			if err != nil {
				return err
			}
			if err := writeRecord(out, iter.Key(), value); err != nil {
				return err
			}
			stats.Records++
		}
		return iter.Error()
	})
	if err != nil {
		return stats, status.Convert(err)
	}

	var trailer [17]byte
	trailer[0] = recordEnd
	binary.BigEndian.PutUint64(trailer[1:], stats.Records)
	binary.BigEndian.PutUint64(trailer[9:], h.Sum64())
	if _, err := bw.Write(trailer[:]); err != nil {
		return stats, status.Convert(err)
	}
	if err := bw.Flush(); err != nil {
		return stats, status.Convert(err)
	}
	if err := cw.Close(); err != nil {
		return stats, status.Convert(err)
	}

	stats.Bytes = counted.n
	log.Bridge.Info().Str("cf", names[cf]).Stringer("codec", codec).Uint64("records", stats.Records).
		Dur("took", time.Since(start)).Msg("column family exported")
	return stats, nil
}

// Import loads a dump into cf. The records are staged in an sst file at
// scratch, on the database's file system, and ingested in one step; the
// file is consumed. A dump taken with a different comparator is refused.
func Import(r io.Reader, d *pebble.DB, cf int, scratch string) (Stats, error) {
	var stats Stats

	hdr, err := ReadHeader(r)
	if err != nil {
		return stats, err
	}
	cmp, err := d.ComparatorName(cf)
	if err != nil {
		return stats, err
	}
	if hdr.Comparator != cmp {
		return stats, status.Newf(status.InvalidArgument,
			"dump was ordered by %q but column family uses %q", hdr.Comparator, cmp)
	}

	cr, release, err := hdr.Codec.reader(r)
	if err != nil {
		return stats, status.Convert(err)
	}
	defer release()
	br := bufio.NewReader(cr)

	w, err := d.GetSstWriter(cf, scratch)
	if err != nil {
		return stats, err
	}
	finished := false
	defer func() {
		if !finished {
			w.Abandon() //nolint:errcheck // already failing
		}
	}()

	h := xxh3.New()
	var rec bytes.Buffer
	for {
		flag, err := br.ReadByte()
		if err != nil {
			return stats, truncated(err)
		}
		if flag == recordEnd {
			break
		}
		if flag != recordEntry {
			return stats, status.Newf(status.Corruption, "dump: unexpected record tag %d", flag)
		}
		key, value, err := readRecord(br)
		if err != nil {
			return stats, err
		}

		rec.Reset()
		writeRecord(&rec, key, value) //nolint:errcheck // bytes.Buffer writes never fail
		h.Write(rec.Bytes())          //nolint:errcheck // hash writes never fail

		if err := w.Put(key, value); err != nil {
			return stats, err
		}
		stats.Records++
		stats.Bytes += uint64(rec.Len())
	}

	var trailer [16]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return stats, truncated(err)
	}
	if n := binary.BigEndian.Uint64(trailer[:8]); n != stats.Records {
		return stats, status.Newf(status.Corruption, "dump: trailer counts %d records, read %d", n, stats.Records)
	}
	if binary.BigEndian.Uint64(trailer[8:]) != h.Sum64() {
		return stats, ErrChecksum
	}

	if stats.Records == 0 {
		return stats, nil
	}
	if _, err := w.Finish(); err != nil {
		return stats, err
	}
	finished = true
	if err := ingestSst(d, cf, scratch); err != nil {
		d.RemoveSst(scratch) //nolint:errcheck // ingestion error takes precedence
		return stats, err
	}
	log.Bridge.Info().Str("cf", hdr.ColumnFamily).Uint64("records", stats.Records).Msg("column family imported")
	return stats, nil
}

// ReadHeader reads and checks the uncompressed dump header.
func ReadHeader(r io.Reader) (Header, error) {
	var hdr Header
	var m [8]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return hdr, truncated(err)
	}
	if m != magic {
		return hdr, status.New(status.Corruption, "not a kvbridge dump")
	}
	var c [1]byte
	if _, err := io.ReadFull(r, c[:]); err != nil {
		return hdr, truncated(err)
	}
	hdr.Codec = Codec(c[0])

	br := &byteReader{r: r}
	cmp, err := readField(br)
	if err != nil {
		return hdr, err
	}
	name, err := readField(br)
	if err != nil {
		return hdr, err
	}
	hdr.Comparator, hdr.ColumnFamily = string(cmp), string(name)
	return hdr, nil
}

func writeHeader(w io.Writer, hdr Header) error {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(byte(hdr.Codec))
	writeField(&buf, []byte(hdr.Comparator))   //nolint:errcheck // bytes.Buffer writes never fail
	writeField(&buf, []byte(hdr.ColumnFamily)) //nolint:errcheck // bytes.Buffer writes never fail
	_, err := w.Write(buf.Bytes())
	return status.Convert(err)
}

func writeField(w io.Writer, b []byte) error {
	var n [binary.MaxVarintLen64]byte
	if _, err := w.Write(n[:binary.PutUvarint(n[:], uint64(len(b)))]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeRecord(w io.Writer, key, value []byte) error {
	if _, err := w.Write([]byte{recordEntry}); err != nil {
		return err
	}
	if err := writeField(w, key); err != nil {
		return err
	}
	return writeField(w, value)
}

type fieldReader interface {
	io.Reader
	io.ByteReader
}

func readField(r fieldReader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, truncated(err)
	}
	if n > maxField {
		return nil, status.Newf(status.Corruption, "dump: field of %d bytes", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, truncated(err)
	}
	return b, nil
}

func readRecord(r fieldReader) ([]byte, []byte, error) {
	key, err := readField(r)
	if err != nil {
		return nil, nil, err
	}
	value, err := readField(r)
	if err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return status.New(status.Corruption, "dump is truncated").Wrap(err)
	}
	return status.Convert(err)
}

type countingWriter struct {
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += uint64(len(p))
	return len(p), nil
}

// byteReader reads the header one byte at a time so nothing past it is
// consumed from r.
type byteReader struct {
	r io.Reader
}

func (b *byteReader) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *byteReader) ReadByte() (byte, error) {
	var c [1]byte
	_, err := io.ReadFull(b.r, c[:])
	return c[0], err
}
