package dump

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eigerco/kvbridge/pkg/db/pebble"
	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *pebble.DB {
	t.Helper()

	opts := pebble.DefaultOptions("")
	opts.InMemory = true
	opts.ColumnFamilies = []pebble.ColumnFamilyOptions{
		{Name: "default", Ordering: pebble.OrderBytewise},
		{Name: "desc", Ordering: pebble.OrderReverseBytewise},
	}
	d, err := pebble.Open(opts, false, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() }) //nolint:errcheck // closing twice is a no-op
	return d
}

func fill(t *testing.T, d *pebble.DB, cf, n int) {
	t.Helper()
	err := d.Update(func(tx *pebble.Transaction) error {
		for i := range n {
			key := []byte(fmt.Sprintf("key-%04d", i))
			if err := tx.Put(cf, key, bytes.Repeat(key, 3)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func listing(t *testing.T, d *pebble.DB, cf int) string {
	t.Helper()

	iter, err := d.NewIterator(cf, nil, nil)
	require.NoError(t, err)
	defer iter.Close() //nolint:errcheck // read only

	var sb strings.Builder
	for iter.Next() {
		value, err := iter.Value()
		require.NoError(t, err)
		fmt.Fprintf(&sb, "%s=%s\n", iter.Key(), value)
	}
	require.NoError(t, iter.Error())
	return sb.String()
}

func requireSameListing(t *testing.T, expected, actual string) {
	t.Helper()

	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "Exported",
		ToFile:   "Imported",
		Context:  1,
	})
	if diff != "" {
		t.Fatalf("listing mismatch:\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			src := openDB(t)
			fill(t, src, 0, 500)
			fill(t, src, 1, 50)

			var buf bytes.Buffer
			exported, err := Export(&buf, src, 0, codec)
			require.NoError(t, err)
			assert.EqualValues(t, 500, exported.Records)

			hdr, err := ReadHeader(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, codec, hdr.Codec)
			assert.Equal(t, "default", hdr.ColumnFamily)

			dst := openDB(t)
			imported, err := Import(&buf, dst, 0, "import.sst")
			require.NoError(t, err)
			assert.Equal(t, exported, imported)

			requireSameListing(t, listing(t, src, 0), listing(t, dst, 0))
			assert.Empty(t, listing(t, dst, 1))
		})
	}
}

func TestImport(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, src, dst *pebble.DB)
	}{
		{
			name: "reverse_family_round_trip",
			fn:   testReverseRoundTrip,
		},
		{
			name: "comparator_mismatch",
			fn:   testComparatorMismatch,
		},
		{
			name: "corrupted_record",
			fn:   testCorruptedRecord,
		},
		{
			name: "truncated_dump",
			fn:   testTruncatedDump,
		},
		{
			name: "empty_family",
			fn:   testEmptyFamily,
		},
		{
			name: "failed_ingestion_removes_scratch",
			fn:   testFailedIngestionRemovesScratch,
		},
		{
			name: "not_a_dump",
			fn:   testNotADump,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, openDB(t), openDB(t))
		})
	}
}

func testReverseRoundTrip(t *testing.T, src, dst *pebble.DB) {
	fill(t, src, 1, 100)

	var buf bytes.Buffer
	_, err := Export(&buf, src, 1, CodecSnappy)
	require.NoError(t, err)

	_, err = Import(&buf, dst, 1, "desc.sst")
	require.NoError(t, err)

	out := listing(t, dst, 1)
	requireSameListing(t, listing(t, src, 1), out)
	assert.True(t, strings.HasPrefix(out, "key-0099="))
}

func testComparatorMismatch(t *testing.T, src, dst *pebble.DB) {
	fill(t, src, 0, 10)

	var buf bytes.Buffer
	_, err := Export(&buf, src, 0, CodecNone)
	require.NoError(t, err)

	_, err = Import(&buf, dst, 1, "mismatch.sst")
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func testCorruptedRecord(t *testing.T, src, dst *pebble.DB) {
	fill(t, src, 0, 10)

	var buf bytes.Buffer
	_, err := Export(&buf, src, 0, CodecNone)
	require.NoError(t, err)

	// Flip a byte inside the last value; framing stays intact.
	data := buf.Bytes()
	data[len(data)-20] ^= 0xff

	_, err = Import(bytes.NewReader(data), dst, 0, "corrupt.sst")
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = dst.Get(0, []byte("key-0000"))
	assert.Equal(t, status.NotFound, status.CodeOf(err))

	// The staged file was abandoned, so the database closes cleanly.
	require.NoError(t, dst.Close())
}

func testTruncatedDump(t *testing.T, src, dst *pebble.DB) {
	fill(t, src, 0, 10)

	var buf bytes.Buffer
	_, err := Export(&buf, src, 0, CodecNone)
	require.NoError(t, err)

	data := buf.Bytes()[:buf.Len()/2]
	_, err = Import(bytes.NewReader(data), dst, 0, "truncated.sst")
	assert.Equal(t, status.Corruption, status.CodeOf(err))
}

func testEmptyFamily(t *testing.T, src, dst *pebble.DB) {
	var buf bytes.Buffer
	stats, err := Export(&buf, src, 0, CodecZstd)
	require.NoError(t, err)
	assert.Zero(t, stats.Records)

	stats, err = Import(&buf, dst, 0, "empty.sst")
	require.NoError(t, err)
	assert.Zero(t, stats.Records)
	require.NoError(t, dst.Close())
}

func testNotADump(t *testing.T, _, dst *pebble.DB) {
	_, err := Import(strings.NewReader("definitely not a dump"), dst, 0, "x.sst")
	assert.Equal(t, status.Corruption, status.CodeOf(err))

	_, err = ParseCodec("brotli")
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func testFailedIngestionRemovesScratch(t *testing.T, src, _ *pebble.DB) {
	fill(t, src, 0, 10)

	var buf bytes.Buffer
	_, err := Export(&buf, src, 0, CodecLZ4)
	require.NoError(t, err)

	dir := t.TempDir()
	opts := pebble.DefaultOptions(filepath.Join(dir, "db"))
	opts.ColumnFamilies = []pebble.ColumnFamilyOptions{{Name: "default", Ordering: pebble.OrderBytewise}}
	dst, err := pebble.Open(opts, false, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() }) //nolint:errcheck // closing twice is a no-op

	orig := ingestSst
	ingestSst = func(*pebble.DB, int, string) error {
		return status.New(status.IOError, "disk went away")
	}
	defer func() { ingestSst = orig }()

	scratch := filepath.Join(dir, "scratch.sst")
	_, err = Import(&buf, dst, 0, scratch)
	assert.Equal(t, status.IOError, status.CodeOf(err))

	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, dst.Close())
}
