package pebble

import (
	"fmt"
	"testing"

	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRanges(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d *DB)
	}{
		{
			name: "delete_range_half_open",
			fn:   testDeleteRangeHalfOpen,
		},
		{
			name: "delete_range_open_bounds",
			fn:   testDeleteRangeOpenBounds,
		},
		{
			name: "delete_range_stays_in_family",
			fn:   testDeleteRangeFamily,
		},
		{
			name: "invalid_ranges",
			fn:   testInvalidRanges,
		},
		{
			name: "compact_range",
			fn:   testCompactRange,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newTestDB(t, withFamilies("default", "other")))
		})
	}
}

func testDeleteRangeHalfOpen(t *testing.T, d *DB) {
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Put(0, []byte(k), []byte(k)))
	}

	require.NoError(t, d.DeleteRange(0, []byte("b"), []byte("d")))

	for k, present := range map[string]bool{"a": true, "b": false, "c": false, "d": true, "e": true} {
		_, err := d.Get(0, []byte(k))
		if present {
			assert.NoError(t, err, k)
		} else {
			assert.ErrorIs(t, err, ErrNotFound, k)
		}
	}
}

func testDeleteRangeOpenBounds(t *testing.T, d *DB) {
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Put(0, []byte(k), []byte(k)))
	}

	require.NoError(t, d.DeleteRange(0, nil, []byte("b")))
	require.NoError(t, d.DeleteRange(0, []byte("d"), nil))

	iter, err := d.NewIterator(0, nil, nil)
	require.NoError(t, err)
	keys, _ := collect(t, iter)
	require.NoError(t, iter.Close())
	assert.Equal(t, []string{"b", "c"}, keys)

	require.NoError(t, d.DeleteRange(0, nil, nil))
	_, err = d.Get(0, []byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDeleteRangeFamily(t *testing.T, d *DB) {
	require.NoError(t, d.Put(0, []byte("k"), []byte("zero")))
	require.NoError(t, d.Put(1, []byte("k"), []byte("one")))

	require.NoError(t, d.DeleteRange(1, nil, nil))

	_, err := d.Get(1, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	v, err := d.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("zero"), v)
}

func testInvalidRanges(t *testing.T, d *DB) {
	assert.ErrorIs(t, d.DeleteRange(0, []byte("z"), []byte("a")), ErrEmptyRange)
	assert.ErrorIs(t, d.DeleteRange(0, []byte("m"), []byte("m")), ErrEmptyRange)
	assert.ErrorIs(t, d.CompactRange(0, []byte("z"), []byte("a")), ErrEmptyRange)
	assert.Equal(t, status.InvalidArgument, status.CodeOf(d.DeleteRange(2, nil, nil)))
	assert.Equal(t, status.InvalidArgument, status.CodeOf(d.CompactRange(2, nil, nil)))

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.DeleteRange(0, nil, nil), ErrSessionClosed)
	assert.ErrorIs(t, d.CompactRange(0, nil, nil), ErrSessionClosed)
}

func testCompactRange(t *testing.T, d *DB) {
	for i := range 200 {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, d.Put(0, key, key))
	}
	require.NoError(t, d.DeleteRange(0, []byte("key-050"), []byte("key-150")))
	require.NoError(t, d.Flush())

	require.NoError(t, d.CompactRange(0, nil, nil))
	require.NoError(t, d.CompactRange(0, []byte("key-000"), []byte("key-100")))

	iter, err := d.NewIterator(0, nil, nil)
	require.NoError(t, err)
	keys, _ := collect(t, iter)
	require.NoError(t, iter.Close())
	assert.Len(t, keys, 100)
}
