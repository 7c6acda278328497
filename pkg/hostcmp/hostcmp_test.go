//go:build darwin || (linux && (amd64 || arm64))

package hostcmp

import (
	"bytes"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/eigerco/kvbridge/pkg/comparator"
	"github.com/eigerco/kvbridge/pkg/slice"
	"github.com/eigerco/kvbridge/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reverseCallback is a C-callable function pointer backed by Go, standing in
// for a comparator exported by the host.
var reverseCallback = purego.NewCallback(func(a unsafe.Pointer, aLen uint64, b unsafe.Pointer, bLen uint64) int8 {
	x := slice.Borrow(a, int(aLen))
	y := slice.Borrow(b, int(bLen))
	return comparator.Sign(bytes.Compare(y, x))
})

func TestHostComparator(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "from_pointer_calls_through",
			fn:   testFromPointerCallsThrough,
		},
		{
			name: "empty_keys",
			fn:   testEmptyKeys,
		},
		{
			name: "null_pointer_rejected",
			fn:   testNullPointerRejected,
		},
		{
			name: "missing_library",
			fn:   testMissingLibrary,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, tc.fn)
	}
}

func testFromPointerCallsThrough(t *testing.T) {
	c, err := FromPointer("host.reverse", false, reverseCallback)
	require.NoError(t, err)

	assert.Equal(t, "host.reverse", c.Name())
	assert.Equal(t, 1, c.Compare([]byte("a"), []byte("b")))
	assert.Equal(t, -1, c.Compare([]byte("c"), []byte("b")))
	assert.Equal(t, 0, c.Compare([]byte("same"), []byte("same")))
}

func testEmptyKeys(t *testing.T) {
	c, err := FromPointer("host.reverse", false, reverseCallback)
	require.NoError(t, err)

	assert.Equal(t, 0, c.Compare(nil, []byte{}))
	assert.Equal(t, -1, c.Compare([]byte("a"), nil))
}

func testNullPointerRejected(t *testing.T) {
	_, err := FromPointer("x", false, 0)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func testMissingLibrary(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "libmissing.so"))
	assert.ErrorIs(t, err, status.ErrIOError)
}
