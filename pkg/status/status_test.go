package status

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "nil_is_ok",
			fn:   testNilIsOK,
		},
		{
			name: "engine_errors_classified",
			fn:   testEngineErrorsClassified,
		},
		{
			name: "convert_keeps_status",
			fn:   testConvertKeepsStatus,
		},
		{
			name: "is_matches_code_and_subcode",
			fn:   testIsMatchesCode,
		},
		{
			name: "write_output_parameter",
			fn:   testWriteOutputParameter,
		},
		{
			name: "error_string",
			fn:   testErrorString,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, tc.fn)
	}
}

func testNilIsOK(t *testing.T) {
	assert.NoError(t, Convert(nil))
	assert.Nil(t, From(nil))
	assert.Equal(t, OK, CodeOf(nil))

	var s *Status
	assert.True(t, s.OK())
	assert.Equal(t, "OK", s.Error())
}

func testEngineErrorsClassified(t *testing.T) {
	_, statErr := os.Stat(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, statErr)

	cases := []struct {
		err  error
		code Code
		sub  SubCode
	}{
		{pebble.ErrNotFound, NotFound, SubNone},
		{errors.Wrap(pebble.ErrNotFound, "get"), NotFound, SubNone},
		{pebble.ErrCorruption, Corruption, SubNone},
		{pebble.ErrClosed, ShutdownInProgress, SubNone},
		{pebble.ErrReadOnly, NotSupported, SubNone},
		{errors.Wrapf(pebble.ErrDBDoesNotExist, "dirname=%q", "x"), InvalidArgument, SubNone},
		{fmt.Errorf("pebble: manifest file %q for DB %q: comparer name from file %q != comparer name from Options %q", "m", "d", "a", "b"), InvalidArgument, SubNone},
		{errors.New("lock held by current process"), IOError, SubNone},
		{statErr, IOError, SubPathNotFound},
		{errors.New("something else"), IOError, SubNone},
	}
	for _, c := range cases {
		s := From(c.err)
		require.NotNil(t, s, c.err.Error())
		assert.Equal(t, c.code, s.Code, c.err.Error())
		assert.Equal(t, c.sub, s.SubCode, c.err.Error())
		assert.Contains(t, s.Message, c.err.Error())
		assert.ErrorIs(t, s, c.err)
	}
}

func testConvertKeepsStatus(t *testing.T) {
	orig := Newf(Busy, "key %q locked", "k")
	assert.Same(t, orig, From(orig))

	wrapped := errors.Wrap(orig, "commit")
	assert.Same(t, orig, From(wrapped))
	assert.Equal(t, Busy, CodeOf(wrapped))
}

func testIsMatchesCode(t *testing.T) {
	s := New(TimedOut, "waiting for key").WithSub(SubLockTimeout)

	assert.ErrorIs(t, s, ErrTimedOut)
	assert.ErrorIs(t, s, ErrLockTimeout)
	assert.NotErrorIs(t, s, ErrBusy)
	assert.NotErrorIs(t, New(TimedOut, ""), ErrLockTimeout)
	assert.True(t, errors.Is(s, ErrTimedOut))
}

func testWriteOutputParameter(t *testing.T) {
	var out Status
	Write(pebble.ErrNotFound, &out)
	assert.Equal(t, NotFound, out.Code)
	assert.False(t, out.OK())

	Write(nil, &out)
	assert.True(t, out.OK())
	assert.Empty(t, out.Message)

	// A nil slot is ignored.
	Write(pebble.ErrNotFound, nil)
}

func testErrorString(t *testing.T) {
	assert.Equal(t, "Busy(Deadlock): cycle", New(Busy, "cycle").WithSub(SubDeadlock).Error())
	assert.Equal(t, "NotFound", New(NotFound, "").Error())
	assert.Equal(t, "Code(99)", Code(99).String())
	assert.Equal(t, UnrecoverableError, New(Corruption, "").Severity)
}
