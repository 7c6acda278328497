package status

import (
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble"
)

// Sentinels for errors.Is. Only the code (and sub code, where set) takes part
// in matching.
var (
	ErrNotFound           = New(NotFound, "")
	ErrCorruption         = New(Corruption, "")
	ErrNotSupported       = New(NotSupported, "")
	ErrInvalidArgument    = New(InvalidArgument, "")
	ErrIOError            = New(IOError, "")
	ErrIncomplete         = New(Incomplete, "")
	ErrShutdownInProgress = New(ShutdownInProgress, "")
	ErrTimedOut           = New(TimedOut, "")
	ErrAborted            = New(Aborted, "")
	ErrBusy               = New(Busy, "")
	ErrTryAgain           = New(TryAgain, "")
	ErrLockTimeout        = New(TimedOut, "").WithSub(SubLockTimeout)
	ErrDeadlock           = New(Busy, "").WithSub(SubDeadlock)
	ErrPathNotFound       = New(IOError, "").WithSub(SubPathNotFound)
)

const comparerMismatch = "comparer name from file"

// Convert translates err into a *Status. nil stays nil and a *Status anywhere
// in the chain is returned as is. Call it once per engine call site.
func Convert(err error) error {
	if err == nil {
		return nil
	}
	return From(err)
}

// From is Convert for callers that want the concrete type. It returns nil for
// a nil error.
func From(err error) *Status {
	if err == nil {
		return nil
	}
	var s *Status
	if errors.As(err, &s) {
		return s
	}
	return classify(err).Wrap(err)
}

func classify(err error) *Status {
	msg := err.Error()
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return New(NotFound, msg)
	case errors.Is(err, pebble.ErrCorruption):
		return New(Corruption, msg)
	case errors.Is(err, pebble.ErrClosed):
		return New(ShutdownInProgress, msg)
	case errors.Is(err, pebble.ErrReadOnly):
		return New(NotSupported, msg)
	case errors.Is(err, pebble.ErrDBDoesNotExist),
		errors.Is(err, pebble.ErrDBAlreadyExists),
		errors.Is(err, pebble.ErrDBNotPristine):
		return New(InvalidArgument, msg)
	case strings.Contains(msg, comparerMismatch):
		return New(InvalidArgument, msg)
	case errors.Is(err, syscall.ENOSPC):
		return New(IOError, msg).WithSub(SubNoSpace)
	case oserror.IsNotExist(err):
		return New(IOError, msg).WithSub(SubPathNotFound)
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK),
		strings.Contains(msg, "lock held"):
		return New(IOError, msg)
	case oserror.IsPermission(err), oserror.IsExist(err):
		return New(IOError, msg)
	}
	return New(IOError, msg)
}

// CodeOf returns the code err converts to. A nil error is OK.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	return From(err).Code
}

// Write stores the converted form of err into out, the caller-owned result
// slot used at the foreign boundary. A nil err resets out to OK.
func Write(err error, out *Status) {
	if out == nil {
		return
	}
	if err == nil {
		*out = Status{}
		return
	}
	*out = *From(err)
}
