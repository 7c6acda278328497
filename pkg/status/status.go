// Package status carries engine outcomes across the bridge boundary as plain
// values. Every boundary operation reports through a *Status; nothing in the
// bridge panics for an engine-reported condition.
package status

import (
	"fmt"
)

// Code classifies an outcome. The numbering is stable so foreign callers can
// map it one to one.
type Code uint8

const (
	OK Code = iota
	NotFound
	Corruption
	NotSupported
	InvalidArgument
	IOError
	MergeInProgress
	Incomplete
	ShutdownInProgress
	TimedOut
	Aborted
	Busy
	Expired
	TryAgain
	CompactionTooLarge
	ColumnFamilyDropped
)

var codeNames = [...]string{
	OK:                  "OK",
	NotFound:            "NotFound",
	Corruption:          "Corruption",
	NotSupported:        "NotSupported",
	InvalidArgument:     "InvalidArgument",
	IOError:             "IOError",
	MergeInProgress:     "MergeInProgress",
	Incomplete:          "Incomplete",
	ShutdownInProgress:  "ShutdownInProgress",
	TimedOut:            "TimedOut",
	Aborted:             "Aborted",
	Busy:                "Busy",
	Expired:             "Expired",
	TryAgain:            "TryAgain",
	CompactionTooLarge:  "CompactionTooLarge",
	ColumnFamilyDropped: "ColumnFamilyDropped",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// SubCode refines a Code.
type SubCode uint8

const (
	SubNone SubCode = iota
	SubMutexTimeout
	SubLockTimeout
	SubLockLimit
	SubNoSpace
	SubDeadlock
	SubStaleFile
	SubMemoryLimit
	SubSpaceLimit
	SubPathNotFound
)

var subCodeNames = [...]string{
	SubNone:         "None",
	SubMutexTimeout: "MutexTimeout",
	SubLockTimeout:  "LockTimeout",
	SubLockLimit:    "LockLimit",
	SubNoSpace:      "NoSpace",
	SubDeadlock:     "Deadlock",
	SubStaleFile:    "StaleFile",
	SubMemoryLimit:  "MemoryLimit",
	SubSpaceLimit:   "SpaceLimit",
	SubPathNotFound: "PathNotFound",
}

func (s SubCode) String() string {
	if int(s) < len(subCodeNames) {
		return subCodeNames[s]
	}
	return fmt.Sprintf("SubCode(%d)", uint8(s))
}

// Severity tells the caller whether the handle is still usable.
type Severity uint8

const (
	NoError Severity = iota
	SoftError
	HardError
	FatalError
	UnrecoverableError
)

// Status is the result value written at every boundary call site.
type Status struct {
	Code     Code
	SubCode  SubCode
	Severity Severity
	Message  string

	cause error
}

// New returns a status with the given code and message.
func New(code Code, msg string) *Status {
	return &Status{Code: code, Message: msg, Severity: severityOf(code)}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Status {
	return New(code, fmt.Sprintf(format, args...))
}

// WithSub returns a copy of s carrying sub.
func (s *Status) WithSub(sub SubCode) *Status {
	c := *s
	c.SubCode = sub
	return &c
}

// Wrap returns a copy of s that reports cause through Unwrap.
func (s *Status) Wrap(cause error) *Status {
	c := *s
	c.cause = cause
	if c.Message == "" && cause != nil {
		c.Message = cause.Error()
	}
	return &c
}

// OK reports whether the status represents success. A nil status is OK.
func (s *Status) OK() bool {
	return s == nil || s.Code == OK
}

func (s *Status) Error() string {
	if s == nil {
		return OK.String()
	}
	out := s.Code.String()
	if s.SubCode != SubNone {
		out += "(" + s.SubCode.String() + ")"
	}
	if s.Message != "" {
		out += ": " + s.Message
	}
	return out
}

func (s *Status) Unwrap() error {
	return s.cause
}

// Is matches any *Status with the same code, and the same sub code when the
// target names one. This lets callers write errors.Is(err, status.ErrNotFound).
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok || t == nil {
		return false
	}
	if s.Code != t.Code {
		return false
	}
	return t.SubCode == SubNone || t.SubCode == s.SubCode
}

func severityOf(code Code) Severity {
	switch code {
	case OK, NotFound, Busy, TimedOut, TryAgain, Incomplete, InvalidArgument, NotSupported, Aborted, Expired:
		return NoError
	case Corruption:
		return UnrecoverableError
	case IOError:
		return HardError
	default:
		return SoftError
	}
}
