package pebble

import "github.com/eigerco/kvbridge/pkg/status"

var (
	ErrSessionClosed      = status.New(status.ShutdownInProgress, "handle in use after session closed")
	ErrHandlesOutstanding = status.New(status.Busy, "database has open snapshots, transactions, iterators or writers")
	ErrNotFound           = status.New(status.NotFound, "key not found")
	ErrBatchDone          = status.New(status.InvalidArgument, "batch already committed or closed")
	ErrSnapshotClosed     = status.New(status.InvalidArgument, "snapshot already released")
	ErrIteratorClosed     = status.New(status.InvalidArgument, "iterator already closed")
	ErrIteratorInvalid    = status.New(status.InvalidArgument, "iterator is not positioned")
	ErrTxnDone            = status.New(status.InvalidArgument, "transaction already committed or rolled back")
	ErrNoSavePoint        = status.New(status.NotFound, "no savepoint to roll back to")
	ErrWriteConflict      = status.New(status.Busy, "write conflict: key modified after transaction snapshot")
	ErrLockTimeout        = status.New(status.TimedOut, "timeout waiting to lock key").WithSub(status.SubLockTimeout)
	ErrDeadlock           = status.New(status.Busy, "deadlock detected").WithSub(status.SubDeadlock)
	ErrWriterState        = status.New(status.InvalidArgument, "sst writer is not open")
	ErrWriterFinished     = status.New(status.InvalidArgument, "sst writer already finished")
	ErrEmptyRange         = status.New(status.InvalidArgument, "range start must order before range end")
)

const (
	ErrInIteratorCreation = "failed to create iterator: %w"
	ErrIteratorValue      = "failed to read iterator value: %w"
)

func invalidCF(cf int, n int) error {
	return status.Newf(status.InvalidArgument, "column family index %d out of range [0, %d)", cf, n)
}
