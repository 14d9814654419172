package cache

import "context"

// Lba is a logical block address: an unsigned integer identifying a single
// block on the device.
type Lba uint64

// IOFlags is a bitwise hint set passed to the host driver's read/write
// callbacks.
type IOFlags uint32

const (
	// IOTempBuffer hints that buf is one of the cache's own scratch buffers
	// rather than a caller-owned buffer, in case the driver wants to skip a
	// defensive copy it would otherwise make.
	IOTempBuffer IOFlags = 1 << iota
)

// UsageFlags is the bitwise result of the usage-oracle callback.
type UsageFlags uint32

const (
	// UsageUsed marks an address as holding live, meaningful data.
	UsageUsed UsageFlags = 0x01
	// UsageZero marks an address as logically zero; the cache may synthesize
	// a zero-filled buffer instead of reading it.
	UsageZero UsageFlags = 0x02
	// UsageBad marks an address as known-bad; reading it without
	// MarkBadBlocks set fails immediately with ErrDeviceDataError.
	UsageBad UsageFlags = 0x04
)

func (u UsageFlags) has(bit UsageFlags) bool {
	return u&bit != 0
}

// ErrorVerdict is returned by an ErrorHandlerFunc to tell the engine how to
// proceed after a callback failure.
type ErrorVerdict int

const (
	// VerdictFail surfaces the error to the public call that triggered it,
	// after the engine unwinds any partial index changes.
	VerdictFail ErrorVerdict = iota
	// VerdictRetry tells the engine to attempt the same I/O once more.
	VerdictRetry
	// VerdictFatal escalates to ErrDriverInternalError; use sparingly, for
	// errors the driver believes indicate cache corruption rather than a
	// transient device fault.
	VerdictFatal
)

// ErrorContext describes the I/O operation that failed, passed to
// ErrorHandlerFunc so it can make an informed decision.
type ErrorContext struct {
	// Lba is the address the failing operation targeted.
	Lba Lba
	// BlockCount is the number of blocks the operation spanned.
	BlockCount int
	// Write is true if the failing operation was a write, false if a read.
	Write bool
	// Err is the error the callback returned.
	Err error
}

// ReadFunc performs a synchronous, blocking read of len(buf) bytes from the
// device starting at lba. Partial reads are allowed; the callback returns the
// number of bytes actually read.
type ReadFunc func(ctx context.Context, buf []byte, lba Lba, flags IOFlags) (gotBytes int, err error)

// WriteFunc performs a synchronous, blocking write of len(buf) bytes to the
// device starting at lba. In WORM mode lba may be LbaAllocateNew, in which
// case UpdateRelocFunc must already have been called to reserve the physical
// destination for the logical addresses being written.
type WriteFunc func(ctx context.Context, buf []byte, lba Lba, flags IOFlags) (putBytes int, err error)

// LbaAllocateNew is the sentinel address passed to WriteFunc in WORM mode to
// mean "write to whatever packet UpdateRelocFunc just reserved."
const LbaAllocateNew Lba = ^Lba(0)

// CheckUsedFunc is the usage oracle: it reports whether an address is in use,
// logically zero, or bad.
type CheckUsedFunc func(ctx context.Context, lba Lba) UsageFlags

// UpdateRelocFunc is WORM-only. It relocates count logical addresses in
// relocTab to a newly allocated physical packet and returns an error if no
// space remains.
type UpdateRelocFunc func(ctx context.Context, relocTab []Lba, count int) error

// ErrorHandlerFunc is consulted on every read/write failure and decides
// whether the engine retries, fails, or escalates.
type ErrorHandlerFunc func(ctx context.Context, errCtx ErrorContext) ErrorVerdict
