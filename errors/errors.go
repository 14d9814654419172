// Package errors defines the status codes the cache engine and its host
// drivers use to report failure. It follows the same shape as a POSIX errno:
// a small fixed set of sentinel values that callers compare against with
// errors.Is, each of which can be enriched with a message or an underlying
// cause without losing its identity.
package errors

import (
	"errors"
	"fmt"
)

// CacheError is a sentinel error kind. The engine mostly returns a DriverError
// built from one via WithMessage or Wrap, so that the error carries context
// while still satisfying errors.Is against the original sentinel; a few paths
// (Write on a ROM-mode cache) return the bare sentinel.
type CacheError string

const (
	// ErrInvalidParameter covers alignment violations, out-of-range addresses,
	// nonsensical callback results, and bad bracketing of Direct calls.
	ErrInvalidParameter = CacheError("invalid parameter")
	// ErrInsufficientResources is returned when the WORM eviction path
	// cannot free a victim block because it is modified and no full
	// relocation packet can be formed yet.
	ErrInsufficientResources = CacheError("insufficient resources")
	// ErrDeviceDataError is returned when the usage oracle reports a block as
	// BAD and the requested operation cannot proceed without reading it.
	ErrDeviceDataError = CacheError("device data error")
	// ErrIOError is returned when a read or write callback reports failure and
	// the error handler does not resolve it with a retry.
	ErrIOError = CacheError("i/o error")
	// ErrDriverInternalError is returned when the host driver's error handler
	// answers a failed read or write with VerdictFatal.
	ErrDriverInternalError = CacheError("driver internal error")
	// ErrMediaWriteProtected is returned by Write on a ROM-mode cache, or on
	// any cache when targeting a block remembered as bad under RO_BAD_BLOCKS.
	ErrMediaWriteProtected = CacheError("media is write protected")

	// errRetry is an internal signal used between the packet-update routine
	// and the eviction controller; it never escapes the cache package.
	errRetry = CacheError("retry")
)

// DriverError is the interface returned by the engine for all failures. It
// always unwraps to the CacheError sentinel it was built from, so
// errors.Is(err, ErrIOError) works regardless of how much context has been
// layered on with WithMessage or Wrap.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
	Unwrap() error
}

func (e CacheError) Error() string {
	return string(e)
}

// WithMessage attaches additional, human-readable context to the error
// without changing what it unwraps to.
func (e CacheError) WithMessage(message string) DriverError {
	return &annotatedError{
		text:   fmt.Sprintf("%s: %s", string(e), message),
		parent: e,
	}
}

// Wrap folds an underlying error into the sentinel, preserving both identities
// for errors.Is/errors.As.
func (e CacheError) Wrap(err error) DriverError {
	return &annotatedError{
		text:   fmt.Sprintf("%s: %s", string(e), err.Error()),
		parent: e,
		cause:  err,
	}
}

func (e CacheError) Unwrap() error {
	return nil
}

// IsRetry reports whether err is the internal retry signal. Exposed for the
// cache package's eviction controller; host drivers never see this value. It walks the Unwrap chain like errors.Is rather than comparing err
// directly, because Retry() returns an *annotatedError wrapping the sentinel,
// not the bare CacheError.
func IsRetry(err error) bool {
	return errors.Is(err, errRetry)
}

// Retry returns the internal retry signal as a DriverError so the eviction
// controller's call sites can treat it uniformly with every other error path.
func Retry() DriverError {
	return &annotatedError{text: string(errRetry), parent: errRetry}
}

// -----------------------------------------------------------------------------

type annotatedError struct {
	text   string
	parent CacheError
	cause  error
}

func (e *annotatedError) Error() string {
	return e.text
}

func (e *annotatedError) WithMessage(message string) DriverError {
	return &annotatedError{
		text:   fmt.Sprintf("%s: %s", e.text, message),
		parent: e.parent,
		cause:  e,
	}
}

func (e *annotatedError) Wrap(err error) DriverError {
	return &annotatedError{
		text:   fmt.Sprintf("%s: %s", e.text, err.Error()),
		parent: e.parent,
		cause:  err,
	}
}

// Unwrap lets errors.Is walk to both the original sentinel and, if present,
// the wrapped cause by first checking the sentinel and falling back to the
// cause chain.
func (e *annotatedError) Unwrap() error {
	if e.cause != nil {
		return chainedUnwrap{sentinel: e.parent, cause: e.cause}
	}
	return e.parent
}

// chainedUnwrap lets errors.Is see both the sentinel and the wrapped cause
// without Go's single-parent Unwrap() limiting us to one or the other.
type chainedUnwrap struct {
	sentinel CacheError
	cause    error
}

func (c chainedUnwrap) Error() string {
	return c.cause.Error()
}

func (c chainedUnwrap) Is(target error) bool {
	return target == error(c.sentinel) //nolint:errorlint // sentinel identity check
}

func (c chainedUnwrap) Unwrap() error {
	return c.cause
}
