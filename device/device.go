// Package device adapts a host's io.ReadWriteSeeker into the ReadFunc,
// WriteFunc, and CheckUsedFunc callbacks a cache.Cache is initialized with.
// It plays the role the teacher's blockcache.WrapStream/WrapSlice play for
// filesystem drivers, minus the caching itself (that's the cache package's
// job now).
package device

import (
	"context"
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/vireo-systems/packcache/cache"
)

var errOutOfRange = fmt.Errorf("device: lba out of range")
var errNoAllocator = fmt.Errorf("device: stream has no block allocator for WORM relocation")

// Stream wraps an io.ReadWriteSeeker as a fixed-geometry block device.
type Stream struct {
	stream        io.ReadWriteSeeker
	bytesPerBlock uint
	totalBlocks   uint64
	bad           map[uint64]bool
}

// WrapStream adapts an arbitrary seekable stream, e.g. an os.File holding a
// disk image.
func WrapStream(stream io.ReadWriteSeeker, bytesPerBlock uint, totalBlocks uint64) *Stream {
	return &Stream{stream: stream, bytesPerBlock: bytesPerBlock, totalBlocks: totalBlocks}
}

// WrapSlice adapts an in-memory byte slice via bytesextra's slice-backed
// ReadWriteSeeker, the way blockcache.WrapSlice backed the teacher's
// in-memory disk image tests.
func WrapSlice(storage []byte, bytesPerBlock uint) *Stream {
	rws := bytesextra.NewReadWriteSeeker(storage)
	return WrapStream(rws, bytesPerBlock, uint64(len(storage))/uint64(bytesPerBlock))
}

func (s *Stream) seek(lba cache.Lba) error {
	if uint64(lba) >= s.totalBlocks {
		return errOutOfRange
	}
	_, err := s.stream.Seek(int64(lba)*int64(s.bytesPerBlock), io.SeekStart)
	return err
}

// Read implements cache.ReadFunc.
func (s *Stream) Read(ctx context.Context, buf []byte, lba cache.Lba, flags cache.IOFlags) (int, error) {
	if err := s.seek(lba); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.stream, buf)
	if err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

// Write implements cache.WriteFunc. lba is cache.LbaAllocateNew only in WORM
// mode, after UpdateReloc has already reserved a destination; a bare Stream
// has no allocator of its own, so that combination fails. Host drivers
// targeting WORM media should wrap Stream or supply their own WriteFunc that
// tracks the next free physical packet.
func (s *Stream) Write(ctx context.Context, buf []byte, lba cache.Lba, flags cache.IOFlags) (int, error) {
	if lba == cache.LbaAllocateNew {
		return 0, errNoAllocator
	}
	if err := s.seek(lba); err != nil {
		return 0, err
	}
	return s.stream.Write(buf)
}

// CheckUsed implements cache.CheckUsedFunc. A plain Stream has no usage
// oracle beyond what MarkBad has recorded; every other address reports used.
func (s *Stream) CheckUsed(ctx context.Context, lba cache.Lba) cache.UsageFlags {
	if s.bad != nil && s.bad[uint64(lba)] {
		return cache.UsageBad
	}
	return cache.UsageUsed
}

// MarkBad remembers lba as bad for future CheckUsed calls. It exists for test
// harnesses simulating a failing device.
func (s *Stream) MarkBad(lba cache.Lba) {
	if s.bad == nil {
		s.bad = make(map[uint64]bool)
	}
	s.bad[uint64(lba)] = true
}

// FailFast is a minimal cache.ErrorHandlerFunc that never retries or
// escalates; host drivers with a more sophisticated I/O error policy should
// supply their own.
func FailFast(ctx context.Context, errCtx cache.ErrorContext) cache.ErrorVerdict {
	return cache.VerdictFail
}
