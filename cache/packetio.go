package cache

import (
	"bytes"
	"context"

	"github.com/boljen/go-bitmap"
	cerrors "github.com/vireo-systems/packcache/errors"
)

// updatePacket performs read-modify-write of the single packet containing
// packetLba. It is the core of spec.md §4.8.
//
// If the packet has no modified slots, it returns (false, nil) immediately.
// If it does, and prefereWrite is false, it returns the internal retry
// signal; flushPacketWithRetries calls it again for the same packet, and once
// MaxTriesForNA retries are exhausted it passes prefereWrite=true and the
// write proceeds unconditionally.
//
// On success, every modified slot in the packet is marked clean and removed
// from ModifiedBlocks; buffers are left in place (the caller decides whether
// to free them, e.g. eviction does, FlushBlocks doesn't).
func (c *Cache) updatePacket(
	ctx context.Context, frame Lba, packetLba Lba, prefereWrite bool,
) (wrote bool, err error) {
	f := c.getFrame(frame)
	if f == nil {
		return false, nil
	}

	base := c.slotIndex(packetLba)
	blockSize := 1 << c.blockSizeSh

	// modifiedMask and overlayMask are the per-packet classification from
	// spec.md §4.8's "scan the packet's cache entries" step: which slots are
	// modified (must be written) and which must be overlaid onto whatever
	// the scratch buffer holds (modified slots, plus every cached slot when
	// DoNotCompare widens the overlay).
	modifiedMask := bitmap.New(c.packetSize)
	overlayMask := bitmap.New(c.packetSize)
	anyModified := false
	anyNeedsRead := false

	for i := 0; i < c.packetSize; i++ {
		entry := &f.entries[base+i]
		lba := packetLba + Lba(i)

		switch {
		case entry.IsModified():
			modifiedMask.Set(i, true)
			overlayMask.Set(i, true)
			anyModified = true
		case entry.IsCached():
			if c.flags.has(DoNotCompare) {
				overlayMask.Set(i, true)
			}
		case entry.IsBad():
			// Zero-filled by convention (invariant 7); no read needed.
		default:
			usage := c.checkUsed(ctx, lba)
			if !usage.has(UsageZero) {
				anyNeedsRead = true
			}
		}
	}

	if !anyModified {
		return false, nil
	}
	if !prefereWrite {
		return false, cerrors.Retry()
	}

	if anyNeedsRead {
		if err := c.readPacketRaw(ctx, packetLba); err != nil {
			return false, err
		}
	} else {
		for i := range c.scratchBuf {
			c.scratchBuf[i] = 0
		}
	}

	before := append([]byte(nil), c.scratchBuf...)

	for i := 0; i < c.packetSize; i++ {
		if !overlayMask.Get(i) {
			continue
		}
		copy(c.scratchBuf[i*blockSize:(i+1)*blockSize], f.entries[base+i].buffer)
	}

	changed := c.flags.has(DoNotCompare) || !bytes.Equal(before, c.scratchBuf)
	if changed {
		if err := c.writePacketRaw(ctx, packetLba); err != nil {
			return false, err
		}
	}

	for i := 0; i < c.packetSize; i++ {
		if modifiedMask.Get(i) {
			entry := &f.entries[base+i]
			entry.markClean()
			lba := packetLba + Lba(i)
			c.modifiedBlocks.removeItem(lba)
			c.writeBlockCount--
		}
	}

	return changed, nil
}

// readPacketRaw reads one packet into the cache's scratch buffer, retrying
// once via the error handler on failure.
func (c *Cache) readPacketRaw(ctx context.Context, packetLba Lba) error {
	return c.ioWithRetry(ctx, packetLba, c.packetSize, false, func() (int, error) {
		return c.read(ctx, c.scratchBuf, packetLba, IOTempBuffer)
	})
}

// writePacketRaw writes one packet from the cache's scratch buffer, retrying
// once via the error handler on failure.
func (c *Cache) writePacketRaw(ctx context.Context, packetLba Lba) error {
	return c.ioWithRetry(ctx, packetLba, c.packetSize, true, func() (int, error) {
		return c.write(ctx, c.scratchBuf, packetLba, IOTempBuffer)
	})
}

// ioWithRetry runs op, and on failure consults the error handler: VerdictRetry
// runs op exactly once more, VerdictFatal escalates to a driver-internal
// error, and anything else (including VerdictFail) surfaces ErrIOError.
func (c *Cache) ioWithRetry(
	ctx context.Context, lba Lba, count int, isWrite bool, op func() (int, error),
) error {
	_, err := op()
	if err == nil {
		return nil
	}

	verdict := c.errorHandler(ctx, ErrorContext{Lba: lba, BlockCount: count, Write: isWrite, Err: err})
	switch verdict {
	case VerdictRetry:
		if _, err2 := op(); err2 != nil {
			return cerrors.ErrIOError.Wrap(err2)
		}
		return nil
	case VerdictFatal:
		return cerrors.ErrDriverInternalError.Wrap(err)
	default:
		return cerrors.ErrIOError.Wrap(err)
	}
}

// ramFlushPacket implements RAM mode's sector-coalescing flush: it groups
// adjacent modified blocks in the packet containing packetLba into runs and
// writes each run directly, touching no non-modified media at all (spec.md
// §4.8's RAM variant).
func (c *Cache) ramFlushPacket(ctx context.Context, frame Lba, packetLba Lba) error {
	f := c.getFrame(frame)
	if f == nil {
		return nil
	}

	base := c.slotIndex(packetLba)
	blockSize := 1 << c.blockSizeSh

	runStart := -1
	flushRun := func(end int) error {
		if runStart < 0 {
			return nil
		}
		runLen := end - runStart
		runLba := packetLba + Lba(runStart)
		buf := make([]byte, runLen*blockSize)
		for i := 0; i < runLen; i++ {
			copy(buf[i*blockSize:(i+1)*blockSize], f.entries[base+runStart+i].buffer)
		}
		if err := c.ioWithRetry(ctx, runLba, runLen, true, func() (int, error) {
			return c.write(ctx, buf, runLba, 0)
		}); err != nil {
			return err
		}
		for i := 0; i < runLen; i++ {
			entry := &f.entries[base+runStart+i]
			entry.markClean()
			lba := runLba + Lba(i)
			c.modifiedBlocks.removeItem(lba)
			c.writeBlockCount--
		}
		runStart = -1
		return nil
	}

	for i := 0; i < c.packetSize; i++ {
		if f.entries[base+i].IsModified() {
			if runStart < 0 {
				runStart = i
			}
		} else if runStart >= 0 {
			if err := flushRun(i); err != nil {
				return err
			}
		}
	}
	return flushRun(c.packetSize)
}
