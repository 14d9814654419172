package cache

import (
	"context"
	"fmt"

	cerrors "github.com/vireo-systems/packcache/errors"
)

// Write stores bCount blocks of data starting at lba. If cachedOnly is true,
// the caller already holds the cache lock.
func (c *Cache) Write(ctx context.Context, lba Lba, bCount int, buffer []byte, cachedOnly bool) (int, error) {
	if c.mode == ModeROM {
		return 0, cerrors.ErrMediaWriteProtected
	}

	if bCount >= c.maxBlocks && !cachedOnly {
		return c.writeStrided(ctx, lba, bCount, buffer)
	}

	if c.outOfRange(lba, bCount) {
		return c.bypassWrite(ctx, lba, bCount, buffer)
	}

	if !cachedOnly {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	return c.writeLocked(ctx, lba, bCount, buffer)
}

// writeStrided recurses in PacketSize strides, the write-path counterpart of
// readStrided: each packet is a self-contained RMW or relocation unit, so
// nothing is gained by holding more than one in flight at a time.
func (c *Cache) writeStrided(ctx context.Context, lba Lba, bCount int, buffer []byte) (int, error) {
	blockSize := 1 << c.blockSizeSh
	written := 0
	for written < bCount {
		chunk := c.packetSize
		if chunk > bCount-written {
			chunk = bCount - written
		}
		n, err := c.Write(ctx, lba+Lba(written), chunk, buffer[written*blockSize:], false)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *Cache) bypassWrite(ctx context.Context, lba Lba, bCount int, buffer []byte) (int, error) {
	blockSize := 1 << c.blockSizeSh
	if err := c.rawWriteAt(ctx, lba, buffer[:bCount*blockSize]); err != nil {
		return 0, err
	}
	return bCount, nil
}

func (c *Cache) writeLocked(ctx context.Context, lba Lba, bCount int, buffer []byte) (int, error) {
	if c.mode == ModeROM {
		return 0, cerrors.ErrMediaWriteProtected
	}

	if c.canBypassWrite(lba, bCount) {
		return c.bypassWrite(ctx, lba, bCount, buffer)
	}

	if err := c.checkLimits(ctx, lba, bCount); err != nil {
		return 0, err
	}

	written, err := c.writeCached(ctx, lba, bCount, buffer)
	if err != nil {
		return written, err
	}

	if c.mode == ModeRAM && !c.flags.has(NoWriteThrough) {
		if bCount > c.packetSize || crossesPacketBoundary(lba, bCount, c.packetSize) {
			if err := c.ramWriteThrough(ctx, lba, bCount); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// canBypassWrite reports whether [lba, lba+bCount) qualifies for the fast
// path in spec.md §4.4: a packet-aligned range, confined to a single frame
// that has never been touched, on non-WORM media, with write-through
// allowed. When it does, the write can go straight to the device without
// ever allocating a cache entry — the scenario spec.md §8 pins as "bypass
// equivalence": exactly one write callback, with the caller's own buffer.
func (c *Cache) canBypassWrite(lba Lba, bCount int) bool {
	if c.mode.isWORM() {
		return false
	}
	if c.flags.has(NoWriteThrough) {
		return false
	}
	if int(lba)%c.packetSize != 0 || bCount%c.packetSize != 0 || bCount == 0 {
		return false
	}
	if c.frameNumber(lba) != c.frameNumber(lba+Lba(bCount)-1) {
		return false
	}
	return c.getFrame(c.frameNumber(lba)) == nil
}

// writeCached is the general path: every block in range is cached (if not
// already) and marked modified, except that on non-WORM media a
// packet-aligned run of at least one packet of uncached blocks is written
// straight to the device one packet at a time and is not cached. Cached data
// becomes visible to media only via a later flush/evict/relocation.
func (c *Cache) writeCached(ctx context.Context, lba Lba, bCount int, buffer []byte) (int, error) {
	blockSize := 1 << c.blockSizeSh
	remaining := bCount
	cursor := lba
	written := 0

	for remaining > 0 {
		frame := c.frameNumber(cursor)
		f, err := c.initFrame(ctx, frame)
		if err != nil {
			return written, err
		}
		base := c.slotIndex(cursor)
		frameBlocksLeft := c.blocksPerFrame - base
		chunk := remaining
		if chunk > frameBlocksLeft {
			chunk = frameBlocksLeft
		}

		i := 0
		for i < chunk {
			addr := cursor + Lba(i)

			if !c.mode.isWORM() && c.uncachedPacketRunLen(f, base, i, chunk) >= c.packetSize {
				runLen := c.packetSize
				runBuf := buffer[(written+i)*blockSize : (written+i+runLen)*blockSize]
				if err := c.rawWriteAt(ctx, addr, runBuf); err != nil {
					return written + i, err
				}
				i += runLen
				continue
			}

			entry := &f.entries[base+i]
			if entry.IsBad() {
				if c.flags.has(MarkBadBlocks) && c.flags.has(ROBadBlocks) {
					return written + i, cerrors.ErrMediaWriteProtected.WithMessage(
						fmt.Sprintf("block %d is remembered bad", addr))
				}
				entry.clear()
				f.badCount--
			}

			wasCached := entry.IsCached()
			wasModified := entry.IsModified()
			perBlock := append([]byte(nil), buffer[(written+i)*blockSize:(written+i+1)*blockSize]...)
			entry.setDirty(perBlock)

			if !wasCached {
				f.blockCount++
				c.cachedBlocks.insertItem(addr)
			}
			if !wasModified {
				c.modifiedBlocks.insertItem(addr)
				c.writeBlockCount++
			}
			i++
		}
		f.updateCount++
		c.removeFrameIfEmpty(frame)

		written += chunk
		cursor += Lba(chunk)
		remaining -= chunk
	}
	return written, nil
}

// uncachedPacketRunLen reports how many consecutive uncached, non-bad slots
// start at offset i within f's chunk, when i itself falls on a packet
// boundary. It returns 0 when i isn't packet-aligned, so the caller only
// ever takes the direct-to-media path in spec.md §4.4's "packet-aligned runs
// of writes to uncached blocks are issued directly to media" sense — never a
// partial packet.
func (c *Cache) uncachedPacketRunLen(f *frameEntry, base, i, chunk int) int {
	if (base+i)%c.packetSize != 0 {
		return 0
	}
	run := 0
	for i+run < chunk {
		entry := &f.entries[base+i+run]
		if entry.IsCached() || entry.IsBad() {
			break
		}
		run++
	}
	return run
}

// crossesPacketBoundary reports whether [lba, lba+bCount) touches more than
// one packet-aligned region.
func crossesPacketBoundary(lba Lba, bCount int, packetSize int) bool {
	first := lba / Lba(packetSize)
	last := (lba + Lba(bCount) - 1) / Lba(packetSize)
	return first != last
}

// ramWriteThrough flushes every packet touched by [lba, lba+bCount) using the
// RAM sector-coalescing flush, so a RAM-mode write that spans a packet
// boundary never leaves a torn packet dirty longer than necessary.
func (c *Cache) ramWriteThrough(ctx context.Context, lba Lba, bCount int) error {
	packetStart := lba &^ Lba(c.packetSize-1)
	packetEnd := (lba + Lba(bCount) - 1) &^ Lba(c.packetSize-1)
	for p := packetStart; p <= packetEnd; p += Lba(c.packetSize) {
		frame := c.frameNumber(p)
		if err := c.ramFlushPacket(ctx, frame, p); err != nil {
			return err
		}
	}
	return nil
}

// rawWriteAt issues one or more write callbacks to flush buf to lba, splitting
// at MaxBytesToRead (the engine's only I/O chunk-size knob) and retrying once
// via the error handler on failure.
func (c *Cache) rawWriteAt(ctx context.Context, lba Lba, buf []byte) error {
	blockSize := 1 << c.blockSizeSh
	offset := 0
	for offset < len(buf) {
		chunkLen := len(buf) - offset
		if chunkLen > c.maxBytesToRead {
			chunkLen = c.maxBytesToRead
		}
		curLba := lba + Lba(offset/blockSize)
		chunk := buf[offset : offset+chunkLen]
		if err := c.ioWithRetry(ctx, curLba, chunkLen/blockSize, true, func() (int, error) {
			return c.write(ctx, chunk, curLba, 0)
		}); err != nil {
			return err
		}
		offset += chunkLen
	}
	return nil
}
