package cache

import (
	"context"
	"fmt"

	cerrors "github.com/vireo-systems/packcache/errors"
)

// Read fills buffer with bCount blocks of data starting at lba. If
// cachedOnly is true, the caller already holds the cache lock (e.g. this is
// a nested call from within Direct's bracket) and Read must not acquire it
// again.
func (c *Cache) Read(ctx context.Context, lba Lba, bCount int, buffer []byte, cachedOnly bool) (int, error) {
	if bCount >= c.maxBlocks && !cachedOnly {
		return c.readStrided(ctx, lba, bCount, buffer)
	}

	if c.outOfRange(lba, bCount) {
		return c.rawReadAt(ctx, lba, buffer[:bCount<<c.blockSizeSh])
	}

	if !cachedOnly {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	return c.readLocked(ctx, lba, bCount, buffer)
}

// readStrided recurses in PacketSize strides for requests too large to ever
// fit in the cache at once.
func (c *Cache) readStrided(ctx context.Context, lba Lba, bCount int, buffer []byte) (int, error) {
	blockSize := 1 << c.blockSizeSh
	written := 0
	for written < bCount {
		chunk := c.packetSize
		if chunk > bCount-written {
			chunk = bCount - written
		}
		n, err := c.Read(ctx, lba+Lba(written), chunk, buffer[written*blockSize:], false)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// outOfRange reports whether [lba, lba+bCount) escapes [FirstLba, LastLba].
func (c *Cache) outOfRange(lba Lba, bCount int) bool {
	if lba < c.firstLba {
		return true
	}
	last := lba + Lba(bCount) - 1
	return last > c.lastLba
}

func (c *Cache) readLocked(ctx context.Context, lba Lba, bCount int, buffer []byte) (int, error) {
	if err := c.checkLimits(ctx, lba, bCount); err != nil {
		return 0, err
	}

	if c.flags.has(CacheWholePacket) {
		if err := c.preReadPacket(ctx, lba); err != nil {
			return 0, err
		}
	}

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

		n, err := c.readFrameChunk(ctx, f, cursor, chunk, buffer[written*blockSize:])
		written += n
		f.accessCount++
		c.removeFrameIfEmpty(frame)
		if err != nil {
			return written, err
		}
		cursor += Lba(chunk)
		remaining -= chunk
	}
	return written, nil
}

// preReadPacket implements the CacheWholePacket behavior: on a sub-packet
// miss, populate every currently-uncached slot of the containing packet in
// one shot, anticipating follow-up reads of neighboring blocks.
func (c *Cache) preReadPacket(ctx context.Context, lba Lba) error {
	packetLba := lba &^ Lba(c.packetSize-1)
	frame := c.frameNumber(packetLba)
	f, err := c.initFrame(ctx, frame)
	if err != nil {
		return err
	}
	base := c.slotIndex(packetLba)

	satisfied := true
	for i := 0; i < c.packetSize; i++ {
		entry := &f.entries[base+i]
		if entry.IsCached() || entry.IsBad() {
			continue
		}
		addr := packetLba + Lba(i)
		usage := c.checkUsed(ctx, addr)
		if usage.has(UsageBad) {
			if !c.flags.has(MarkBadBlocks) {
				return cerrors.ErrDeviceDataError.WithMessage(
					fmt.Sprintf("block %d is marked bad", addr))
			}
			entry.markBad()
			f.badCount++
			continue
		}
		if !usage.has(UsageZero) {
			satisfied = false
			break
		}
	}
	if satisfied {
		return nil
	}

	blockSize := 1 << c.blockSizeSh
	buf := make([]byte, c.packetSize*blockSize)
	if _, err := c.rawReadAt(ctx, packetLba, buf); err != nil {
		return err
	}

	for i := 0; i < c.packetSize; i++ {
		entry := &f.entries[base+i]
		if entry.IsCached() || entry.IsBad() {
			continue
		}
		perBlock := append([]byte(nil), buf[i*blockSize:(i+1)*blockSize]...)
		entry.setClean(perBlock)
		f.blockCount++
		c.cachedBlocks.insertItem(packetLba + Lba(i))
	}
	return nil
}

// readFrameChunk reads count blocks starting at start, all within one frame,
// interleaving copy-from-cache, large bypass reads for packet-aligned
// uncached runs, and gather-read-and-cache for everything else.
func (c *Cache) readFrameChunk(ctx context.Context, f *frameEntry, start Lba, count int, out []byte) (int, error) {
	blockSize := 1 << c.blockSizeSh
	base := c.slotIndex(start)
	i := 0
	written := 0

	for i < count {
		entry := &f.entries[base+i]
		if entry.IsCached() {
			copy(out[written*blockSize:(written+1)*blockSize], entry.buffer)
			i++
			written++
			continue
		}
		if entry.IsBad() {
			zeroFill(out[written*blockSize : (written+1)*blockSize])
			i++
			written++
			continue
		}

		runStart := i
		for i < count && !f.entries[base+i].IsCached() && !f.entries[base+i].IsBad() {
			i++
		}
		runLen := i - runStart
		runLba := start + Lba(runStart)

		// Bypass only kicks in strictly beyond one packet: an uncached run
		// exactly one packet long is still worth caching outright (and
		// spec.md §8 scenario 4 pins exactly that case under
		// CacheWholePacket), so this only fires for requests that reach
		// meaningfully ahead of the cursor.
		if int(runLba)%c.packetSize == 0 && runLen > c.packetSize {
			bypassLen := runLen - runLen%c.packetSize
			n, err := c.bypassReadRun(ctx, runLba, bypassLen, out[written*blockSize:])
			written += n
			if err != nil {
				return written, err
			}
			remLen := runLen - bypassLen
			if remLen > 0 {
				n2, err := c.fetchAndCacheRun(ctx, f, runLba+Lba(bypassLen), remLen, out[written*blockSize:])
				written += n2
				if err != nil {
					return written, err
				}
			}
			continue
		}

		n, err := c.fetchAndCacheRun(ctx, f, runLba, runLen, out[written*blockSize:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// bypassReadRun issues a direct device read for a packet-aligned run of
// uncached blocks without populating the cache at all (spec.md §4.3 step 5:
// "a large bypass read"). It exists so a request for data the cache has no
// intention of retaining — one spanning whole packets ahead of the cursor —
// costs one read callback instead of one allocation and index insert per
// block.
func (c *Cache) bypassReadRun(ctx context.Context, runLba Lba, runLen int, out []byte) (int, error) {
	blockSize := 1 << c.blockSizeSh
	got, err := c.rawReadAt(ctx, runLba, out[:runLen*blockSize])
	return got / blockSize, err
}

// fetchAndCacheRun reads runLen uncached blocks starting at runLba, honoring
// the usage oracle's zero/bad verdicts, and publishes fresh per-block buffers
// for every address it actually reads.
func (c *Cache) fetchAndCacheRun(
	ctx context.Context, f *frameEntry, runLba Lba, runLen int, out []byte,
) (int, error) {
	blockSize := 1 << c.blockSizeSh
	base := c.slotIndex(runLba)
	i := 0

	for i < runLen {
		lba := runLba + Lba(i)
		usage := c.checkUsed(ctx, lba)

		switch {
		case usage.has(UsageBad):
			if !c.flags.has(MarkBadBlocks) {
				return i, cerrors.ErrDeviceDataError.WithMessage(
					fmt.Sprintf("block %d is marked bad", lba))
			}
			f.entries[base+i].markBad()
			f.badCount++
			zeroFill(out[i*blockSize : (i+1)*blockSize])
			i++

		case usage.has(UsageZero):
			zeroFill(out[i*blockSize : (i+1)*blockSize])
			i++

		default:
			j := i
			for j < runLen {
				u := c.checkUsed(ctx, runLba+Lba(j))
				if u.has(UsageBad) || u.has(UsageZero) {
					break
				}
				j++
			}
			subLen := j - i
			subLba := runLba + Lba(i)
			subBuf := make([]byte, subLen*blockSize)
			if _, err := c.rawReadAt(ctx, subLba, subBuf); err != nil {
				return i, err
			}
			copy(out[i*blockSize:j*blockSize], subBuf)
			for k := 0; k < subLen; k++ {
				perBlock := append([]byte(nil), subBuf[k*blockSize:(k+1)*blockSize]...)
				f.entries[base+i+k].setClean(perBlock)
				f.blockCount++
				c.cachedBlocks.insertItem(subLba + Lba(k))
			}
			i = j
		}
	}
	return runLen, nil
}

// rawReadAt issues one or more read callbacks to fill buf, splitting at
// MaxBytesToRead and honoring partial reads truncated to block granularity.
// It returns the number of bytes actually filled.
func (c *Cache) rawReadAt(ctx context.Context, lba Lba, buf []byte) (int, error) {
	blockSize := 1 << c.blockSizeSh
	offset := 0

	for offset < len(buf) {
		chunkLen := len(buf) - offset
		if chunkLen > c.maxBytesToRead {
			chunkLen = c.maxBytesToRead
		}
		curLba := lba + Lba(offset/blockSize)

		got, err := c.read(ctx, buf[offset:offset+chunkLen], curLba, 0)
		if err != nil {
			verdict := c.errorHandler(ctx, ErrorContext{
				Lba: curLba, BlockCount: chunkLen / blockSize, Write: false, Err: err,
			})
			if verdict == VerdictRetry {
				got, err = c.read(ctx, buf[offset:offset+chunkLen], curLba, 0)
			}
			if err != nil {
				if verdict == VerdictFatal {
					return offset, cerrors.ErrDriverInternalError.Wrap(err)
				}
				return offset, cerrors.ErrIOError.Wrap(err)
			}
		}

		gotBlocks := got / blockSize
		offset += gotBlocks * blockSize
		if got < chunkLen {
			break
		}
	}
	return offset, nil
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
