package cache

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// flushPacketInPlace writes back one packet without removing it from the
// cache, dispatching on mode the same way the eviction controller does.
func (c *Cache) flushPacketInPlace(ctx context.Context, frame Lba, packetLba Lba) error {
	if c.mode == ModeRAM {
		return c.ramFlushPacket(ctx, frame, packetLba)
	}
	return c.flushPacketWithRetries(ctx, frame, packetLba)
}

// FlushBlocks writes back every modified block in [lba, lba+bCount) without
// evicting anything. WORM/EWR media can only leave the cache through the
// relocation-batching eviction path, so there this delegates to PurgeAll.
func (c *Cache) FlushBlocks(ctx context.Context, lba Lba, bCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode.isWORM() {
		return c.purgeAllLocked(ctx)
	}

	packetStart := lba &^ Lba(c.packetSize-1)
	last := lba + Lba(bCount) - 1
	packetEnd := last &^ Lba(c.packetSize-1)

	var result *multierror.Error
	for p := packetStart; p <= packetEnd; p += Lba(c.packetSize) {
		frame := c.frameNumber(p)
		if c.getFrame(frame) == nil {
			continue
		}
		if err := c.flushPacketInPlace(ctx, frame, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// FlushAll writes back every modified block in the cache without discarding
// any clean ones. WORM/EWR media delegates to PurgeAll for the same reason
// FlushBlocks does.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode.isWORM() {
		return c.purgeAllLocked(ctx)
	}

	var result *multierror.Error
	for _, frame := range append([]Lba(nil), c.cachedFrames.Slice()...) {
		base := c.frameBase(frame)
		for packetLba := base; packetLba < base+Lba(c.blocksPerFrame); packetLba += Lba(c.packetSize) {
			if err := c.flushPacketInPlace(ctx, frame, packetLba); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// PurgeAll writes back whatever it can and then discards every cached block
// and frame, returning the cache to an empty state. As in FlushAll, a
// failure flushing one packet doesn't stop the purge: every packet gets a
// chance and the errors are aggregated, because PurgeAll exists for orderly
// teardown (ahead of Release, or an unmount) that has to finish regardless of
// individual flush failures.
func (c *Cache) PurgeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeAllLocked(ctx)
}

func (c *Cache) purgeAllLocked(ctx context.Context) error {
	var result *multierror.Error

	if c.mode.isWORM() {
		for _, frame := range append([]Lba(nil), c.cachedFrames.Slice()...) {
			if err := c.wormReclaimFrame(ctx, frame); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := c.commitRelocBatch(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		c.dropEverything()
		return result.ErrorOrNil()
	}

	for _, frame := range append([]Lba(nil), c.cachedFrames.Slice()...) {
		base := c.frameBase(frame)
		for packetLba := base; packetLba < base+Lba(c.blocksPerFrame); packetLba += Lba(c.packetSize) {
			if err := c.flushPacketInPlace(ctx, frame, packetLba); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	c.dropEverything()
	return result.ErrorOrNil()
}

// dropEverything empties every index and frame without flushing. Callers are
// responsible for having flushed whatever they wanted preserved beforehand.
func (c *Cache) dropEverything() {
	c.frames = make(map[uint64]*frameEntry)
	c.cachedBlocks = newSortedList(c.maxBlocks)
	c.modifiedBlocks = newSortedList(c.maxBlocks)
	c.cachedFrames = newSortedList(c.maxFrames)
	c.writeBlockCount = 0
}

// DiscardBlocks drops every cached block in [lba, lba+bCount) without
// flushing, losing any unflushed modification in that range.
func (c *Cache) DiscardBlocks(ctx context.Context, lba Lba, bCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := bCount
	cursor := lba
	for remaining > 0 {
		frame := c.frameNumber(cursor)
		base := c.slotIndex(cursor)
		frameBlocksLeft := c.blocksPerFrame - base
		chunk := remaining
		if chunk > frameBlocksLeft {
			chunk = frameBlocksLeft
		}

		f := c.getFrame(frame)
		if f == nil {
			cursor += Lba(chunk)
			remaining -= chunk
			continue
		}

		for i := 0; i < chunk; i++ {
			entry := &f.entries[base+i]
			addr := cursor + Lba(i)
			if entry.IsModified() {
				c.modifiedBlocks.removeItem(addr)
				c.writeBlockCount--
			}
			if entry.IsCached() {
				f.blockCount--
				c.cachedBlocks.removeItem(addr)
			}
			if entry.IsBad() {
				f.badCount--
			}
			entry.clear()
		}
		c.removeFrameIfEmpty(frame)

		cursor += Lba(chunk)
		remaining -= chunk
	}
}

// IsCached reports whether every block in [lba, lba+bCount) currently holds
// a live buffer in the cache.
func (c *Cache) IsCached(lba Lba, bCount int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := 0; i < bCount; i++ {
		if !c.cachedBlocks.contains(lba + Lba(i)) {
			return false
		}
	}
	return true
}
