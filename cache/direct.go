package cache

import (
	"context"

	cerrors "github.com/vireo-systems/packcache/errors"
)

// Direct returns a pinned, in-place handle to the cached buffer for lba,
// fetching it first if necessary. The slice must not be retained past the
// enclosing StartDirect/EODirect bracket: once EODirect returns, every pin
// acquired during the bracket is released and the eviction controller is
// free to reclaim the buffer.
//
// modified marks the block MODIFIED as part of this call. Every call adds 8
// to the frame's AccessCount, and a modified=true call also adds 8 to its
// UpdateCount, where a bulk Read or Write adds 1.
func (c *Cache) Direct(ctx context.Context, lba Lba, modified bool, cachedOnly bool) ([]byte, error) {
	if !cachedOnly {
		c.mu.Lock()
		defer c.mu.Unlock()
	}

	if c.outOfRange(lba, 1) {
		return nil, cerrors.ErrInvalidParameter.WithMessage(
			"lba is outside the cache's managed range")
	}
	if err := c.checkLimits(ctx, lba, 1); err != nil {
		return nil, err
	}

	frame := c.frameNumber(lba)
	f, err := c.initFrame(ctx, frame)
	if err != nil {
		return nil, err
	}
	base := c.slotIndex(lba)
	entry := &f.entries[base]

	if entry.IsBad() {
		return nil, cerrors.ErrDeviceDataError.WithMessage("block is remembered bad")
	}

	if !entry.IsCached() {
		blockSize := 1 << c.blockSizeSh
		usage := c.checkUsed(ctx, lba)

		switch {
		case usage.has(UsageBad):
			if !c.flags.has(MarkBadBlocks) {
				return nil, cerrors.ErrDeviceDataError.WithMessage("block is bad")
			}
			entry.markBad()
			f.badCount++
			return nil, cerrors.ErrDeviceDataError.WithMessage("block is bad")

		case usage.has(UsageZero):
			buf := make([]byte, blockSize)
			entry.setClean(buf)
			f.blockCount++
			c.cachedBlocks.insertItem(lba)

		default:
			buf := make([]byte, blockSize)
			if _, err := c.rawReadAt(ctx, lba, buf); err != nil {
				return nil, err
			}
			entry.setClean(buf)
			f.blockCount++
			c.cachedBlocks.insertItem(lba)
		}
	}

	if cachedOnly {
		c.pin(lba)
	}
	f.accessCount += 8

	if modified && !entry.IsModified() {
		entry.markDirty()
		c.modifiedBlocks.insertItem(lba)
		c.writeBlockCount++
	}
	if modified {
		f.updateCount += 8
	}

	return entry.buffer, nil
}

func (c *Cache) pin(lba Lba) {
	if c.pinned == nil {
		c.pinned = make(map[uint64]bool)
	}
	c.pinned[uint64(lba)] = true
}

func (c *Cache) isPinned(lba Lba) bool {
	return c.pinned[uint64(lba)]
}

// StartDirect begins a bracket of Direct calls made with cachedOnly=true.
// exclusive selects a write lock (the caller intends at least one
// modified=true call) versus a read lock (pure inspection).
func (c *Cache) StartDirect(exclusive bool) {
	if exclusive {
		c.mu.Lock()
	} else {
		c.mu.RLock()
	}
	c.directExclusive = exclusive
}

// EODirect ends a StartDirect bracket: every pin acquired during it is
// released and the lock is dropped.
func (c *Cache) EODirect() {
	c.pinned = nil
	if c.directExclusive {
		c.mu.Unlock()
	} else {
		c.mu.RUnlock()
	}
}
