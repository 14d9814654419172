package cache

import "context"

// frameEntry owns the CacheEntry array for one frame, plus the access
// statistics the eviction controller scores it by.
type frameEntry struct {
	entries     []CacheEntry
	blockCount  int
	updateCount int
	accessCount int
	// badCount counts entries remembered bad (MarkBadBlocks). Bad slots carry
	// no buffer and are never in CachedBlocks, so they don't count toward
	// blockCount, but a frame that exists only to remember bad blocks still
	// needs to survive an opportunistic "BlockCount==0" prune.
	badCount int
}

// frameNumber returns the frame a block address belongs to.
func (c *Cache) frameNumber(lba Lba) Lba {
	return lba >> c.blocksPerFrameSh
}

// frameBase returns the first block address of a frame.
func (c *Cache) frameBase(frame Lba) Lba {
	return frame << c.blocksPerFrameSh
}

// slotIndex returns a block's position within its owning frame's entry array.
func (c *Cache) slotIndex(lba Lba) int {
	return int(lba - c.frameBase(c.frameNumber(lba)))
}

// getFrame returns the frame entry for frame, or nil if it doesn't exist.
func (c *Cache) getFrame(frame Lba) *frameEntry {
	return c.frames[uint64(frame)]
}

// initFrame returns the frame entry for frame, lazily allocating its
// block-entry array (and running eviction first if CachedFrames is already
// at capacity) if this is the first time any block in the frame is touched.
func (c *Cache) initFrame(ctx context.Context, frame Lba) (*frameEntry, error) {
	if f, ok := c.frames[uint64(frame)]; ok {
		return f, nil
	}

	if c.cachedFrames.Len() >= c.maxFrames {
		if err := c.checkLimits(ctx, c.frameBase(frame), c.packetSize); err != nil {
			return nil, err
		}
	}

	f := &frameEntry{
		entries: make([]CacheEntry, c.blocksPerFrame),
	}
	c.frames[uint64(frame)] = f
	c.cachedFrames.insertItem(frame)
	return f, nil
}

// removeFrame frees a frame's block-entry array and removes it from
// CachedFrames. It is only valid to call this when the frame's BlockCount and
// badCount are both zero; otherwise it panics.
func (c *Cache) removeFrame(frame Lba) {
	f, ok := c.frames[uint64(frame)]
	if !ok {
		return
	}
	if f.blockCount != 0 || f.badCount != 0 {
		panic("removeFrame called on a frame with cached or remembered-bad blocks")
	}
	delete(c.frames, uint64(frame))
	c.cachedFrames.removeItem(frame)
}

// removeFrameIfEmpty removes frame from the table if its BlockCount has
// dropped to zero and it remembers no bad blocks, a no-op otherwise.
func (c *Cache) removeFrameIfEmpty(frame Lba) {
	if f, ok := c.frames[uint64(frame)]; ok && f.blockCount == 0 && f.badCount == 0 {
		c.removeFrame(frame)
	}
}
