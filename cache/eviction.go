package cache

import (
	"context"

	"golang.org/x/exp/slices"

	cerrors "github.com/vireo-systems/packcache/errors"
)

// checkLimits is the eviction controller's entry point (spec.md §4.7). Read,
// Write, and Direct call it before consuming more cache space, to ensure the
// post-operation state satisfies invariant 1.
func (c *Cache) checkLimits(ctx context.Context, reqLba Lba, bCount int) error {
	return c.checkLimitsWith(ctx, reqLba, bCount)
}

func (c *Cache) checkLimitsWith(ctx context.Context, reqLba Lba, bCount int) error {
	switch {
	case c.mode.isWORM():
		return c.checkLimitsR(ctx, reqLba, bCount)
	case c.mode == ModeRAM:
		return c.checkLimitsRAM(ctx, reqLba, bCount)
	default:
		return c.checkLimitsRW(ctx, reqLba, bCount)
	}
}

// reclaimFrameHeadroom implements step 1 and step 2 of the shared outer shape
// described in spec.md §4.7: opportunistic cleanup of already-empty frames,
// then evicting whole frames via flushFn until both the frame budget and the
// FramesToKeepFree headroom for reqLba are satisfied.
func (c *Cache) reclaimFrameHeadroom(
	ctx context.Context, reqLba Lba, flushFn func(context.Context, Lba) error,
) error {
	if c.cachedFrames.Len()*4 >= c.maxFrames*3 {
		for _, frame := range append([]Lba(nil), c.cachedFrames.Slice()...) {
			c.removeFrameIfEmpty(frame)
		}
	}

	needed := c.framesToKeepFree
	if c.getFrame(c.frameNumber(reqLba)) == nil {
		needed++
	}

	for c.cachedFrames.Len() > 0 &&
		(c.cachedFrames.Len() > c.maxFrames || c.maxFrames-c.cachedFrames.Len() < needed) {
		victim := c.findFrameToRelease()
		if err := c.evictFrame(ctx, victim, flushFn); err != nil {
			return err
		}
	}
	return nil
}

// reclaimBlockHeadroom implements step 3: while admitting bCount more blocks
// would exceed MaxBlocks, evict one packet-aligned victim at a time.
func (c *Cache) reclaimBlockHeadroom(
	ctx context.Context, bCount int, flushFn func(context.Context, Lba, Lba) error,
) error {
	for c.cachedBlocks.Len()+bCount > c.maxBlocks {
		if c.cachedBlocks.Len() == 0 {
			break
		}
		victim := c.findLbaToRelease()
		packetLba := victim &^ Lba(c.packetSize-1)
		frame := c.frameNumber(packetLba)
		if err := flushFn(ctx, frame, packetLba); err != nil {
			return err
		}
		c.freePacketSlots(frame, packetLba)
		c.removeFrameIfEmpty(frame)
	}
	return nil
}

// checkLimitsRW is the ROM/RW strategy: victims are flushed with
// read-modify-write and then dropped.
func (c *Cache) checkLimitsRW(ctx context.Context, reqLba Lba, bCount int) error {
	rwFlush := func(ctx context.Context, packetLba Lba) error {
		frame := c.frameNumber(packetLba)
		return c.flushPacketWithRetries(ctx, frame, packetLba)
	}
	if err := c.reclaimFrameHeadroom(ctx, reqLba, rwFlush); err != nil {
		return err
	}
	return c.reclaimBlockHeadroom(ctx, bCount, func(ctx context.Context, frame, packetLba Lba) error {
		return c.flushPacketWithRetries(ctx, frame, packetLba)
	})
}

// checkLimitsRAM is the RAM strategy: victims are flushed with sector
// coalescing (no read-modify-write) and then dropped.
func (c *Cache) checkLimitsRAM(ctx context.Context, reqLba Lba, bCount int) error {
	ramFlush := func(ctx context.Context, packetLba Lba) error {
		frame := c.frameNumber(packetLba)
		return c.ramFlushPacket(ctx, frame, packetLba)
	}
	if err := c.reclaimFrameHeadroom(ctx, reqLba, ramFlush); err != nil {
		return err
	}
	return c.reclaimBlockHeadroom(ctx, bCount, c.ramFlushPacket)
}

// flushPacketWithRetries drives updatePacket's RETRY protocol: it tries with
// prefereWrite=false up to MaxTriesForNA times, then forces the write
// through.
func (c *Cache) flushPacketWithRetries(ctx context.Context, frame Lba, packetLba Lba) error {
	for i := 0; i < c.maxTriesForNA; i++ {
		_, err := c.updatePacket(ctx, frame, packetLba, false)
		if err == nil {
			return nil
		}
		if !cerrors.IsRetry(err) {
			return err
		}
	}
	_, err := c.updatePacket(ctx, frame, packetLba, true)
	return err
}

// evictFrame flushes and drops every cached block in frame.
func (c *Cache) evictFrame(
	ctx context.Context, frame Lba, flushFn func(context.Context, Lba) error,
) error {
	f := c.getFrame(frame)
	if f == nil {
		c.cachedFrames.removeItem(frame)
		return nil
	}

	base := c.frameBase(frame)
	for packetLba := base; packetLba < base+Lba(c.blocksPerFrame); packetLba += Lba(c.packetSize) {
		if err := flushFn(ctx, packetLba); err != nil {
			return err
		}
		c.freePacketSlots(frame, packetLba)
	}
	c.removeFrameIfEmpty(frame)
	return nil
}

// freePacketSlots releases every cached buffer in the packet starting at
// packetLba within frame, and removes those addresses from CachedBlocks.
// ModifiedBlocks is assumed already clear for this packet (the flush
// function that ran beforehand is responsible for that).
func (c *Cache) freePacketSlots(frame Lba, packetLba Lba) {
	c.freePacketSlotsRange(frame, packetLba, c.packetSize)
}

func (c *Cache) freePacketSlotsRange(frame Lba, start Lba, count int) {
	f := c.getFrame(frame)
	if f == nil {
		return
	}
	base := c.slotIndex(start)
	for i := 0; i < count; i++ {
		entry := &f.entries[base+i]
		if entry.IsCached() {
			entry.clear()
			f.blockCount--
			c.cachedBlocks.removeItem(start + Lba(i))
		} else if entry.IsBad() {
			entry.clear()
			f.badCount--
		}
	}
}

// findLbaToRelease picks a uniformly random cached block address as an
// eviction victim (spec.md §4.9), skipping any address whose packet holds a
// block pinned by an in-progress Direct bracket. The caller packet-aligns it.
func (c *Cache) findLbaToRelease() Lba {
	n := c.cachedBlocks.Len()
	start := c.randomIndex(n)
	if len(c.pinned) == 0 {
		return c.cachedBlocks.randomItem(start)
	}
	for i := 0; i < n; i++ {
		lba := c.cachedBlocks.randomItem((start + i) % n)
		packetLba := lba &^ Lba(c.packetSize-1)
		pinned := false
		for j := 0; j < c.packetSize; j++ {
			if c.isPinned(packetLba + Lba(j)) {
				pinned = true
			}
		}
		if !pinned {
			return lba
		}
	}
	return c.cachedBlocks.randomItem(start)
}

// findModifiedLbaToRelease is findLbaToRelease restricted to ModifiedBlocks,
// without the pin check. The WORM strategy does not call it:
// reclaimBlockHeadroomWORM draws its victims from CachedBlocks through
// findLbaToRelease.
func (c *Cache) findModifiedLbaToRelease() Lba {
	idx := c.randomIndex(c.modifiedBlocks.Len())
	return c.modifiedBlocks.randomItem(idx)
}

// findFrameToRelease scores every cached frame as UpdateCount*32+AccessCount
// and returns the minimum; if no frame has a non-zero UpdateCount (counters
// decay with age, so a frame written long ago can read as zero), it falls
// back to a uniformly random frame and ages every frame's counters down, the
// same decay the reference implementation applies to approximate locality
// without maintaining linked lists.
func (c *Cache) findFrameToRelease() Lba {
	frames := c.cachedFrames.Slice()
	if len(c.pinned) > 0 {
		unpinned := make([]Lba, 0, len(frames))
		for _, frame := range frames {
			if !c.frameHasPinned(frame) {
				unpinned = append(unpinned, frame)
			}
		}
		if len(unpinned) > 0 {
			frames = unpinned
		}
	}

	anyWritten := false
	for _, frame := range frames {
		if f := c.getFrame(frame); f != nil && f.updateCount > 0 {
			anyWritten = true
			break
		}
	}

	if !anyWritten {
		idx := c.randomIndex(len(frames))
		for _, frame := range frames {
			if f := c.getFrame(frame); f != nil {
				f.updateCount = f.updateCount * 2 / 3
				f.accessCount = f.accessCount * 3 / 4
			}
		}
		return frames[idx]
	}

	scored := append([]Lba(nil), frames...)
	slices.SortFunc(scored, func(a, b Lba) bool {
		return c.frameScore(a) < c.frameScore(b)
	})
	return scored[0]
}

// frameHasPinned reports whether any address in frame is currently pinned by
// a Direct bracket.
func (c *Cache) frameHasPinned(frame Lba) bool {
	if len(c.pinned) == 0 {
		return false
	}
	base := c.frameBase(frame)
	for i := 0; i < c.blocksPerFrame; i++ {
		if c.isPinned(base + Lba(i)) {
			return true
		}
	}
	return false
}

func (c *Cache) frameScore(frame Lba) int {
	f := c.getFrame(frame)
	if f == nil {
		return 0
	}
	return f.updateCount*32 + f.accessCount
}

// -----------------------------------------------------------------------------
// WORM (R/EWR) strategy.
//
// Relocation is batched: the cache's persistent relocTab/scratchBufR hold up
// to PacketSize pending (address, block data) pairs. Clean victims are
// dropped for free; dirty victims are folded into the pending batch, which
// only commits once it's full — the engine never writes a short relocation
// packet on its own (spec.md §4.7's WORM note).

// checkLimitsR is the WORM strategy.
func (c *Cache) checkLimitsR(ctx context.Context, reqLba Lba, bCount int) error {
	if err := c.reclaimFrameHeadroomWORM(ctx, reqLba); err != nil {
		return err
	}
	return c.reclaimBlockHeadroomWORM(ctx, bCount)
}

func (c *Cache) reclaimFrameHeadroomWORM(ctx context.Context, reqLba Lba) error {
	if c.cachedFrames.Len()*4 >= c.maxFrames*3 {
		for _, frame := range append([]Lba(nil), c.cachedFrames.Slice()...) {
			c.removeFrameIfEmpty(frame)
		}
	}

	needed := c.framesToKeepFree
	if c.getFrame(c.frameNumber(reqLba)) == nil {
		needed++
	}

	for c.cachedFrames.Len() > 0 &&
		(c.cachedFrames.Len() > c.maxFrames || c.maxFrames-c.cachedFrames.Len() < needed) {
		victim := c.findFrameToRelease()
		if err := c.wormReclaimFrame(ctx, victim); err != nil {
			return err
		}
		// A frame with only dirty blocks that don't yet fill a relocation
		// packet stays resident; stop rather than spin forever.
		if f := c.getFrame(victim); f != nil && f.blockCount > 0 {
			break
		}
	}
	return nil
}

func (c *Cache) reclaimBlockHeadroomWORM(ctx context.Context, bCount int) error {
	for c.cachedBlocks.Len()+bCount > c.maxBlocks {
		if c.cachedBlocks.Len() == 0 {
			return nil
		}
		victim := c.findLbaToRelease()
		if evicted, err := c.wormReclaimOne(ctx, victim); err != nil {
			return err
		} else if !evicted {
			return cerrors.ErrInsufficientResources.WithMessage(
				"WORM cache is full of unrelocatable modified blocks; " +
					"awaiting a client-initiated Purge")
		}
	}
	return nil
}

// wormReclaimFrame discards every clean block and relocates every dirty
// block in frame, to the extent a full relocation packet allows.
func (c *Cache) wormReclaimFrame(ctx context.Context, frame Lba) error {
	f := c.getFrame(frame)
	if f == nil {
		return nil
	}
	base := c.frameBase(frame)
	for i := 0; i < c.blocksPerFrame; i++ {
		lba := base + Lba(i)
		if _, err := c.wormReclaimOne(ctx, lba); err != nil {
			return err
		}
	}
	c.removeFrameIfEmpty(frame)
	return nil
}

// wormReclaimOne drops lba if it's clean, or folds it into the pending
// relocation batch (committing the batch if it becomes full) if it's dirty.
// It reports whether the block was actually freed from the cache.
func (c *Cache) wormReclaimOne(ctx context.Context, lba Lba) (bool, error) {
	frame := c.frameNumber(lba)
	f := c.getFrame(frame)
	if f == nil {
		return false, nil
	}
	entry := &f.entries[c.slotIndex(lba)]

	switch {
	case entry.IsModified():
		return c.wormEnqueue(ctx, frame, lba, entry)
	case entry.IsCached():
		entry.clear()
		f.blockCount--
		c.cachedBlocks.removeItem(lba)
		c.removeFrameIfEmpty(frame)
		return true, nil
	case entry.IsBad():
		entry.clear()
		f.badCount--
		c.removeFrameIfEmpty(frame)
		return true, nil
	default:
		return false, nil
	}
}

// wormEnqueue appends one dirty block to the pending relocation batch,
// committing it once PacketSize entries have accumulated.
func (c *Cache) wormEnqueue(ctx context.Context, frame Lba, lba Lba, entry *CacheEntry) (bool, error) {
	blockSize := 1 << c.blockSizeSh
	idx := c.relocCount
	copy(c.scratchBufR[idx*blockSize:(idx+1)*blockSize], entry.buffer)
	c.relocTab[idx] = lba
	c.relocFrames[idx] = frame
	c.relocCount++

	if c.relocCount < c.packetSize {
		return false, nil
	}
	if err := c.commitRelocBatch(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// commitRelocBatch writes out whatever is currently pending in the
// relocation table, however many entries that is, and clears the entries it
// relocated from the cache. It is a no-op with nothing pending.
func (c *Cache) commitRelocBatch(ctx context.Context) error {
	n := c.relocCount
	if n == 0 {
		return nil
	}

	if err := c.updateReloc(ctx, append([]Lba(nil), c.relocTab[:n]...), n); err != nil {
		return cerrors.ErrIOError.Wrap(err)
	}
	blockSize := 1 << c.blockSizeSh
	if err := c.ioWithRetry(ctx, LbaAllocateNew, n, true, func() (int, error) {
		return c.write(ctx, c.scratchBufR[:n*blockSize], LbaAllocateNew, 0)
	}); err != nil {
		return err
	}

	touched := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		lba := c.relocTab[i]
		frame := c.relocFrames[i]
		touched[uint64(frame)] = true

		if f := c.getFrame(frame); f != nil {
			f.entries[c.slotIndex(lba)].clear()
			f.blockCount--
		}
		c.cachedBlocks.removeItem(lba)
		c.modifiedBlocks.removeItem(lba)
		c.writeBlockCount--
	}
	for frame := range touched {
		c.removeFrameIfEmpty(Lba(frame))
	}

	c.relocCount = 0
	return nil
}

// SyncReloc notifies the host driver's relocation table of every currently
// modified block, without writing anything to media or touching cache state.
// It exists for an orderly client-driven unmount (SPEC_FULL.md §11): the
// filesystem knows it's about to stop issuing writes and wants the
// relocation table to already know about whatever is still dirty, even
// though it's short of a full packet.
//
// Ported from WCacheSyncReloc__ in the original implementation, which scans
// CachedBlocksList rather than draining the eviction controller's pending
// relocation batch (that accumulator, drained by commitRelocBatch, only ever
// fills from wormEnqueue during eviction pressure — it can sit empty even
// when the cache holds plenty of unflushed dirty WORM blocks). If the cache
// holds a full packet's worth of modified blocks or more (GetWriteBlockCount
// >= PacketSize), it does nothing: the eviction path handles committing whole
// packets on its own. It is only
// meaningful in WORM/EWR mode; in any other mode it is a no-op.
func (c *Cache) SyncReloc(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mode.isWORM() {
		return nil
	}

	want := c.writeBlockCount
	if want == 0 || want >= c.packetSize {
		return nil
	}

	relocTab := make([]Lba, 0, want)
	for _, lba := range c.cachedBlocks.Slice() {
		frame := c.frameNumber(lba)
		f := c.getFrame(frame)
		if f == nil {
			return nil
		}
		entry := &f.entries[c.slotIndex(lba)]
		if !entry.IsModified() || !c.checkUsed(ctx, lba).has(UsageUsed) {
			continue
		}
		relocTab = append(relocTab, lba)
		if len(relocTab) >= want {
			break
		}
	}
	if len(relocTab) == 0 {
		return nil
	}
	if err := c.updateReloc(ctx, relocTab, len(relocTab)); err != nil {
		return cerrors.ErrIOError.Wrap(err)
	}
	return nil
}
