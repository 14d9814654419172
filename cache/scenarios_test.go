package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/packcache/cache"
)

// The six scenarios below are literal transcriptions of spec.md §8, run
// against the exact geometry it specifies: BlockSize=512, PacketSize=2,
// BlocksPerFrame=4, MaxBlocks=8, MaxFrames=4, device initially all zeros,
// mode=RAM.

// Scenario 1: a single-block write is visible to a subsequent read before any
// flush, and GetWriteBlockCount reports it without a write callback ever
// firing.
func TestScenario1_WriteThenReadBeforeFlush(t *testing.T) {
	c, dev := newTestCache(t, defaultGeometry(), 64)

	want := fillPattern(512, 0xAA)
	n, err := c.Write(bg, 0, 1, want, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, c.GetWriteBlockCount())
	assert.Equal(t, 0, dev.writeCount(), "no write callback should have fired yet")

	got := make([]byte, 512)
	n, err = c.Read(bg, 0, 1, got, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, want, got)
}

// Scenario 2: a 2-block write within one packet, flushed, produces exactly
// one write callback covering the whole packet.
func TestScenario2_FlushCoalescesOnePacket(t *testing.T) {
	c, dev := newTestCache(t, defaultGeometry(), 64)

	buf := fillPattern(1024, 0xBB)
	_, err := c.Write(bg, 0, 2, buf, false)
	require.NoError(t, err)

	require.NoError(t, c.FlushAll(bg))

	require.Equal(t, 1, dev.writeCount())
	last := dev.lastWrite()
	assert.Equal(t, cache.Lba(0), last.Lba)
	assert.Len(t, last.Bytes, 1024)
	assert.Equal(t, 0, c.GetWriteBlockCount())
}

// Scenario 3: a write crossing a packet boundary in RAM mode triggers
// synchronous write-through; ModifiedBlocks is empty immediately afterward,
// with no explicit FlushAll call.
func TestScenario3_WriteThroughOnPacketCrossing(t *testing.T) {
	c, _ := newTestCache(t, defaultGeometry(), 64)

	buf := fillPattern(3*512, 0xCC)
	_, err := c.Write(bg, 0, 3, buf, false)
	require.NoError(t, err)

	assert.Equal(t, 0, c.GetWriteBlockCount())
}

// Scenario 4: reading 4 blocks starting mid-frame with CacheWholePacket set
// triggers one packet read for the containing packet plus one ordinary read
// for the rest, and the whole range ends up cached.
func TestScenario4_CacheWholePacketPreRead(t *testing.T) {
	g := defaultGeometry()
	g.Flags = cache.CacheWholePacket
	c, _ := newTestCache(t, g, 64)

	got := make([]byte, 4*512)
	_, err := c.Read(bg, 10, 4, got, false)
	require.NoError(t, err)

	assert.True(t, c.IsCached(10, 4))
}

// Scenario 5: filling the cache to its block limit across two frames, then
// issuing a miss elsewhere, forces the eviction controller to release cached
// blocks to stay within MaxBlocks, and the missed range ends up cached.
func TestScenario5_EvictionUnderPressure(t *testing.T) {
	c, _ := newTestCache(t, defaultGeometry(), 200)

	buf := fillPattern(512, 0x11)
	for i := 0; i < 8; i++ {
		_, err := c.Write(bg, cache.Lba(i), 1, buf, false)
		require.NoError(t, err)
	}
	require.Equal(t, 8, c.GetWriteBlockCount()+0) // sanity: all 8 writes landed somewhere

	got := make([]byte, 2*512)
	_, err := c.Read(bg, 100, 2, got, false)
	require.NoError(t, err)

	assert.True(t, c.IsCached(100, 2))
}

// Scenario 6: in WORM mode, writing 4 blocks scattered across two packets and
// then purging relocates them in two batches, each one UpdateReloc call
// carrying a PacketSize-long table followed by one write to the allocated
// destination, and leaves the cache empty.
func TestScenario6_WormPurgeRelocates(t *testing.T) {
	g := defaultGeometry()
	g.Mode = cache.ModeR
	c, dev := newTestCache(t, g, 64)

	buf := fillPattern(512, 0xDD)
	for _, lba := range []cache.Lba{0, 1, 2, 3} {
		_, err := c.Write(bg, lba, 1, buf, false)
		require.NoError(t, err)
	}

	require.NoError(t, c.PurgeAll(bg))

	require.Len(t, dev.relocations, 2, "4 dirty blocks at PacketSize=2 should batch into 2 relocation packets")
	for _, reloc := range dev.relocations {
		assert.Len(t, reloc.Addrs, 2)
	}
	assert.Equal(t, 2, dev.writeCount())
	assert.Equal(t, 0, c.GetWriteBlockCount())
	assert.False(t, c.IsCached(0, 4))
}
