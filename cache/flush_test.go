package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/packcache/cache"
)

func TestFlushBlocks_OnlyTouchesRequestedRange(t *testing.T) {
	c, dev := newTestCache(t, defaultGeometry(), 64)

	buf := fillPattern(512, 0x55)
	_, err := c.Write(bg, 0, 1, buf, false)
	require.NoError(t, err)
	_, err = c.Write(bg, 20, 1, buf, false)
	require.NoError(t, err)

	require.NoError(t, c.FlushBlocks(bg, 0, 1))

	assert.Equal(t, 1, dev.writeCount())
	assert.Equal(t, 1, c.GetWriteBlockCount(), "block 20 is still dirty, untouched by the flush")
}

func TestFlushAll_ClearsEveryModifiedBlock(t *testing.T) {
	c, _ := newTestCache(t, defaultGeometry(), 64)

	buf := fillPattern(512, 0x66)
	for _, lba := range []cache.Lba{0, 5, 20, 21} {
		_, err := c.Write(bg, lba, 1, buf, false)
		require.NoError(t, err)
	}

	require.NoError(t, c.FlushAll(bg))
	assert.Equal(t, 0, c.GetWriteBlockCount())

	// Clean data must still be readable straight out of the cache.
	got := make([]byte, 512)
	_, err := c.Read(bg, 0, 1, got, false)
	require.NoError(t, err)
	assert.Equal(t, buf, got)
}

func TestPurgeAll_EmptiesTheCache(t *testing.T) {
	c, _ := newTestCache(t, defaultGeometry(), 64)

	buf := fillPattern(512, 0x77)
	_, err := c.Write(bg, 0, 1, buf, false)
	require.NoError(t, err)

	require.NoError(t, c.PurgeAll(bg))

	assert.False(t, c.IsCached(0, 1))
	assert.Equal(t, 0, c.GetWriteBlockCount())
}

func TestDiscardBlocks_DropsWithoutFlushing(t *testing.T) {
	c, dev := newTestCache(t, defaultGeometry(), 64)

	buf := fillPattern(512, 0x88)
	_, err := c.Write(bg, 0, 1, buf, false)
	require.NoError(t, err)

	c.DiscardBlocks(bg, 0, 1)

	assert.False(t, c.IsCached(0, 1))
	assert.Equal(t, 0, c.GetWriteBlockCount())
	assert.Equal(t, 0, dev.writeCount(), "discarded data must never reach the device")
}

func TestIsCached_PartialRangeIsFalse(t *testing.T) {
	c, _ := newTestCache(t, defaultGeometry(), 64)

	buf := fillPattern(512, 0x99)
	_, err := c.Write(bg, 0, 1, buf, false)
	require.NoError(t, err)

	assert.True(t, c.IsCached(0, 1))
	assert.False(t, c.IsCached(0, 2))
}
