package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/packcache/cache"
)

func TestDirect_FetchesAndPinsWithinBracket(t *testing.T) {
	c, dev := newTestCache(t, defaultGeometry(), 64)
	dev.markZero(5) // avoid a real device read so the fetched buffer is all zero

	c.StartDirect(true)
	buf, err := c.Direct(bg, 5, false, true)
	require.NoError(t, err)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
	buf[0] = 0x42

	// A second Direct call within the same bracket observes the in-place edit.
	buf2, err := c.Direct(bg, 5, true, true)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), buf2[0])
	c.EODirect()

	assert.Equal(t, 1, c.GetWriteBlockCount())
}

func TestDirect_BadBlockWithoutMarkBadBlocksFails(t *testing.T) {
	c, dev := newTestCache(t, defaultGeometry(), 64)
	dev.markBad(9)

	c.StartDirect(false)
	defer c.EODirect()

	_, err := c.Direct(bg, 9, false, true)
	assert.Error(t, err)
}

func TestDirect_BadBlockRememberedWithMarkBadBlocks(t *testing.T) {
	g := defaultGeometry()
	g.Flags = cache.MarkBadBlocks
	c, dev := newTestCache(t, g, 64)
	dev.markBad(9)

	c.StartDirect(true)
	_, err := c.Direct(bg, 9, false, true)
	c.EODirect()
	assert.Error(t, err, "still reported bad on first touch")

	// The second touch should still report bad without a second device read:
	// the frame remembers the block rather than forgetting it once pinning ends.
	readsBefore := dev.reads
	c.StartDirect(false)
	_, err = c.Direct(bg, 9, false, true)
	c.EODirect()
	assert.Error(t, err)
	assert.Equal(t, readsBefore, dev.reads, "remembered-bad lookup must not re-read the device")
}
