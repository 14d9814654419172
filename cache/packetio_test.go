package cache_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/packcache/cache"
)

func TestFlush_RWModePreservesUnmodifiedSibling(t *testing.T) {
	g := defaultGeometry()
	g.Mode = cache.ModeRW
	c, dev := newTestCache(t, g, 64)

	// Pre-seed the device with a known pattern so the unmodified half of the
	// packet must survive the read-modify-write untouched.
	copy(dev.blockAt(1), fillPattern(512, 0x7A))

	buf := fillPattern(512, 0x2B)
	_, err := c.Write(bg, 0, 1, buf, false) // packet [0,2); only block 0 is dirty
	require.NoError(t, err)

	require.NoError(t, c.FlushAll(bg))

	assert.Equal(t, fillPattern(512, 0x2B), dev.blockAt(0))
	assert.Equal(t, fillPattern(512, 0x7A), dev.blockAt(1), "RW flush must read-modify-write, not clobber the sibling")
}

// retryOnceDevice fails its first write callback and succeeds on the retry,
// exercising the ioWithRetry/ErrorHandlerFunc contract in packetio.go.
type retryOnceDevice struct {
	*fakeDevice
	failed bool
}

func (d *retryOnceDevice) ErrorHandler(ctx context.Context, errCtx cache.ErrorContext) cache.ErrorVerdict {
	return cache.VerdictRetry
}

func (d *retryOnceDevice) Write(ctx context.Context, buf []byte, lba cache.Lba, flags cache.IOFlags) (int, error) {
	if !d.failed {
		d.failed = true
		return 0, fmt.Errorf("simulated transient write failure")
	}
	return d.fakeDevice.Write(ctx, buf, lba, flags)
}

func TestFlush_RetriesOnceOnTransientWriteFailure(t *testing.T) {
	g := defaultGeometry()
	g.Mode = cache.ModeRW
	base := newFakeDevice(t, 1<<g.BlockSizeSh, 64)
	dev := &retryOnceDevice{fakeDevice: base}

	var c cache.Cache
	err := c.Init(cache.InitParams{
		BlockSizeSh:      g.BlockSizeSh,
		PacketSizeSh:     g.PacketSizeSh,
		BlocksPerFrameSh: g.BlocksPerFrameSh,
		FirstLba:         0,
		LastLba:          63,
		MaxBlocks:        g.MaxBlocks,
		MaxFrames:        g.MaxFrames,
		FramesToKeepFree: g.FramesToKeepFree,
		MaxTriesForNA:    3,
		Mode:             g.Mode,
		Seed:             g.Seed,
		Read:             dev.Read,
		Write:            dev.Write,
		CheckUsed:        dev.CheckUsed,
		ErrorHandler:     dev.ErrorHandler,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Release() })

	buf := fillPattern(512, 0x9C)
	_, err = c.Write(bg, 0, 1, buf, false)
	require.NoError(t, err)

	require.NoError(t, c.FlushAll(bg))
	assert.Equal(t, fillPattern(512, 0x9C), dev.blockAt(0))
}
