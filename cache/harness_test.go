package cache_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/noxer/bytewriter"
	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/packcache/cache"
)

// fakeDevice is the reusable in-package fake host driver every test file in
// this package builds its Cache on top of. It plays the role the teacher's
// createDefaultCache fetch/flush closures play: a flat in-memory backing
// store plus counters the tests assert against, bounds-checked so a cache bug
// that escapes its configured range fails loudly instead of panicking.
type fakeDevice struct {
	t             *testing.T
	bytesPerBlock int
	totalBlocks   int
	storage       []byte

	zero map[cache.Lba]bool
	bad  map[cache.Lba]bool

	reads       int
	writes      []writeCall
	relocations []relocCall

	nextAlloc cache.Lba
}

type writeCall struct {
	Lba   cache.Lba
	Bytes []byte
}

type relocCall struct {
	Addrs []cache.Lba
}

func newFakeDevice(t *testing.T, bytesPerBlock, totalBlocks int) *fakeDevice {
	return &fakeDevice{
		t:             t,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
		storage:       make([]byte, bytesPerBlock*totalBlocks),
		zero:          make(map[cache.Lba]bool),
		bad:           make(map[cache.Lba]bool),
	}
}

func (d *fakeDevice) markZero(lba cache.Lba)   { d.zero[lba] = true }
func (d *fakeDevice) markBad(lba cache.Lba)    { d.bad[lba] = true }
func (d *fakeDevice) writeCount() int          { return len(d.writes) }
func (d *fakeDevice) lastWrite() writeCall     { return d.writes[len(d.writes)-1] }
func (d *fakeDevice) blockAt(lba cache.Lba) []byte {
	start := int(lba) * d.bytesPerBlock
	return d.storage[start : start+d.bytesPerBlock]
}

func (d *fakeDevice) Read(ctx context.Context, buf []byte, lba cache.Lba, flags cache.IOFlags) (int, error) {
	d.reads++
	start := int(lba) * d.bytesPerBlock
	if start < 0 || start+len(buf) > len(d.storage) {
		return 0, fmt.Errorf("fakeDevice: read out of range at lba %d", lba)
	}
	copy(buf, d.storage[start:start+len(buf)])
	return len(buf), nil
}

func (d *fakeDevice) Write(ctx context.Context, buf []byte, lba cache.Lba, flags cache.IOFlags) (int, error) {
	if lba == cache.LbaAllocateNew {
		lba = d.nextAlloc
		d.nextAlloc += cache.Lba(len(buf) / d.bytesPerBlock)
	}
	start := int(lba) * d.bytesPerBlock
	if start < 0 || start+len(buf) > len(d.storage) {
		return 0, fmt.Errorf("fakeDevice: write out of range at lba %d", lba)
	}
	// bytewriter.New wraps the destination slice as an io.Writer so the fake
	// behaves like a real sink rather than a bare copy, the same role it plays
	// backing the teacher's compression test fixtures.
	n, err := bytewriter.New(d.storage[start : start+len(buf)]).Write(buf)
	if err != nil {
		return n, err
	}
	cp := append([]byte(nil), buf...)
	d.writes = append(d.writes, writeCall{Lba: lba, Bytes: cp})
	return n, nil
}

func (d *fakeDevice) CheckUsed(ctx context.Context, lba cache.Lba) cache.UsageFlags {
	if d.bad[lba] {
		return cache.UsageBad
	}
	if d.zero[lba] {
		return cache.UsageZero
	}
	return cache.UsageUsed
}

func (d *fakeDevice) UpdateReloc(ctx context.Context, relocTab []cache.Lba, count int) error {
	d.relocations = append(d.relocations, relocCall{Addrs: append([]cache.Lba(nil), relocTab[:count]...)})
	return nil
}

func (d *fakeDevice) ErrorHandler(ctx context.Context, errCtx cache.ErrorContext) cache.ErrorVerdict {
	return cache.VerdictFail
}

// testGeometry is the literal geometry spec.md §8's scenarios are written
// against: 512-byte blocks, 2-block packets, 4-block frames.
type testGeometry struct {
	BlockSizeSh      uint
	PacketSizeSh     uint
	BlocksPerFrameSh uint
	MaxBlocks        int
	MaxFrames        int
	FramesToKeepFree int
	Mode             cache.Mode
	Flags            cache.Flags
	Seed             uint32
}

func defaultGeometry() testGeometry {
	return testGeometry{
		BlockSizeSh:      9, // 512 bytes
		PacketSizeSh:     1, // 2 blocks
		BlocksPerFrameSh: 2, // 4 blocks
		MaxBlocks:        8,
		MaxFrames:        4,
		FramesToKeepFree: 1,
		Mode:             cache.ModeRAM,
		Seed:             1,
	}
}

// newTestCache builds a Cache wired to a fresh fakeDevice using geometry g,
// spanning totalBlocks addresses starting at 0.
func newTestCache(t *testing.T, g testGeometry, totalBlocks int) (*cache.Cache, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice(t, 1<<g.BlockSizeSh, totalBlocks)

	var c cache.Cache
	err := c.Init(cache.InitParams{
		BlockSizeSh:      g.BlockSizeSh,
		PacketSizeSh:     g.PacketSizeSh,
		BlocksPerFrameSh: g.BlocksPerFrameSh,
		FirstLba:         0,
		LastLba:          cache.Lba(totalBlocks - 1),
		MaxBlocks:        g.MaxBlocks,
		MaxFrames:        g.MaxFrames,
		FramesToKeepFree: g.FramesToKeepFree,
		MaxTriesForNA:    3,
		Mode:             g.Mode,
		Flags:            g.Flags,
		Seed:             g.Seed,
		Read:             dev.Read,
		Write:            dev.Write,
		CheckUsed:        dev.CheckUsed,
		UpdateReloc:      dev.UpdateReloc,
		ErrorHandler:     dev.ErrorHandler,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Release() })
	return &c, dev
}

func fillPattern(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

var bg = context.Background()
