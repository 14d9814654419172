package cache

import (
	"context"
	"sync"
	"time"

	cerrors "github.com/vireo-systems/packcache/errors"
)

// InitParams configures a Cache. It plays the role the teacher's
// DriverImplementation/options structs play for filesystem drivers: every
// tunable the engine needs is gathered in one place and validated once, in
// Init, rather than threaded through every call.
type InitParams struct {
	// BlockSizeSh is the log2 of the block size in bytes.
	BlockSizeSh uint
	// PacketSizeSh is the log2 of the number of blocks per packet, the
	// device's minimum physical write unit outside of RAM mode.
	PacketSizeSh uint
	// BlocksPerFrameSh is the log2 of the number of blocks per frame, the
	// cache's unit of bulk eviction and access statistics.
	BlocksPerFrameSh uint

	// FirstLba and LastLba bound the address range the cache manages,
	// inclusive. Requests outside this range bypass the cache entirely.
	FirstLba Lba
	LastLba  Lba

	// MaxBlocks and MaxFrames are the dual eviction limits: the cache never
	// holds more than MaxBlocks cached block buffers, spread across no more
	// than MaxFrames frames.
	MaxBlocks int
	MaxFrames int

	// FramesToKeepFree is the number of extra frames the eviction controller
	// tries to keep free beyond whatever a given request needs, to absorb a
	// burst of misses without thrashing.
	FramesToKeepFree int

	// MaxTriesForNA bounds how many times the eviction controller calls the
	// packet-update routine without forcing the write (each such call returns
	// RETRY for a packet that holds modified blocks) before it forces the
	// write through.
	MaxTriesForNA int

	// MaxBytesToRead caps the size of a single read or write callback issued
	// for a device transfer; larger transfers are split.
	MaxBytesToRead int

	// Mode is the initial media mode.
	Mode Mode
	// Flags is the initial flag set.
	Flags Flags

	// Seed fixes the eviction PRNG's seed for reproducible tests. Zero means
	// "derive one from the current time."
	Seed uint32

	Read         ReadFunc
	Write        WriteFunc
	CheckUsed    CheckUsedFunc
	UpdateReloc  UpdateRelocFunc
	ErrorHandler ErrorHandlerFunc
}

// Cache is a block-level write-back cache for a single packet-writable block
// device. All exported methods are safe for concurrent use; they share a
// single reader-writer lock, as required by SPEC_FULL.md §7.
type Cache struct {
	mu sync.RWMutex

	initialized bool

	blockSizeSh      uint
	packetSizeSh     uint
	blocksPerFrameSh uint
	packetSize       int
	blocksPerFrame   int

	firstLba Lba
	lastLba  Lba

	maxBlocks        int
	maxFrames        int
	framesToKeepFree int
	maxTriesForNA    int
	maxBytesToRead   int

	mode  Mode
	flags Flags

	read         ReadFunc
	write        WriteFunc
	checkUsed    CheckUsedFunc
	updateReloc  UpdateRelocFunc
	errorHandler ErrorHandlerFunc

	frames        map[uint64]*frameEntry
	cachedBlocks  *sortedList
	modifiedBlocks *sortedList
	cachedFrames  *sortedList

	// writeBlockCount mirrors modifiedBlocks.Len(); kept as a separate
	// counter only because GetWriteBlockCount is called far more often than
	// the index is mutated and the original implementation exposed it as an
	// O(1) field rather than a list length, a distinction scenario 1 in
	// spec.md §8 pins.
	writeBlockCount int

	scratchBuf  []byte
	scratchBufR []byte
	relocTab    []Lba
	relocFrames []Lba
	relocCount  int

	prngState uint32

	// pinned holds the addresses fetched by Direct during the current
	// StartDirect/EODirect bracket, so the eviction controller passes over a
	// block the caller is actively holding a pointer into whenever it has an
	// unpinned candidate to take instead.
	pinned          map[uint64]bool
	directExclusive bool
}

// Init prepares a zero-value Cache for use. It is an error to call Init on an
// already-initialized Cache; call Release first.
func (c *Cache) Init(params InitParams) error {
	if c.initialized {
		return cerrors.ErrInvalidParameter.WithMessage("cache is already initialized")
	}
	if err := validateInitParams(params); err != nil {
		return err
	}

	c.blockSizeSh = params.BlockSizeSh
	c.packetSizeSh = params.PacketSizeSh
	c.blocksPerFrameSh = params.BlocksPerFrameSh
	c.packetSize = 1 << params.PacketSizeSh
	c.blocksPerFrame = 1 << params.BlocksPerFrameSh

	c.firstLba = params.FirstLba
	c.lastLba = params.LastLba
	c.maxBlocks = params.MaxBlocks
	c.maxFrames = params.MaxFrames
	c.framesToKeepFree = params.FramesToKeepFree
	c.maxTriesForNA = params.MaxTriesForNA
	if c.maxTriesForNA <= 0 {
		c.maxTriesForNA = 3
	}
	c.maxBytesToRead = params.MaxBytesToRead
	if c.maxBytesToRead <= 0 {
		c.maxBytesToRead = 1 << 20
	}

	c.mode = params.Mode
	c.flags = params.Flags

	c.read = params.Read
	c.write = params.Write
	c.checkUsed = params.CheckUsed
	c.updateReloc = params.UpdateReloc
	c.errorHandler = params.ErrorHandler

	c.frames = make(map[uint64]*frameEntry)
	c.cachedBlocks = newSortedList(c.maxBlocks)
	c.modifiedBlocks = newSortedList(c.maxBlocks)
	c.cachedFrames = newSortedList(c.maxFrames)

	c.scratchBuf = make([]byte, c.packetSize<<c.blockSizeSh)
	c.scratchBufR = make([]byte, c.packetSize<<c.blockSizeSh)
	c.relocTab = make([]Lba, c.packetSize)
	c.relocFrames = make([]Lba, c.packetSize)

	seed := params.Seed
	if seed == 0 {
		seed = uint32(time.Now().UnixNano())
	}
	c.prngState = seedPRNG(seed)

	c.initialized = true
	return nil
}

func validateInitParams(p InitParams) error {
	if p.PacketSizeSh > p.BlocksPerFrameSh {
		return cerrors.ErrInvalidParameter.WithMessage(
			"PacketSize must divide BlocksPerFrame")
	}
	if p.LastLba < p.FirstLba {
		return cerrors.ErrInvalidParameter.WithMessage("LastLba precedes FirstLba")
	}
	if p.MaxBlocks < (1 << p.PacketSizeSh) {
		return cerrors.ErrInvalidParameter.WithMessage(
			"MaxBlocks must hold at least one packet")
	}
	if p.MaxFrames < 1 {
		return cerrors.ErrInvalidParameter.WithMessage("MaxFrames must be positive")
	}
	if p.Read == nil || p.Write == nil || p.CheckUsed == nil || p.ErrorHandler == nil {
		return cerrors.ErrInvalidParameter.WithMessage(
			"Read, Write, CheckUsed, and ErrorHandler callbacks are required")
	}
	if p.Mode.isWORM() && p.UpdateReloc == nil {
		return cerrors.ErrInvalidParameter.WithMessage(
			"UpdateReloc callback is required in WORM/EWR mode")
	}
	return nil
}

// IsInitialized reports whether Init has been called without a matching
// Release.
func (c *Cache) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Release tears down the cache, freeing every cached buffer without flushing
// it. Callers that want modifications preserved must call FlushAll or
// PurgeAll first. Release is idempotent once begun: calling it twice is safe
// and the second call is a no-op.
func (c *Cache) Release() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}

	// Zeroing the struct also resets mu to its unlocked zero value, so the
	// lock is not released a second time here.
	*c = Cache{}
	return nil
}

// SetMode changes the media mode. Changing mode does not itself flush or
// purge anything; callers that need previously-modified data reconciled
// against the new mode's flush strategy should call FlushAll first.
func (c *Cache) SetMode(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode.isWORM() && c.updateReloc == nil {
		return cerrors.ErrInvalidParameter.WithMessage(
			"cannot switch to WORM/EWR mode without an UpdateReloc callback")
	}
	c.mode = mode
	return nil
}

// GetMode returns the current media mode.
func (c *Cache) GetMode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// ChFlags atomically sets the bits in set and clears the bits in clear.
// Passing overlapping bits in both sets them (set is applied after clear).
func (c *Cache) ChFlags(set, clear Flags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = (c.flags &^ clear) | set
}

// GetFlags returns the current behavior flags.
func (c *Cache) GetFlags() Flags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags
}

// GetWriteBlockCount returns the number of cached blocks whose MODIFIED bit
// is set, i.e. |ModifiedBlocks|.
func (c *Cache) GetWriteBlockCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writeBlockCount
}

// background returns a context for callbacks that weren't given one by the
// public caller. Every public entry point that takes a context.Context
// threads it through instead.
func background() context.Context {
	return context.Background()
}
