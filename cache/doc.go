// Package cache implements a block-level write-back cache for packet-writable
// block devices: optical media, WORM volumes with relocation tables, and
// rewritable media where coalescing writes into whole packets still pays off.
//
// The cache owns all cached memory, ordering, and eviction decisions. A host
// driver supplies blocking read/write callbacks, a block-usage oracle, and
// (for WORM media) a relocation callback; see the Read*/Write*/CheckUsed/
// UpdateReloc function types in callbacks.go.
package cache
