package cache

// blockState is the typed-handle replacement for the reference
// implementation's packed-pointer status bits (see Design Note 1 in
// SPEC_FULL.md): rather than stealing the low bits of a buffer pointer, each
// slot in a frame's entry array owns an explicit state.
type blockState int

const (
	// stateEmpty means the slot has never been populated; buffer is nil.
	stateEmpty blockState = iota
	// stateClean means buffer holds a copy of the block that matches media.
	stateClean
	// stateDirty means buffer holds a modification not yet written to media.
	stateDirty
	// stateBad means the media reported an unrecoverable error at this
	// address. buffer is always nil; reads of a bad block are synthesized as
	// zero-filled rather than stored, satisfying invariant 7.
	stateBad
)

// CacheEntry is one slot within a frame's block-entry array: one per block
// address in the frame.
type CacheEntry struct {
	buffer []byte
	state  blockState
}

// IsCached reports whether the slot owns a live buffer.
func (e *CacheEntry) IsCached() bool {
	return e.state == stateClean || e.state == stateDirty
}

// IsModified reports whether the slot's MODIFIED bit is set.
func (e *CacheEntry) IsModified() bool {
	return e.state == stateDirty
}

// IsBad reports whether the slot is remembered as a known-bad block.
func (e *CacheEntry) IsBad() bool {
	return e.state == stateBad
}

// setClean publishes buf as the slot's clean (non-dirty) content.
func (e *CacheEntry) setClean(buf []byte) {
	e.buffer = buf
	e.state = stateClean
}

// setDirty publishes buf as the slot's modified content.
func (e *CacheEntry) setDirty(buf []byte) {
	e.buffer = buf
	e.state = stateDirty
}

// markDirty flips an already-cached slot to modified without touching its
// buffer contents.
func (e *CacheEntry) markDirty() {
	if e.state == stateClean {
		e.state = stateDirty
	}
}

// markClean flips a modified slot back to clean after a successful flush.
func (e *CacheEntry) markClean() {
	if e.state == stateDirty {
		e.state = stateClean
	}
}

// markBad releases the buffer (if any) and remembers the slot as bad.
func (e *CacheEntry) markBad() {
	e.buffer = nil
	e.state = stateBad
}

// clear empties the slot entirely, releasing any buffer.
func (e *CacheEntry) clear() {
	e.buffer = nil
	e.state = stateEmpty
}
