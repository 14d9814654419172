package cache

import (
	"sort"

	"golang.org/x/exp/slices"
)

// sortedList is an ordered-by-address dense slice paired with a live count,
// shared by CachedBlocks, ModifiedBlocks, and CachedFrames. The backing slice
// is preallocated to the caller's capacity plus slack (see newSortedList) so
// that an insert performed ahead of a limit check never reallocates mid-call.
type sortedList struct {
	items []Lba
}

// newSortedList preallocates capacity addresses of headroom, as required by
// spec.md §4.1: "sized to MaxBlocks + slack (at least 2)".
func newSortedList(capacity int) *sortedList {
	if capacity < 2 {
		capacity = 2
	}
	return &sortedList{items: make([]Lba, 0, capacity+2)}
}

// Len returns the number of addresses currently in the list.
func (l *sortedList) Len() int {
	return len(l.items)
}

// At returns the address at position i.
func (l *sortedList) At(i int) Lba {
	return l.items[i]
}

// Slice returns the live, ordered addresses. The caller must not retain or
// mutate it past the next call that changes the list.
func (l *sortedList) Slice() []Lba {
	return l.items
}

// indexOf performs a binary search for key. It returns (position, true) if
// key is present, or (position, false) where position is the index of the
// smallest element greater than key (len(l.items) if all elements are
// smaller).
func (l *sortedList) indexOf(key Lba) (int, bool) {
	pos := sort.Search(len(l.items), func(i int) bool {
		return l.items[i] >= key
	})
	if pos < len(l.items) && l.items[pos] == key {
		return pos, true
	}
	return pos, false
}

// contains reports whether key is present in the list.
func (l *sortedList) contains(key Lba) bool {
	_, found := l.indexOf(key)
	return found
}

// insertItem inserts a single address if not already present. It is a no-op
// if the address is already in the list.
func (l *sortedList) insertItem(key Lba) {
	pos, found := l.indexOf(key)
	if found {
		return
	}
	l.items = slices.Insert(l.items, pos, key)
}

// removeItem removes a single address if present. It is a no-op otherwise.
func (l *sortedList) removeItem(key Lba) {
	pos, found := l.indexOf(key)
	if !found {
		return
	}
	l.items = slices.Delete(l.items, pos, pos+1)
}

// insertRange removes any existing addresses in [lba, lba+count), then
// inserts the consecutive run lba, lba+1, ..., lba+count-1 in its place. The
// net effect models "this run of addresses just became cached" even when
// part of the run already was.
func (l *sortedList) insertRange(lba Lba, count int) {
	if count <= 0 {
		return
	}
	firstPos, _ := l.indexOf(lba)
	lastPos, _ := l.indexOf(lba + Lba(count))

	run := make([]Lba, count)
	for i := 0; i < count; i++ {
		run[i] = lba + Lba(i)
	}

	tail := append([]Lba{}, l.items[lastPos:]...)
	l.items = append(l.items[:firstPos], run...)
	l.items = append(l.items, tail...)
}

// removeRange removes every address in [lba, lba+count) from the list.
func (l *sortedList) removeRange(lba Lba, count int) {
	if count <= 0 {
		return
	}
	firstPos, _ := l.indexOf(lba)
	lastPos, _ := l.indexOf(lba + Lba(count))
	if firstPos >= lastPos {
		return
	}
	l.items = slices.Delete(l.items, firstPos, lastPos)
}

// randomItem returns the address at a uniformly random live position, using
// the supplied index (already reduced modulo Len() by the caller's PRNG).
func (l *sortedList) randomItem(index int) Lba {
	return l.items[index]
}
