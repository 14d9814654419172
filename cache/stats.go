package cache

import (
	"io"

	"github.com/gocarina/gocsv"
)

// FrameStat is one frame's exported access/update statistics, the
// CSV-taggable shape DumpFrameStats writes out. It exists for operators
// diagnosing eviction behavior offline rather than for anything the engine
// consumes itself.
type FrameStat struct {
	Frame       uint64 `csv:"frame"`
	BlockCount  int    `csv:"block_count"`
	UpdateCount int    `csv:"update_count"`
	AccessCount int    `csv:"access_count"`
	Pinned      bool   `csv:"pinned"`
}

// FrameStats snapshots every currently-cached frame's statistics, ordered by
// frame number.
func (c *Cache) FrameStats() []FrameStat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	frames := c.cachedFrames.Slice()
	stats := make([]FrameStat, 0, len(frames))
	for _, frame := range frames {
		f := c.getFrame(frame)
		if f == nil {
			continue
		}
		stats = append(stats, FrameStat{
			Frame:       uint64(frame),
			BlockCount:  f.blockCount,
			UpdateCount: f.updateCount,
			AccessCount: f.accessCount,
			Pinned:      c.frameHasPinned(frame),
		})
	}
	return stats
}

// DumpFrameStats writes stats to w as CSV, one row per frame.
func DumpFrameStats(w io.Writer, stats []FrameStat) error {
	return gocsv.Marshal(stats, w)
}
