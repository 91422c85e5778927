package cache

import "sync/atomic"

type counters struct {
	hotHits     atomic.Int64
	durableHits atomic.Int64
	misses      atomic.Int64
	bumps       atomic.Int64
}

func newCounters() *counters {
	return &counters{}
}

func (c *counters) snapshot() (hotHits, durableHits, misses, bumps int64) {
	return c.hotHits.Load(), c.durableHits.Load(), c.misses.Load(), c.bumps.Load()
}
