package refresh

import (
	"sync/atomic"
	"time"
)

// PollStats holds polling counters for the scheduler's lifetime.
type PollStats struct {
	Ticks    uint64    `json:"ticks"`
	Changed  uint64    `json:"changed"`
	Failed   uint64    `json:"failed"`
	LastTick time.Time `json:"last_tick,omitempty"`
}

type pollCounters struct {
	ticks    atomic.Uint64
	changed  atomic.Uint64
	failed   atomic.Uint64
	lastTick atomic.Int64 // unix nanos
}

func (c *pollCounters) snapshot() PollStats {
	stats := PollStats{
		Ticks:   c.ticks.Load(),
		Changed: c.changed.Load(),
		Failed:  c.failed.Load(),
	}
	if ns := c.lastTick.Load(); ns != 0 {
		stats.LastTick = time.Unix(0, ns)
	}
	return stats
}

// Stats returns a snapshot of the polling counters.
func (s *Scheduler) Stats() PollStats {
	return s.stats.snapshot()
}
