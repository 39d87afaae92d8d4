package cacheengine

import (
	"sync"
	"sync/atomic"

	latency "github.com/tunexa/cache-engine/pkg/latency-window"
	"github.com/tunexa/cache-engine/remote"
)

// Statistics is a point-in-time snapshot of engine counters. Building it
// never touches tier I/O, so it is safe to call from hot paths and
// operational endpoints alike.
type Statistics struct {
	Hits        int64            `json:"hits"`
	Misses      int64            `json:"misses"`
	Sets        int64            `json:"sets"`
	Deletes     int64            `json:"deletes"`
	Evictions   map[string]int64 `json:"evictions"`
	TierEntries map[string]int   `json:"tierEntries"`
	MemoryBytes int              `json:"memoryBytes"`
	GetLatency  latency.Snapshot `json:"getLatency"`
	SetLatency  latency.Snapshot `json:"setLatency"`
	// RemoteHealth is the remote tier's connectivity state, or "disabled"
	// when no remote tier is configured.
	RemoteHealth string        `json:"remoteHealth"`
	Remote       *remote.Stats `json:"remote,omitempty"`
}

type counters struct {
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64

	mu        sync.Mutex
	evictions map[string]int64
}

func newCounters() *counters {
	return &counters{evictions: make(map[string]int64)}
}

func (c *counters) evicted(reason string) {
	c.mu.Lock()
	c.evictions[reason]++
	c.mu.Unlock()
}

func (c *counters) evictionsSnapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]int64, len(c.evictions))
	for reason, count := range c.evictions {
		snap[reason] = count
	}
	return snap
}
