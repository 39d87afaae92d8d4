// Package latency implements a fixed-size rolling window of operation
// latencies for avg/max reporting in statistics snapshots.
package latency

import (
	"sync"
	"time"
)

const defaultSize = 256

// Window records the most recent N samples. All methods are safe for
// concurrent use. The zero value is not usable, use NewWindow.
type Window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  int
}

// Snapshot is a point-in-time view over the recorded samples.
type Snapshot struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	Max   time.Duration `json:"max"`
}

// NewWindow creates a window holding the given number of samples.
// A non-positive size falls back to a sensible default.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = defaultSize
	}
	return &Window{samples: make([]time.Duration, size)}
}

// Observe records one sample, overwriting the oldest when full.
func (w *Window) Observe(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
	w.mu.Unlock()
}

// Snapshot returns the current count, average and maximum.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := Snapshot{Count: w.filled}
	if w.filled == 0 {
		return snap
	}
	var total time.Duration
	for i := 0; i < w.filled; i++ {
		sample := w.samples[i]
		total += sample
		if sample > snap.Max {
			snap.Max = sample
		}
	}
	snap.Avg = total / time.Duration(w.filled)
	return snap
}
