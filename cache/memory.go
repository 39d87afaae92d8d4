package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MemoryConfig configures the in-process tier.
type MemoryConfig struct {
	// MaxBytes is the byte budget for accounted entry sizes. Zero disables
	// the byte budget.
	MaxBytes int
	// MaxItems is the entry count budget. Zero disables the count budget.
	MaxItems int
	// Eviction strategy. Defaults to LRU.
	Eviction Strategy
	// SweepInterval is how often the background sweep reclaims expired
	// entries. Zero disables the sweep (expiry is still checked lazily).
	SweepInterval time.Duration
	// OnEvict is called (outside the critical path is not guaranteed) for
	// every entry removed by expiry or eviction, with the removal reason.
	OnEvict func(key, reason string)
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Memory is the bounded in-process tier. It combines a map for O(1) lookup
// with a recency-ordered list, the same shape as every in-memory cache in
// this codebase's lineage.
type Memory struct {
	mu       sync.Mutex
	data     map[string]*list.Element
	lru      *list.List // front = most recently used
	bytes    int
	maxBytes int
	maxItems int
	strategy Strategy
	onEvict  func(key, reason string)
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates the memory tier and starts its sweep goroutine if a
// sweep interval is configured.
func NewMemory(cfg MemoryConfig) *Memory {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	strategy := cfg.Eviction
	if strategy == nil {
		strategy = LRU{}
	}
	m := &Memory{
		data:     make(map[string]*list.Element),
		lru:      list.New(),
		maxBytes: cfg.MaxBytes,
		maxItems: cfg.MaxItems,
		strategy: strategy,
		onEvict:  cfg.OnEvict,
		log:      logger.With().Str("tier", TierMemory).Logger(),
		stop:     make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go m.sweepLoop(cfg.SweepInterval)
	}
	return m
}

func (m *Memory) Name() string { return TierMemory }

// Get returns the value for key. Expired entries are removed as a side
// effect and reported as a miss.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, found := m.data[key]
	if !found {
		return nil, false
	}
	entry := elem.Value.(*Entry)
	if entry.Expired(time.Now()) {
		m.removeLocked(elem, EvictExpired)
		return nil, false
	}
	entry.LastAccessedAt = time.Now()
	entry.AccessCount++
	m.lru.MoveToFront(elem)
	return entry.Value, true
}

// Set stores value under key without tags or dependencies.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.SetEntry(ctx, key, value, ttl, nil, nil)
}

// SetEntry stores value under key together with its tags and dependencies.
// Admission is atomic: the size is checked against the budget, victims are
// evicted in strategy order until the entry fits, and only then is the entry
// admitted. A value larger than the entire byte budget is rejected with
// ErrTooLarge instead of draining the store.
func (m *Memory) SetEntry(ctx context.Context, key string, value []byte, ttl time.Duration, tags, deps []string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl < 0 {
		return ErrNegativeTTL
	}
	size := len(key) + len(value)
	if m.maxBytes > 0 && size > m.maxBytes {
		m.log.Debug().Str("key", key).Int("size", size).Msg("Value exceeds byte budget, not caching")
		return ErrTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// drop the previous copy first so its accounting never double-counts
	if elem, found := m.data[key]; found {
		old := elem.Value.(*Entry)
		m.bytes -= old.Size
		m.lru.Remove(elem)
		delete(m.data, key)
	}

	// evict until the new entry fits both budgets
	for (m.maxBytes > 0 && m.bytes+size > m.maxBytes) ||
		(m.maxItems > 0 && m.lru.Len() >= m.maxItems) {
		victim := m.strategy.Victim(m.lru)
		if victim == nil {
			break
		}
		m.removeLocked(victim, EvictCapacity)
	}

	now := time.Now()
	entry := &Entry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		Size:           size,
		Tags:           tags,
		Dependencies:   deps,
		Tier:           TierMemory,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	m.data[key] = m.lru.PushFront(entry)
	m.bytes += size
	return nil
}

// Delete removes key and reports whether it was present.
func (m *Memory) Delete(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, found := m.data[key]
	if !found {
		return false
	}
	m.bytes -= elem.Value.(*Entry).Size
	m.lru.Remove(elem)
	delete(m.data, key)
	return true
}

// Clear removes every entry matched by the predicate. A nil predicate clears
// the whole tier.
func (m *Memory) Clear(ctx context.Context, pred func(key string, tags []string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	var next *list.Element
	for elem := m.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*Entry)
		if pred == nil || pred(entry.Key, entry.Tags) {
			m.removeLocked(elem, EvictInvalidated)
			cleared++
		}
	}
	return cleared
}

// Len returns the current entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Bytes returns the accounted size of all entries.
func (m *Memory) Bytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Close stops the sweep goroutine.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// removeLocked removes an element, fixes accounting and notifies the evict
// hook. Callers must hold the mutex.
func (m *Memory) removeLocked(elem *list.Element, reason string) {
	entry := elem.Value.(*Entry)
	m.bytes -= entry.Size
	m.lru.Remove(elem)
	delete(m.data, entry.Key)
	if m.onEvict != nil {
		m.onEvict(entry.Key, reason)
	}
}

// sweepLoop proactively reclaims expired entries so memory pressure does not
// depend on access patterns alone.
func (m *Memory) sweepLoop(interval time.Duration) {
	m.log.Debug().Dur("interval", interval).Msg("Starting expiry sweep loop")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.log.Trace().Int("reclaimed", n).Msg("Expiry sweep")
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	reclaimed := 0
	var next *list.Element
	for elem := m.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		if elem.Value.(*Entry).Expired(now) {
			m.removeLocked(elem, EvictExpired)
			reclaimed++
		}
	}
	return reclaimed
}
