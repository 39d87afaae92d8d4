package cache

import (
	"context"
	"errors"
	"time"
)

// Tier names as reported in entries, statistics and events.
const (
	TierMemory     = "memory"
	TierRemote     = "remote"
	TierPersistent = "persistent"
)

// Eviction reasons as reported in statistics and evict events.
const (
	EvictCapacity    = "capacity"
	EvictExpired     = "expired"
	EvictInvalidated = "invalidated"
)

var (
	// ErrTooLarge is returned when a value does not fit the tier's entire
	// byte budget. The caller should proceed without caching.
	ErrTooLarge = errors.New("cache: value exceeds tier byte budget")
	// ErrEmptyKey indicates a caller bug, not an environmental condition.
	ErrEmptyKey = errors.New("cache: empty key")
	// ErrNegativeTTL indicates a caller bug, not an environmental condition.
	ErrNegativeTTL = errors.New("cache: negative ttl")
)

// Tier is one backing store layer. Values are opaque byte slices; callers
// own (de)serialization. A tier must never return a logically expired value.
//
// Implementations must be thread-safe. Transient I/O problems surface as a
// miss on Get and a false/error result on writes, never as a panic.
type Tier interface {
	// Name returns the tier identifier (memory, remote, persistent).
	Name() string
	// Get returns the value for key, or found=false if absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key with the given ttl. A zero ttl means the
	// entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) bool
	// Clear removes every entry matched by the predicate and returns the
	// number removed. A nil predicate matches everything.
	Clear(ctx context.Context, pred func(key string, tags []string) bool) int
	// Len returns the current entry count.
	Len() int
	// Close releases tier resources.
	Close() error
}

// Entry is a single cached value plus its bookkeeping. The memory tier owns
// entries; other tiers only see the serialized value.
type Entry struct {
	Key            string
	Value          []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time // zero means no expiry
	AccessCount    int64
	Size           int // accounted bytes, recomputed on every write
	Tags           []string
	Dependencies   []string
	Tier           string // where the entry was most recently served from
}

// Expired reports whether the entry is logically expired at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
