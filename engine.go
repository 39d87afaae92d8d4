// Package cacheengine is the multi-tier response/data cache engine for the
// Tunexa platform: a bounded in-process memory tier, an optional Redis
// remote tier and an extension point for a persistent tier, composed behind
// one orchestrator with tag/dependency invalidation, statistics and a
// response-caching HTTP middleware.
//
// The engine fails open. A slow or unreachable remote store degrades the
// affected operation to a miss or a partial write; it never fails a caller's
// request. Only programming-contract violations (empty keys, negative TTLs)
// are rejected with errors.
package cacheengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunexa/cache-engine/cache"
	latency "github.com/tunexa/cache-engine/pkg/latency-window"
	tagindex "github.com/tunexa/cache-engine/pkg/tag-index"
	"github.com/tunexa/cache-engine/remote"
)

// ErrShutdown is returned by operations issued after Shutdown.
var ErrShutdown = errors.New("cacheengine: engine is shut down")

// Engine orchestrates the tiers. Construct one instance at process startup
// with New and hand it to every consumer; there is no package-level
// singleton.
type Engine struct {
	memory     *cache.Memory
	remote     *remote.Client // nil when no remote tier is configured
	persistent cache.Tier     // nil unless provided
	tiers      []cache.Tier   // default resolution order, fastest first

	index      *tagindex.Index
	counters   *counters
	getLatency *latency.Window
	setLatency *latency.Window
	events     *broadcaster
	log        zerolog.Logger

	defaultTTL time.Duration
	backfillMu sync.Mutex // serializes backfill starts against Shutdown
	backfills  sync.WaitGroup
	closed     atomic.Bool
}

// New builds an engine from the configuration. The remote tier is optional:
// with no addresses configured the engine runs memory-only. A remote store
// that is down at startup does not fail construction; the health monitor
// keeps trying and the engine serves from memory in the meantime.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "cache-engine").Logger()

	e := &Engine{
		index:      tagindex.New(),
		counters:   newCounters(),
		getLatency: latency.NewWindow(0),
		setLatency: latency.NewWindow(0),
		events:     newBroadcaster(),
		log:        logger,
		defaultTTL: cfg.defaultTTL(),
		persistent: cfg.Persistent,
	}

	e.memory = cache.NewMemory(cache.MemoryConfig{
		MaxBytes:      cfg.Memory.MaxBytes,
		MaxItems:      cfg.Memory.MaxItems,
		Eviction:      cache.StrategyByName(cfg.Memory.Eviction),
		SweepInterval: time.Duration(cfg.Memory.SweepIntervalSeconds) * time.Second,
		Logger:        &logger,
		OnEvict: func(key, reason string) {
			e.counters.evicted(reason)
			// the ttl is fanned out on set, so an expired entry has no live
			// copy in any tier and its index membership goes with it; a
			// capacity eviction only unindexes when memory is the sole tier
			if reason == cache.EvictExpired || len(e.tiers) == 1 {
				e.index.Remove(key)
			}
			e.events.emit(Event{Type: EventEvict, Key: key, Tier: cache.TierMemory, Reason: reason, At: time.Now()})
		},
	})
	e.tiers = []cache.Tier{e.memory}

	if len(cfg.Remote.Addrs) > 0 {
		e.remote = remote.New(remote.Config{
			Addrs:       cfg.Remote.Addrs,
			Password:    cfg.Remote.Password,
			DB:          cfg.Remote.DB,
			Namespace:   cfg.Remote.Namespace,
			DialTimeout: time.Duration(cfg.Remote.DialTimeoutSeconds) * time.Second,
			OpTimeout:   time.Duration(cfg.Remote.OpTimeoutMillis) * time.Millisecond,
			Compression: cfg.Compression,
			Logger:      &logger,
			Health: remote.HealthConfig{
				Interval:         time.Duration(cfg.Remote.HealthIntervalSeconds) * time.Second,
				FailureThreshold: cfg.Remote.HealthFailureThreshold,
				SuccessThreshold: cfg.Remote.HealthSuccessThreshold,
				Reconnect: remote.ReconnectConfig{
					InitialDelay: time.Duration(cfg.Remote.ReconnectInitialDelayMillis) * time.Millisecond,
					Multiplier:   cfg.Remote.ReconnectMultiplier,
					MaxDelay:     time.Duration(cfg.Remote.ReconnectMaxDelaySeconds) * time.Second,
					MaxAttempts:  cfg.Remote.ReconnectMaxAttempts,
				},
			},
			OnHealthChange: func(state string) {
				e.events.emit(Event{Type: EventHealth, Tier: cache.TierRemote, Reason: state, At: time.Now()})
			},
		})
		if err := e.remote.Connect(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Remote tier unreachable at startup, serving memory-only until it recovers")
		}
		e.remote.Start()
		e.tiers = append(e.tiers, e.remote)
	}
	if e.persistent != nil {
		e.tiers = append(e.tiers, e.persistent)
	}
	return e, nil
}

// GetOptions tunes a single Get.
type GetOptions struct {
	// PreferredTier is queried first; remaining tiers follow in default
	// order (memory, remote, persistent).
	PreferredTier string
	// NoBackfill disables writing a slow-tier hit back into faster tiers.
	NoBackfill bool
}

// Get resolves key through the tiers, fastest first, returning on the first
// hit. A hit in a slower tier is backfilled into the faster tiers
// asynchronously unless disabled; the caller never waits for backfill.
func (e *Engine) Get(ctx context.Context, key string, opts ...GetOptions) ([]byte, bool, error) {
	if key == "" {
		return nil, false, cache.ErrEmptyKey
	}
	if e.closed.Load() {
		return nil, false, ErrShutdown
	}
	var opt GetOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	start := time.Now()
	defer func() { e.getLatency.Observe(time.Since(start)) }()

	order := e.tierOrder(opt.PreferredTier)
	for i, tier := range order {
		value, found := tier.Get(ctx, key)
		if !found {
			continue
		}
		e.counters.hits.Add(1)
		e.events.emit(Event{Type: EventHit, Key: key, Tier: tier.Name(), At: time.Now()})
		if i > 0 && !opt.NoBackfill {
			e.backfill(key, value, order[:i])
		}
		return value, true, nil
	}
	e.counters.misses.Add(1)
	e.events.emit(Event{Type: EventMiss, Key: key, At: time.Now()})
	return nil, false, nil
}

// backfill writes a value into faster tiers without blocking the caller.
// The writes are tracked so Shutdown can drain them.
func (e *Engine) backfill(key string, value []byte, faster []cache.Tier) {
	// re-check closed under the mutex so no Add lands after Shutdown has
	// started waiting
	e.backfillMu.Lock()
	if e.closed.Load() {
		e.backfillMu.Unlock()
		return
	}
	e.backfills.Add(1)
	e.backfillMu.Unlock()
	go func() {
		defer e.backfills.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, tier := range faster {
			if err := tier.Set(ctx, key, value, e.defaultTTL); err != nil {
				e.log.Debug().Err(err).Str("key", key).Str("tier", tier.Name()).Msg("Backfill failed")
			}
		}
	}()
}

// SetOptions tunes a single Set.
type SetOptions struct {
	// TTL overrides the engine default. Zero means use the default;
	// negative is a contract violation.
	TTL time.Duration
	// Tier restricts the write to one tier; empty writes through to all.
	Tier string
	// Tags attach group-invalidation labels to the entry.
	Tags []string
	// Dependencies declare the upstream data sources this entry derives
	// from, for bulk invalidation when a source changes.
	Dependencies []string
}

// Set writes value under key to the requested tiers. It succeeds when at
// least one tier accepts the write; a tier failing while another succeeds is
// a degraded success that is logged and counted, not returned. A value too
// large for the memory budget yields cache.ErrTooLarge when nothing else
// stored it, so callers can skip caching.
func (e *Engine) Set(ctx context.Context, key string, value []byte, opts ...SetOptions) error {
	if key == "" {
		return cache.ErrEmptyKey
	}
	if e.closed.Load() {
		return ErrShutdown
	}
	var opt SetOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.TTL < 0 {
		return cache.ErrNegativeTTL
	}
	ttl := opt.TTL
	if ttl == 0 {
		ttl = e.defaultTTL
	}

	start := time.Now()
	defer func() { e.setLatency.Observe(time.Since(start)) }()

	targets, err := e.targetTiers(opt.Tier)
	if err != nil {
		return err
	}

	// snapshot dependency epochs before touching any tier, see the re-check
	// below
	epochs := e.index.Epochs(opt.Dependencies)

	var accepted int
	var firstErr error
	for _, tier := range targets {
		var setErr error
		if tier == e.memory {
			setErr = e.memory.SetEntry(ctx, key, value, ttl, opt.Tags, opt.Dependencies)
		} else {
			setErr = tier.Set(ctx, key, value, ttl)
		}
		if setErr == nil {
			accepted++
			continue
		}
		if firstErr == nil {
			firstErr = setErr
		}
		e.events.emit(Event{Type: EventError, Key: key, Tier: tier.Name(), Err: setErr, At: time.Now()})
		e.log.Debug().Err(setErr).Str("key", key).Str("tier", tier.Name()).Msg("Tier rejected write")
	}
	if accepted == 0 {
		if firstErr != nil {
			return firstErr
		}
		return fmt.Errorf("cacheengine: no tier accepted key %s", key)
	}

	e.counters.sets.Add(1)
	e.events.emit(Event{Type: EventSet, Key: key, At: time.Now()})

	if len(opt.Tags) > 0 || len(opt.Dependencies) > 0 {
		e.index.Record(key, opt.Tags, opt.Dependencies)
		// a dependency invalidation may have raced the tier writes above;
		// if so this entry is stale by definition and must go too
		if e.index.Changed(opt.Dependencies, epochs) {
			e.log.Debug().Str("key", key).Msg("Set raced a dependency invalidation, dropping entry")
			e.removeEverywhere(ctx, key)
		}
	}
	return nil
}

// DeleteOptions restricts a Delete to one tier.
type DeleteOptions struct {
	Tier string
}

// Delete removes key and reports whether any tier held it. Deleting an
// absent key is not an error.
func (e *Engine) Delete(ctx context.Context, key string, opts ...DeleteOptions) (bool, error) {
	if key == "" {
		return false, cache.ErrEmptyKey
	}
	if e.closed.Load() {
		return false, ErrShutdown
	}
	var opt DeleteOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	targets, err := e.targetTiers(opt.Tier)
	if err != nil {
		return false, err
	}

	present := false
	for _, tier := range targets {
		if tier.Delete(ctx, key) {
			present = true
		}
	}
	// the index entry goes away with the last copy; a single-tier delete
	// may leave copies (and therefore the index entry) behind
	if opt.Tier == "" {
		e.index.Remove(key)
	}
	if present {
		e.counters.deletes.Add(1)
		e.events.emit(Event{Type: EventDelete, Key: key, At: time.Now()})
	}
	return present, nil
}

// ClearCriteria selects entries for bulk removal. Zero-value criteria clear
// everything. Pattern supports '*' wildcards over whole keys. Tags select
// entries carrying at least one of the given tags.
type ClearCriteria struct {
	Tier    string
	Pattern string
	Tags    []string
}

// Clear removes all entries matching the criteria and returns the number of
// distinct keys removed.
func (e *Engine) Clear(ctx context.Context, criteria ClearCriteria) (int, error) {
	if e.closed.Load() {
		return 0, ErrShutdown
	}
	targets, err := e.targetTiers(criteria.Tier)
	if err != nil {
		return 0, err
	}

	// tag selection resolves through the index so tiers without tag
	// metadata (remote) are covered as well
	var tagged map[string]struct{}
	if len(criteria.Tags) > 0 {
		tagged = make(map[string]struct{})
		for _, tag := range criteria.Tags {
			for _, key := range e.index.KeysForTag(tag) {
				tagged[key] = struct{}{}
			}
		}
	}

	cleared := make(map[string]struct{})
	pred := func(key string, tags []string) bool {
		if criteria.Pattern != "" && !wildcardMatch(criteria.Pattern, key) {
			return false
		}
		if tagged != nil {
			if _, ok := tagged[key]; !ok && !containsAny(tags, criteria.Tags) {
				return false
			}
		}
		cleared[key] = struct{}{}
		return true
	}
	for _, tier := range targets {
		tier.Clear(ctx, pred)
	}
	for key := range cleared {
		e.index.Remove(key)
		e.events.emit(Event{Type: EventDelete, Key: key, Reason: "clear", At: time.Now()})
	}
	return len(cleared), nil
}

// InvalidateByDependencies removes every entry that declared one of the
// given dependencies, across all tiers, and returns the number of distinct
// keys invalidated.
func (e *Engine) InvalidateByDependencies(ctx context.Context, deps []string) (int, error) {
	if e.closed.Load() {
		return 0, ErrShutdown
	}
	invalidated := make(map[string]struct{})
	for _, dep := range deps {
		for _, key := range e.index.InvalidateDependency(dep) {
			invalidated[key] = struct{}{}
		}
	}
	for key := range invalidated {
		e.removeEverywhere(ctx, key)
		e.counters.evicted(cache.EvictInvalidated)
		e.events.emit(Event{Type: EventEvict, Key: key, Reason: cache.EvictInvalidated, At: time.Now()})
	}
	return len(invalidated), nil
}

// WarmEntry is one entry to pre-populate during startup.
type WarmEntry struct {
	Key        string   `yaml:"key"`
	Value      []byte   `yaml:"value"`
	TTLSeconds int      `yaml:"ttlSeconds"`
	Tags       []string `yaml:"tags"`
}

// WarmUp pre-populates the tiers and returns how many entries loaded.
// Individual failures are logged and skipped, never fatal: a partially warm
// cache is still a working cache.
func (e *Engine) WarmUp(ctx context.Context, entries []WarmEntry) int {
	loaded := 0
	for _, entry := range entries {
		err := e.Set(ctx, entry.Key, entry.Value, SetOptions{
			TTL:  time.Duration(entry.TTLSeconds) * time.Second,
			Tags: entry.Tags,
		})
		if err != nil {
			e.log.Warn().Err(err).Str("key", entry.Key).Msg("Warm-up entry skipped")
			continue
		}
		loaded++
	}
	e.log.Info().Int("loaded", loaded).Int("total", len(entries)).Msg("Cache warm-up done")
	return loaded
}

// GetOrSet returns the cached value for key, or invokes produce on a miss
// and caches its result. A produce error is returned as-is and nothing is
// cached. Caching failures after a successful produce are ignored beyond
// logging: the caller still gets its value.
func (e *Engine) GetOrSet(ctx context.Context, key string, ttl time.Duration, produce func(context.Context) ([]byte, error), opts ...SetOptions) ([]byte, error) {
	value, found, err := e.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}
	value, err = produce(ctx)
	if err != nil {
		return nil, err
	}
	var opt SetOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	opt.TTL = ttl
	if err := e.Set(ctx, key, value, opt); err != nil {
		if errors.Is(err, cache.ErrEmptyKey) || errors.Is(err, cache.ErrNegativeTTL) {
			return nil, err
		}
		e.log.Debug().Err(err).Str("key", key).Msg("Produced value not cached")
	}
	return value, nil
}

// Metrics returns a statistics snapshot without blocking on tier I/O.
func (e *Engine) Metrics() Statistics {
	stats := Statistics{
		Hits:         e.counters.hits.Load(),
		Misses:       e.counters.misses.Load(),
		Sets:         e.counters.sets.Load(),
		Deletes:      e.counters.deletes.Load(),
		Evictions:    e.counters.evictionsSnapshot(),
		TierEntries:  map[string]int{cache.TierMemory: e.memory.Len()},
		MemoryBytes:  e.memory.Bytes(),
		GetLatency:   e.getLatency.Snapshot(),
		SetLatency:   e.setLatency.Snapshot(),
		RemoteHealth: "disabled",
	}
	if e.remote != nil {
		remoteStats := e.remote.Stats()
		stats.Remote = &remoteStats
		stats.RemoteHealth = remoteStats.State
		stats.TierEntries[cache.TierRemote] = e.remote.Len()
	}
	if e.persistent != nil {
		stats.TierEntries[cache.TierPersistent] = e.persistent.Len()
	}
	return stats
}

// Subscribe returns a bounded channel of engine events. Slow consumers lose
// events rather than slowing the cache down. The channel is closed on
// Shutdown or Unsubscribe.
func (e *Engine) Subscribe(buffer int) <-chan Event {
	return e.events.subscribe(buffer)
}

// Unsubscribe closes and removes a channel obtained from Subscribe.
func (e *Engine) Unsubscribe(ch <-chan Event) {
	e.events.unsubscribe(ch)
}

// Shutdown stops background work and releases tier resources. In-flight
// backfills are drained until ctx expires; remote I/O finishes or times out
// before connections close.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.log.Info().Msg("Cache engine shutting down")

	// barrier: a backfill that passed the closed check has finished its Add
	// once we hold the mutex, any later one sees closed and bails
	e.backfillMu.Lock()
	e.backfillMu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.backfills.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		e.log.Warn().Msg("Shutdown deadline reached with backfills still in flight")
	}

	e.memory.Close()
	var err error
	if e.remote != nil {
		err = e.remote.Close()
	}
	if e.persistent != nil {
		if closeErr := e.persistent.Close(); err == nil {
			err = closeErr
		}
	}
	e.events.close()
	return err
}

// tierOrder returns the resolution order for a get, honoring the preferred
// tier when given.
func (e *Engine) tierOrder(preferred string) []cache.Tier {
	if preferred == "" {
		return e.tiers
	}
	order := make([]cache.Tier, 0, len(e.tiers))
	for _, tier := range e.tiers {
		if tier.Name() == preferred {
			order = append(order, tier)
		}
	}
	for _, tier := range e.tiers {
		if tier.Name() != preferred {
			order = append(order, tier)
		}
	}
	return order
}

// targetTiers resolves a tier selector ("" = all) for writes.
func (e *Engine) targetTiers(name string) ([]cache.Tier, error) {
	if name == "" {
		return e.tiers, nil
	}
	for _, tier := range e.tiers {
		if tier.Name() == name {
			return []cache.Tier{tier}, nil
		}
	}
	return nil, fmt.Errorf("cacheengine: unknown tier %q", name)
}

func (e *Engine) removeEverywhere(ctx context.Context, key string) {
	for _, tier := range e.tiers {
		tier.Delete(ctx, key)
	}
	e.index.Remove(key)
}

// wildcardMatch reports whether key matches pattern, where '*' matches any
// run of characters including separators.
func wildcardMatch(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(key, part)
		if idx < 0 {
			return false
		}
		key = key[idx+len(part):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}

func containsAny(haystack, needles []string) bool {
	for _, h := range haystack {
		for _, n := range needles {
			if h == n {
				return true
			}
		}
	}
	return false
}
