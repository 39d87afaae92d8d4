// Package remote implements the networked key-value tier on top of Redis.
//
// The client survives the store being unreachable: every operation carries a
// timeout, transport errors surface as a miss (get) or a failure (set,
// delete), and a background health monitor drives reconnection. Nothing in
// this package ever panics or propagates a transport error to a cache caller.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunexa/cache-engine/cache"
	latency "github.com/tunexa/cache-engine/pkg/latency-window"
	codec "github.com/tunexa/cache-engine/pkg/value-codec"
)

// Connectivity states reported by the health monitor.
const (
	StateHealthy     = "healthy"
	StateDegraded    = "degraded"
	StateUnreachable = "unreachable"
)

// Config configures the remote tier client.
type Config struct {
	// Addrs holds one address for single-node mode or the cluster seed
	// nodes. The client follows cluster redirects transparently.
	Addrs    []string
	Password string
	DB       int
	// Namespace is prepended to every key, so multiple deployments can
	// share one store.
	Namespace string
	// DialTimeout bounds the initial connection check.
	DialTimeout time.Duration
	// OpTimeout bounds every get/set/delete/ping call.
	OpTimeout time.Duration
	// Compression enables s2 compression of values on the wire.
	Compression bool
	Health      HealthConfig
	// OnHealthChange is called from the monitor goroutine whenever the
	// connectivity state changes.
	OnHealthChange func(state string)
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// HealthConfig tunes the health monitor and reconnect behavior.
type HealthConfig struct {
	// Interval between health-check pings.
	Interval time.Duration
	// FailureThreshold is the number of consecutive ping failures before
	// the state drops to unreachable (a single failure only degrades it).
	FailureThreshold int
	// SuccessThreshold is the number of consecutive ping successes needed
	// to report healthy again.
	SuccessThreshold int
	Reconnect        ReconnectConfig
}

// ReconnectConfig bounds the exponential backoff used while unreachable.
type ReconnectConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxAttempts bounds the backoff growth phase. After it is exhausted a
	// terminal failure is reported, but retries continue at MaxDelay so
	// operators can recover the store without restarting the process.
	MaxAttempts int
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 250 * time.Millisecond
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 5 * time.Second
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Health.SuccessThreshold <= 0 {
		c.Health.SuccessThreshold = 2
	}
	if c.Health.Reconnect.InitialDelay <= 0 {
		c.Health.Reconnect.InitialDelay = time.Second
	}
	if c.Health.Reconnect.Multiplier <= 1 {
		c.Health.Reconnect.Multiplier = 2
	}
	if c.Health.Reconnect.MaxDelay <= 0 {
		c.Health.Reconnect.MaxDelay = time.Minute
	}
	if c.Health.Reconnect.MaxAttempts <= 0 {
		c.Health.Reconnect.MaxAttempts = 10
	}
}

// Stats is a point-in-time view of the client's counters.
type Stats struct {
	State    string           `json:"state"`
	Ops      int64            `json:"ops"`
	Errors   int64            `json:"errors"`
	Timeouts int64            `json:"timeouts"`
	Entries  int64            `json:"entries"`
	Latency  latency.Snapshot `json:"latency"`
}

// Client is the remote tier. It implements cache.Tier.
type Client struct {
	cfg   Config
	codec codec.Codec
	log   zerolog.Logger

	mu  sync.RWMutex // guards rdb across redials
	rdb redis.UniversalClient

	state    atomic.Value // string
	ops      atomic.Int64
	errs     atomic.Int64
	timeouts atomic.Int64
	entries  atomic.Int64
	latency  *latency.Window

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the client without touching the network. Call Connect to
// verify reachability and Start to launch the health monitor.
func New(cfg Config) *Client {
	cfg.withDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c := &Client{
		cfg:     cfg,
		codec:   codec.New(cfg.Compression),
		log:     logger.With().Str("tier", cache.TierRemote).Logger(),
		rdb:     newUniversalClient(cfg),
		latency: latency.NewWindow(0),
		stop:    make(chan struct{}),
	}
	c.state.Store(StateUnreachable)
	return c
}

func newUniversalClient(cfg Config) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}

// Connect verifies that at least one node is reachable. It fails fast when
// none is; callers may retry, and the health monitor keeps retrying anyway
// once started.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	if err := c.client().Ping(ctx).Err(); err != nil {
		return fmt.Errorf("remote: connect %v: %w", c.cfg.Addrs, err)
	}
	c.setState(StateHealthy)
	return nil
}

func (c *Client) client() redis.UniversalClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

func (c *Client) Name() string { return cache.TierRemote }

// State returns the current connectivity state.
func (c *Client) State() string {
	return c.state.Load().(string)
}

func (c *Client) setState(state string) {
	if previous := c.state.Swap(state); previous != state {
		c.log.Info().Str("from", previous.(string)).Str("to", state).Msg("Remote tier health changed")
		if c.cfg.OnHealthChange != nil {
			c.cfg.OnHealthChange(state)
		}
	}
}

// Get returns the value for key. Any transport error, timeout or decode
// failure is reported as a miss; the orchestrator treats it like any other
// miss and the caller recomputes.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	start := time.Now()
	framed, err := c.client().Get(ctx, c.cfg.Namespace+key).Bytes()
	c.observe(start, err)
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("Remote get failed, treating as miss")
		return nil, false
	}
	value, err := c.codec.Decode(framed)
	if err != nil {
		// corrupt entry, drop it rather than serve it
		c.log.Error().Err(err).Str("key", key).Msg("Could not decode remote value, purging")
		c.Delete(context.WithoutCancel(ctx), key)
		return nil, false
	}
	return value, true
}

// Set stores value under key. A zero ttl stores without expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return cache.ErrEmptyKey
	}
	if ttl < 0 {
		return cache.ErrNegativeTTL
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	start := time.Now()
	err := c.client().Set(ctx, c.cfg.Namespace+key, c.codec.Encode(value), ttl).Err()
	c.observe(start, err)
	if err != nil {
		return fmt.Errorf("remote: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key and reports whether it was present. Transport errors
// report false.
func (c *Client) Delete(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	start := time.Now()
	removed, err := c.client().Del(ctx, c.cfg.Namespace+key).Result()
	c.observe(start, err)
	if err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("Remote delete failed")
		return false
	}
	return removed > 0
}

// Clear scans the namespace and removes every key matched by the predicate.
// The remote tier has no tag metadata, so the predicate receives nil tags.
func (c *Client) Clear(ctx context.Context, pred func(key string, tags []string) bool) int {
	cleared := 0
	iter := c.client().Scan(ctx, 0, c.cfg.Namespace+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()[len(c.cfg.Namespace):]
		if pred != nil && !pred(key, nil) {
			continue
		}
		if c.Delete(ctx, key) {
			cleared++
		}
	}
	if err := iter.Err(); err != nil {
		c.errs.Add(1)
		c.log.Debug().Err(err).Msg("Remote scan aborted")
	}
	return cleared
}

// Len returns the entry count observed by the last health tick. It never
// issues I/O, so statistics snapshots stay non-blocking.
func (c *Client) Len() int {
	return int(c.entries.Load())
}

// Ping measures round-trip latency to the store.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	start := time.Now()
	err := c.client().Ping(ctx).Err()
	elapsed := time.Since(start)
	c.observe(start, err)
	if err != nil {
		return elapsed, fmt.Errorf("remote: ping: %w", err)
	}
	return elapsed, nil
}

// Stats returns the client's counters without touching the network.
func (c *Client) Stats() Stats {
	return Stats{
		State:    c.State(),
		Ops:      c.ops.Load(),
		Errors:   c.errs.Load(),
		Timeouts: c.timeouts.Load(),
		Entries:  c.entries.Load(),
		Latency:  c.latency.Snapshot(),
	}
}

// Close stops the health monitor, waits for it and releases connections.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return c.client().Close()
}

func (c *Client) observe(start time.Time, err error) {
	c.ops.Add(1)
	c.latency.Observe(time.Since(start))
	switch {
	case err == nil, errors.Is(err, redis.Nil):
	case errors.Is(err, context.DeadlineExceeded):
		c.timeouts.Add(1)
		c.errs.Add(1)
	default:
		c.errs.Add(1)
	}
}
