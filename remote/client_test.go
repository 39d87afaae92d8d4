package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, mr *miniredis.Miniredis, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Addrs:     []string{mr.Addr()},
		Namespace: "tunexa:",
		OpTimeout: 500 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRemoteRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "car:bmw:3series", []byte(`{"speakers":10}`), time.Minute))

	value, found := c.Get(ctx, "car:bmw:3series")
	require.True(t, found)
	assert.Equal(t, []byte(`{"speakers":10}`), value)

	// the namespace must be applied on the wire
	assert.True(t, mr.Exists("tunexa:car:bmw:3series"))
}

func TestRemoteTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, found := c.Get(ctx, "k")
	assert.False(t, found)
}

func TestRemoteCompressionRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr, func(cfg *Config) { cfg.Compression = true })
	ctx := context.Background()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte('a' + i%4)
	}
	require.NoError(t, c.Set(ctx, "big", payload, 0))

	value, found := c.Get(ctx, "big")
	require.True(t, found)
	assert.Equal(t, payload, value)
}

func TestRemoteMissOnAbsentKey(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr)

	_, found := c.Get(context.Background(), "nope")
	assert.False(t, found)
}

func TestRemoteDeleteIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	assert.True(t, c.Delete(ctx, "k"))
	assert.False(t, c.Delete(ctx, "k"))
}

func TestRemoteClearByPredicate(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "car:bmw", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "car:audi", []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "user:42", []byte("3"), 0))

	cleared := c.Clear(ctx, func(key string, _ []string) bool {
		return len(key) > 4 && key[:4] == "car:"
	})
	assert.Equal(t, 2, cleared)

	_, found := c.Get(ctx, "user:42")
	assert.True(t, found)
}

func TestRemoteFailsOpenWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	mr.Close()

	// get degrades to a miss, set returns an error, nothing panics
	_, found := c.Get(ctx, "k")
	assert.False(t, found)
	assert.Error(t, c.Set(ctx, "k", []byte("v"), 0))
	assert.False(t, c.Delete(ctx, "k"))
	assert.Greater(t, c.Stats().Errors, int64(0))
}

func TestRemoteConnectFailsFast(t *testing.T) {
	c := New(Config{
		Addrs:       []string{"127.0.0.1:1"},
		DialTimeout: 200 * time.Millisecond,
	})
	defer c.Close()

	err := c.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateUnreachable, c.State())
}

func TestRemoteContractViolations(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr)
	ctx := context.Background()

	assert.Error(t, c.Set(ctx, "", []byte("v"), 0))
	assert.Error(t, c.Set(ctx, "k", []byte("v"), -time.Second))
}

func TestHealthMonitorRecovers(t *testing.T) {
	mr := miniredis.RunT(t)

	var mu sync.Mutex
	var transitions []string
	c := testClient(t, mr, func(cfg *Config) {
		cfg.Health = HealthConfig{
			Interval:         20 * time.Millisecond,
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Reconnect: ReconnectConfig{
				InitialDelay: 10 * time.Millisecond,
				Multiplier:   2,
				MaxDelay:     50 * time.Millisecond,
				MaxAttempts:  3,
			},
		}
		cfg.OnHealthChange = func(state string) {
			mu.Lock()
			transitions = append(transitions, state)
			mu.Unlock()
		}
	})
	c.Start()

	mr.Close()
	assert.Eventually(t, func() bool {
		return c.State() == StateUnreachable
	}, 2*time.Second, 10*time.Millisecond, "monitor should report unreachable")

	require.NoError(t, mr.Restart())
	assert.Eventually(t, func() bool {
		return c.State() == StateHealthy
	}, 5*time.Second, 10*time.Millisecond, "reconnect loop should recover")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, StateUnreachable)
	assert.Equal(t, StateHealthy, transitions[len(transitions)-1])
}

func TestPingReportsLatency(t *testing.T) {
	mr := miniredis.RunT(t)
	c := testClient(t, mr)

	elapsed, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, elapsed, time.Duration(0))
	assert.Greater(t, c.Stats().Latency.Count, 0)
}
