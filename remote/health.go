package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Start launches the health monitor goroutine. The monitor pings the store
// on a fixed interval and applies consecutive-success/-failure thresholds so
// a single transient failure does not flap the reported state. When the
// state drops to unreachable it switches into the reconnect loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.monitor()
}

func (c *Client) monitor() {
	defer c.wg.Done()
	c.log.Debug().Dur("interval", c.cfg.Health.Interval).Msg("Starting remote health monitor")

	ticker := time.NewTicker(c.cfg.Health.Interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	consecutiveSuccesses := 0

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		latency, err := c.Ping(context.Background())
		if err == nil {
			consecutiveFailures = 0
			consecutiveSuccesses++
			if c.State() == StateHealthy || consecutiveSuccesses >= c.cfg.Health.SuccessThreshold {
				c.setState(StateHealthy)
			}
			c.refreshEntryCount()
			c.log.Trace().Dur("latency", latency).Msg("Remote ping ok")
			continue
		}

		consecutiveSuccesses = 0
		consecutiveFailures++
		c.log.Debug().Err(err).Int("consecutive", consecutiveFailures).Msg("Remote ping failed")

		if consecutiveFailures >= c.cfg.Health.FailureThreshold {
			c.setState(StateUnreachable)
			if !c.reconnect() {
				return // shutting down
			}
			consecutiveFailures = 0
			consecutiveSuccesses = 0
		} else {
			c.setState(StateDegraded)
		}
	}
}

// reconnect retries the store with exponential backoff. After MaxAttempts
// the failure is terminal as far as backoff growth goes, but retries keep
// running at the capped interval indefinitely: operators must be able to
// bring the store back without a process restart. Returns false only when
// the client is shutting down.
func (c *Client) reconnect() bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.Health.Reconnect.InitialDelay
	policy.Multiplier = c.cfg.Health.Reconnect.Multiplier
	policy.MaxInterval = c.cfg.Health.Reconnect.MaxDelay
	policy.MaxElapsedTime = 0
	policy.RandomizationFactor = 0
	policy.Reset()

	attempt := 0
	terminal := false
	for {
		wait := policy.NextBackOff()
		select {
		case <-c.stop:
			return false
		case <-time.After(wait):
		}

		attempt++
		c.log.Debug().Int("attempt", attempt).Dur("waited", wait).Msg("Reconnecting to remote store")

		c.redial()
		if _, err := c.Ping(context.Background()); err == nil {
			c.log.Info().Int("attempts", attempt).Msg("Remote store reachable again")
			c.setState(StateHealthy)
			return true
		}

		if !terminal && attempt >= c.cfg.Health.Reconnect.MaxAttempts {
			terminal = true
			c.log.Error().Int("attempts", attempt).
				Msgf("Remote store still unreachable, continuing retries every %s", c.cfg.Health.Reconnect.MaxDelay)
		}
	}
}

// redial replaces the underlying connection pool. go-redis reconnects lazily
// on its own, but a fresh pool drops poisoned connections immediately.
func (c *Client) redial() {
	fresh := newUniversalClient(c.cfg)
	c.mu.Lock()
	stale := c.rdb
	c.rdb = fresh
	c.mu.Unlock()
	_ = stale.Close()
}

func (c *Client) refreshEntryCount() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()
	if count, err := c.client().DBSize(ctx).Result(); err == nil {
		c.entries.Store(count)
	}
}
