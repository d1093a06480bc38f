package taskrelay

import (
	"context"
	"time"
)

// MaxBackoff caps the delay between attempts.
const MaxBackoff = 30 * time.Second

// Backoff returns min(2^attempt, 30) seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return MaxBackoff
	}
	return min(time.Duration(1<<attempt)*time.Second, MaxBackoff)
}

// reconnect runs one reconnection chain after an unexpected close. Only the
// close path calls it. A chain already in flight absorbs further triggers,
// including the close of a session the chain itself opened.
func (c *Connection) reconnect() {
	c.mu.Lock()
	if c.reconnecting || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	stop := c.stopCh
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.stopped {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		limit := c.opts.maxReconnectAttempts
		if attempt > limit {
			c.log.Error().Int("attempt", attempt).Int("max", limit).Msg("max reconnection attempts reached")
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}

		delay := c.opts.backoff(attempt)
		c.log.Info().Int("attempt", attempt).Int("max", limit).Dur("delay", delay).Msg("attempting to reconnect")
		if c.opts.onReconnect != nil {
			c.opts.onReconnect(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		case <-timer.C:
		}

		c.connect(context.Background(), false)

		// The chain owns the flag until it exits. A session that opened and
		// already closed again leaves its close trigger absorbed here, so
		// the chain keeps going with the counter reset by the open.
		c.mu.Lock()
		if c.stopped || c.isConnectedLocked() {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// ConnectWithRetry is the startup connect. It makes up to the configured
// number of attempts with the same backoff, using its own counter starting
// at zero, and stops early when ctx is cancelled.
func (c *Connection) ConnectWithRetry(ctx context.Context) bool {
	limit := c.opts.maxReconnectAttempts
	if limit < 1 {
		limit = 1
	}

	for attempt := 0; attempt < limit; attempt++ {
		c.log.Info().Int("attempt", attempt+1).Msg("attempting websocket connection")
		if c.Connect(ctx) {
			c.log.Info().Msg("websocket connection established")
			return true
		}
		if ctx.Err() != nil {
			c.log.Info().Msg("startup connection cancelled")
			return false
		}

		if attempt < limit-1 {
			delay := c.opts.backoff(attempt)
			c.log.Info().Dur("delay", delay).Msg("retrying connection")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.log.Info().Msg("startup connection cancelled")
				return false
			case <-timer.C:
			}
		}
	}

	c.log.Error().Int("attempts", limit).Msg("failed to establish websocket connection after all attempts")
	return false
}
