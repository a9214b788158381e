package connection

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"github.com/codewiresh/unitywire/internal/config"
)

// ensureRetryInterval bounds the pause between EnsureConnected attempts.
const ensureRetryInterval = 500 * time.Millisecond

// reconnectDelay returns min(base * multiplier^attempts, max).
func reconnectDelay(u config.Unity, attempts int) time.Duration {
	b := &backoff.Backoff{
		Min:    u.ReconnectDelay,
		Max:    u.MaxReconnectDelay,
		Factor: u.BackoffMultiplier,
		Jitter: false,
	}
	return b.ForAttempt(float64(attempts))
}

// scheduleReconnectLocked arms the reconnect timer. At most one timer is
// armed, and none while connected, connecting or closed.
func (c *Conn) scheduleReconnectLocked() {
	if c.closed || c.reconnectTimer != nil || c.connecting != nil || c.state != StateDisconnected {
		return
	}

	u := c.config().Unity
	delay := reconnectDelay(u, c.attempts)
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnectFire(seq) })

	c.metrics.ReconnectScheduled()
	c.logger.Info("scheduling reconnect", "addr", u.Addr(), "attempt", c.attempts+1, "retry_in", delay)
	c.events.Publish(Event{Kind: EventReconnecting, Attempt: c.attempts + 1, Delay: delay})
}

func (c *Conn) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectSeq++
}

func (c *Conn) reconnectFire(seq uint64) {
	c.mu.Lock()
	if seq != c.reconnectSeq {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.attempts++
	c.mu.Unlock()

	err := c.Connect(context.Background())
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.config().Unity
	c.logger.Warn("reconnect failed", "addr", u.Addr(), "attempt", c.attempts, "err", err)
	if u.AutoReconnect {
		c.scheduleReconnectLocked()
	}
}

// EnsureConnected connects, retrying until timeout elapses. The very
// first connection fails fast when the editor refuses it. On expiry it
// returns a ConnectError with code UNITY_RECONNECT_TIMEOUT.
func (c *Conn) EnsureConnected(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config().Unity.DialTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last error
	for {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, ErrClosed) {
			return err
		}

		var ce *ConnectError
		c.mu.Lock()
		connectedBefore := c.hasConnectedOnce
		c.mu.Unlock()
		if !connectedBefore && errors.As(err, &ce) && ce.Code == CodeConnectionRefused {
			return err
		}

		wait := time.NewTimer(ensureRetryInterval)
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			if c.IsConnected() {
				return nil
			}
			return &ConnectError{
				Code: CodeReconnectTimeout,
				Addr: c.config().Unity.Addr(),
				Hint: connectHint,
				Err:  last,
			}
		}
	}
}
