package client

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"
)

// maxReconnectAttempts and the backoff bounds are spec.md §4.9's
// reconnect policy: min(base·2^attempts + rand(0,1s), 30s), base 1s,
// give up after 10 failures. Grounded on tunnel.ReconnectLoop's
// exponential-backoff-with-cap shape, adapted to jitter and a bounded
// attempt counter instead of running forever.
const (
	maxReconnectAttempts = 10
	backoffBase          = 1 * time.Second
	backoffCap           = 30 * time.Second
	jitterMax            = 1 * time.Second
)

// Run drives the connect/reconnect loop until ctx is cancelled, the
// caller calls Close with AutoReconnect disabled, or reconnection is
// exhausted. It returns nil on a clean ctx-cancelled shutdown and a
// non-nil error once reconnection gives up. cmd/ccr starts Run in its
// own goroutine and discards this result, so exhausted reconnection
// neither ends the ccr process nor sets its exit code.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0

	for {
		authenticated, err := c.connectOnce(ctx)
		if authenticated {
			attempts = 0
		}

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		c.setState(StateDisconnected)
		h := c.snapshotHandlers()
		if h.OnDisconnected != nil {
			h.OnDisconnected()
		}
		if err != nil && h.OnError != nil {
			h.OnError(err)
		}

		if !c.cfg.AutoReconnect {
			return err
		}

		attempts++
		if attempts > maxReconnectAttempts {
			if h.OnReconnectFailed != nil {
				h.OnReconnectFailed()
			}
			return errors.New("client: reconnect attempts exhausted")
		}

		delay := backoffDelay(attempts)
		c.setState(StateReconnecting)
		if h.OnReconnecting != nil {
			h.OnReconnecting(attempts, delay)
		}
		log.Printf("[client] reconnecting in %s (attempt %d/%d)", delay, attempts, maxReconnectAttempts)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func backoffDelay(attempts int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempts-1))
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(jitterMax)))
	d += jitter
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
