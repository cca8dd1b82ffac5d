package clearnode

import (
	"context"
	"time"

	"github.com/mixmixmix/rock-off-chain/pkg/transport"
	"go.uber.org/zap"
)

func (c *Client) startPing() {
	c.mut_ping.Lock()
	defer c.mut_ping.Unlock()

	if c.stopPing != nil {
		return
	}
	stop := make(chan struct{})
	c.stopPing = stop
	go c.pingLoop(stop)
}

func (c *Client) stopPinging() {
	c.mut_ping.Lock()
	defer c.mut_ping.Unlock()

	if c.stopPing == nil {
		return
	}
	close(c.stopPing)
	c.stopPing = nil
}

func (c *Client) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.conn.State() != transport.Authenticated {
				continue
			}
			if err := c.sendPing(); err != nil {
				c.log.Warn("Ping failed", zap.Error(err))
			}
		}
	}
}

// sendPing is fire-and-forget; pong frames are only logged.
func (c *Client) sendPing() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.PingInterval)
	defer cancel()

	frame, err := c.serializer.Encode(ctx, c.serializer.NewPing(), "session key", c.delegate.Sign)
	if err != nil {
		return err
	}
	return c.conn.Send(frame)
}
