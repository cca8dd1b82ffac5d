// Package correlator layers send-and-await over the push-only ClearNode
// connection.
package correlator

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mixmixmix/rock-off-chain/internal"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/handlers"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/mixmixmix/rock-off-chain/pkg/transport"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultTimeout = 10 * time.Second

// Connection is the part of transport.WebsocketConnection the correlator needs.
type Connection interface {
	Send(payload []byte) error
	State() transport.ConnectionState
}

type CorrelatorParams struct {
	// DefaultTimeout applies when SendAndAwait is called with timeout <= 0.
	DefaultTimeout time.Duration
	MaxPending     int

	// OnTimeout runs after a request times out. Tests use it as a spy.
	OnTimeout func(topic string)

	Logger *zap.Logger
}

type Correlator struct {
	conn   Connection
	store  *internal.RequestStore
	params CorrelatorParams

	topicSlots *slots

	log *zap.Logger
}

func CreateCorrelator(conn Connection, params CorrelatorParams) *Correlator {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.DefaultTimeout <= 0 {
		params.DefaultTimeout = DefaultTimeout
	}

	return &Correlator{
		conn:       conn,
		store:      internal.CreateRequestStore(params.MaxPending),
		params:     params,
		topicSlots: newSlots(),
		log:        logger.With(zap.String("component", "Correlator")),
	}
}

// Attach routes the given response topics into the correlator and fails every
// pending request when the connection closes.
func (c *Correlator) Attach(router *handlers.TopicRouter, topics ...string) []*handlers.Subscription {
	subs := make([]*handlers.Subscription, 0, len(topics)+1)
	for _, topic := range topics {
		subs = append(subs, router.OnTopic(topic, func(resp *rpc.Response) {
			c.HandleResponse(resp)
		}))
	}
	subs = append(subs, router.OnTopic(handlers.TopicClosed, func(resp *rpc.Response) {
		lost, ok := resp.Body.(*errors.ConnectionLost)
		if !ok {
			lost = &errors.ConnectionLost{}
		}
		c.FailAll(lost)
	}))
	return subs
}

// SendAndAwait sends payload and blocks until a frame on expectedTopic
// answers it, the timeout elapses, the connection is lost or ctx ends.
// Requests on the same topic are serialized: a second caller waits for the
// first to settle before its payload is sent.
func (c *Correlator) SendAndAwait(ctx context.Context, payload []byte, expectedTopic string, timeout time.Duration) (*rpc.Response, error) {
	if timeout <= 0 {
		timeout = c.params.DefaultTimeout
	}

	if state := c.conn.State(); state != transport.Authenticated {
		return nil, &errors.PreconditionViolated{
			Operation: "send " + expectedTopic,
			Reason:    "connection is " + state.String() + ", not authenticated",
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	release, err := c.topicSlots.acquire(ctx, expectedTopic, timer.C)
	if err != nil {
		if err == errSlotTimeout {
			return nil, c.timedOut(expectedTopic, timeout)
		}
		return nil, err
	}
	defer release()

	requestId := json.Get(payload, "req", 0).ToUint64()
	req, err := c.store.Register(expectedTopic, requestId, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}

	if err := c.conn.Send(payload); err != nil {
		c.store.Remove(req)
		return nil, err
	}

	select {
	case res := <-req.Done():
		return res.Response, res.Err
	case <-timer.C:
		if c.store.Abandon(req) {
			return nil, c.timedOut(expectedTopic, timeout)
		}
		res := <-req.Done()
		return res.Response, res.Err
	case <-ctx.Done():
		if c.store.Abandon(req) {
			return nil, ctx.Err()
		}
		res := <-req.Done()
		return res.Response, res.Err
	}
}

func (c *Correlator) timedOut(topic string, timeout time.Duration) error {
	c.log.Warn("Request timed out", zap.String("topic", topic), zap.Duration("timeout", timeout))
	if c.params.OnTimeout != nil {
		c.params.OnTimeout(topic)
	}
	return &errors.Timeout{Topic: topic, Timeout: timeout}
}

// HandleResponse settles the request resp answers. It reports false for
// unsolicited or late frames.
func (c *Correlator) HandleResponse(resp *rpc.Response) bool {
	if c.store.Resolve(resp) {
		return true
	}
	c.log.Debug("No pending request for response", zap.String("topic", resp.Topic), zap.Uint64("requestId", resp.RequestID))
	return false
}

// FailAll rejects every pending request with err.
func (c *Correlator) FailAll(err error) int {
	count := c.store.FailAll(err)
	if count > 0 {
		c.log.Info("Rejected pending requests", zap.Int("count", count), zap.Error(err))
	}
	return count
}

func (c *Correlator) PendingCount() int {
	return c.store.PendingCount()
}
