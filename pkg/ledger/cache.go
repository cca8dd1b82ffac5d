// Package ledger mirrors the channel list and ledger balances ClearNode pushes
// to the client.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/handlers"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/mixmixmix/rock-off-chain/pkg/signer"
	"go.uber.org/zap"
)

type Awaiter interface {
	SendAndAwait(ctx context.Context, payload []byte, expectedTopic string, timeout time.Duration) (*rpc.Response, error)
}

type CacheParams struct {
	Delegate   signer.DelegateSigner
	Serializer *rpc.Serializer
	// Timeout for each balance request; zero uses the correlator default.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Cache is a reducer over get_channels and get_ledger_balances frames. It has
// no other write path.
type Cache struct {
	awaiter    Awaiter
	params     CacheParams
	serializer *rpc.Serializer

	mut_channels sync.RWMutex
	channels     []rpc.ChannelRecord

	mut_balances sync.RWMutex
	balances     map[string][]rpc.BalanceRecord

	inflight sync.WaitGroup

	log *zap.Logger
}

func CreateCache(awaiter Awaiter, params CacheParams) (*Cache, error) {
	if awaiter == nil {
		return nil, &errors.MissingFieldError{MessageName: "Cache", FieldName: "Awaiter"}
	}
	if params.Delegate == nil {
		return nil, &errors.MissingFieldError{MessageName: "CacheParams", FieldName: "Delegate"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	serializer := params.Serializer
	if serializer == nil {
		serializer = &rpc.Serializer{}
	}

	return &Cache{
		awaiter:    awaiter,
		params:     params,
		serializer: serializer,
		channels:   []rpc.ChannelRecord{},
		balances:   make(map[string][]rpc.BalanceRecord),
		log:        logger.With(zap.String("component", "LedgerCache")),
	}, nil
}

func (c *Cache) Attach(router *handlers.TopicRouter) []*handlers.Subscription {
	return []*handlers.Subscription{
		router.OnTopic(rpc.TopicGetChannels, c.HandleChannels),
		router.OnTopic(rpc.TopicGetLedgerBalances, c.HandleBalances),
	}
}

// HandleChannels replaces the channel list and requests balances for every
// participant in it without waiting for the answers.
func (c *Cache) HandleChannels(resp *rpc.Response) {
	body, ok := resp.Body.(*rpc.Channels)
	if !ok {
		return
	}

	channels := append([]rpc.ChannelRecord{}, body.Channels...)
	c.mut_channels.Lock()
	c.channels = channels
	c.mut_channels.Unlock()

	c.log.Info("Channel list updated", zap.Int("count", len(channels)))

	seen := make(map[string]bool)
	for _, ch := range channels {
		participant := participantKey(ch.Participant)
		if participant == "" || seen[participant] {
			continue
		}
		seen[participant] = true

		c.inflight.Add(1)
		go func(participant string) {
			defer c.inflight.Done()
			defer func() {
				if p := recover(); p != nil {
					c.log.Error("Balance request panicked", zap.String("participant", participant), zap.Any("panic", p))
				}
			}()
			c.requestBalances(participant)
		}(participant)
	}
}

// HandleBalances merges a balance frame that names its participant.
func (c *Cache) HandleBalances(resp *rpc.Response) {
	body, ok := resp.Body.(*rpc.LedgerBalances)
	if !ok || body.Participant == "" {
		return
	}
	c.merge(body.Participant, body.Balances)
}

func (c *Cache) requestBalances(participant string) {
	ctx := context.Background()
	req := c.serializer.NewRequest(rpc.TopicGetLedgerBalances, &rpc.ParticipantParams{Participant: participant})
	frame, err := c.serializer.Encode(ctx, req, "session key", c.params.Delegate.Sign)
	if err != nil {
		c.log.Warn("Could not sign balance request", zap.String("participant", participant), zap.Error(err))
		return
	}

	resp, err := c.awaiter.SendAndAwait(ctx, frame, rpc.TopicGetLedgerBalances, c.params.Timeout)
	if err != nil {
		c.log.Warn("Balance request failed", zap.String("participant", participant), zap.Error(err))
		return
	}

	// frames that name their participant were merged by HandleBalances
	if body, ok := resp.Body.(*rpc.LedgerBalances); ok && body.Participant == "" {
		c.merge(participant, body.Balances)
	}
}

// RequestChannels asks ClearNode for participant's channels and waits for the
// answer. The cache itself is updated by HandleChannels.
func (c *Cache) RequestChannels(ctx context.Context, participant string) (*rpc.Response, error) {
	req := c.serializer.NewRequest(rpc.TopicGetChannels, &rpc.ParticipantParams{Participant: participant})
	frame, err := c.serializer.Encode(ctx, req, "session key", c.params.Delegate.Sign)
	if err != nil {
		return nil, err
	}
	return c.awaiter.SendAndAwait(ctx, frame, rpc.TopicGetChannels, c.params.Timeout)
}

func (c *Cache) merge(participant string, balances []rpc.BalanceRecord) {
	key := participantKey(participant)
	records := append([]rpc.BalanceRecord{}, balances...)

	c.mut_balances.Lock()
	c.balances[key] = records
	c.mut_balances.Unlock()

	c.log.Debug("Ledger balances updated", zap.String("participant", key), zap.Int("assets", len(records)))
}

// Wait blocks until every balance request started so far has finished.
func (c *Cache) Wait() {
	c.inflight.Wait()
}

func (c *Cache) Channels() []rpc.ChannelRecord {
	c.mut_channels.RLock()
	defer c.mut_channels.RUnlock()
	return append([]rpc.ChannelRecord{}, c.channels...)
}

func (c *Cache) Balances() map[string][]rpc.BalanceRecord {
	c.mut_balances.RLock()
	defer c.mut_balances.RUnlock()

	out := make(map[string][]rpc.BalanceRecord, len(c.balances))
	for k, v := range c.balances {
		out[k] = append([]rpc.BalanceRecord{}, v...)
	}
	return out
}

func (c *Cache) BalancesOf(participant string) ([]rpc.BalanceRecord, bool) {
	c.mut_balances.RLock()
	defer c.mut_balances.RUnlock()

	v, ok := c.balances[participantKey(participant)]
	if !ok {
		return nil, false
	}
	return append([]rpc.BalanceRecord{}, v...), true
}

// participantKey checksums hex addresses so differently cased copies of one
// address share an entry.
func participantKey(participant string) string {
	if normalized, ok := signer.NormalizeAddress(participant); ok {
		return normalized
	}
	return participant
}
