// Package clearnode wires the connection, handshake, correlator, session
// manager and ledger cache into one ClearNode client.
package clearnode

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mixmixmix/rock-off-chain/pkg/appsession"
	"github.com/mixmixmix/rock-off-chain/pkg/auth"
	"github.com/mixmixmix/rock-off-chain/pkg/chord"
	"github.com/mixmixmix/rock-off-chain/pkg/correlator"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/handlers"
	"github.com/mixmixmix/rock-off-chain/pkg/ledger"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/mixmixmix/rock-off-chain/pkg/sessionkey"
	"github.com/mixmixmix/rock-off-chain/pkg/signer"
	"github.com/mixmixmix/rock-off-chain/pkg/store"
	"github.com/mixmixmix/rock-off-chain/pkg/transport"
	"go.uber.org/zap"
)

const DefaultEndpoint = "wss://clearnet.yellow.com/ws"

type ClientConfig struct {
	Endpoint string
	Identity signer.IdentitySigner

	// Store persists the session key and the active app session. Nil keeps
	// both in memory.
	Store store.Store

	AppName     string
	Scope       string
	Application string
	AuthExpiry  time.Duration

	RequestTimeout time.Duration
	PingInterval   time.Duration
	Asset          string

	// SkipChannelFetch disables the get_channels request sent after
	// authenticating.
	SkipChannelFetch bool

	EventBufferLength  int
	MaxPendingPerTopic int

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

type Client struct {
	config ClientConfig

	router     *handlers.TopicRouter
	conn       *transport.WebsocketConnection
	serializer *rpc.Serializer

	keys       *sessionkey.Store
	delegate   *sessionDelegate
	handshake  *auth.Handshake
	correlator *correlator.Correlator
	sessions   *appsession.Manager
	ledger     *ledger.Cache

	events chan Event

	mut_authWaiters sync.Mutex
	authWaiters     []chan error

	mut_ping sync.Mutex
	stopPing chan struct{}

	log *zap.Logger
}

func CreateClient(config ClientConfig) (*Client, error) {
	if config.Identity == nil {
		return nil, &errors.MissingFieldError{MessageName: "ClientConfig", FieldName: "Identity"}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = correlator.DefaultTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 10 * time.Second
	}

	eventBufferLength := 256
	if config.EventBufferLength > 0 {
		eventBufferLength = config.EventBufferLength
	}

	serializer := &rpc.Serializer{}
	router := handlers.CreateTopicRouter(logger)

	conn, err := transport.CreateWebsocketConnection(router, transport.WebsocketConnectionParams{
		Endpoint: config.Endpoint,
		Dialer:   config.Dialer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	keys := sessionkey.CreateStore(sessionkey.Params{Store: config.Store, Logger: logger})
	delegate := &sessionDelegate{keys: keys, log: logger}

	handshake, err := auth.CreateHandshake(conn, serializer, auth.HandshakeParams{
		Identity:    config.Identity,
		Delegate:    delegate,
		AppName:     config.AppName,
		Scope:       config.Scope,
		Application: config.Application,
		Expiry:      config.AuthExpiry,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	corr := correlator.CreateCorrelator(conn, correlator.CorrelatorParams{
		DefaultTimeout: config.RequestTimeout,
		MaxPending:     config.MaxPendingPerTopic,
		Logger:         logger,
	})

	sessions, err := appsession.CreateManager(corr, appsession.ManagerParams{
		Delegate:   delegate,
		Asset:      config.Asset,
		Timeout:    config.RequestTimeout,
		Store:      config.Store,
		Serializer: serializer,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	cache, err := ledger.CreateCache(corr, ledger.CacheParams{
		Delegate:   delegate,
		Serializer: serializer,
		Timeout:    config.RequestTimeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		router:     router,
		conn:       conn,
		serializer: serializer,
		keys:       keys,
		delegate:   delegate,
		handshake:  handshake,
		correlator: corr,
		sessions:   sessions,
		ledger:     cache,
		events:     make(chan Event, eventBufferLength),
		log:        logger.With(zap.String("component", "ClearNodeClient")),
	}

	// The handshake must see $ready before anything else.
	handshake.Attach(router)
	// The cache reduces a frame before the correlator wakes its caller.
	cache.Attach(router)
	corr.Attach(router,
		rpc.TopicGetChannels,
		rpc.TopicGetLedgerBalances,
		rpc.TopicCreateAppSession,
		rpc.TopicCloseAppSession)
	router.OnTopic(rpc.TopicError, c.handleServerError)
	router.OnTopic(rpc.TopicPong, func(*rpc.Response) {
		c.log.Debug("Received pong")
	})

	conn.OnStateChange(c.onConnectionState)
	handshake.OnStateChange(c.onHandshakeState)
	keys.OnReset(c.onSessionKeyReset)

	return c, nil
}

// Connect opens the socket. Authentication starts on its own once it is open.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.keys.GetOrCreate(); err != nil {
		return err
	}
	return c.conn.Connect(ctx)
}

// Authenticate connects if needed and blocks until the handshake settles.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.conn.State() == transport.Authenticated {
		return nil
	}

	waiter := c.addAuthWaiter()
	defer c.removeAuthWaiter(waiter)

	if err := c.Connect(ctx); err != nil {
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the socket and rejects every pending request.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

func (c *Client) State() transport.ConnectionState {
	return c.conn.State()
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) OnTopic(topic string, handler handlers.Handler) *handlers.Subscription {
	return c.router.OnTopic(topic, handler)
}

func (c *Client) WalletAddress() string {
	return c.config.Identity.Address()
}

func (c *Client) SessionKeyAddress() (string, error) {
	key, err := c.keys.GetOrCreate()
	if err != nil {
		return "", err
	}
	return key.Address, nil
}

// ResetSessionKey discards the session key. The current connection is closed
// and the next Authenticate announces a fresh key.
func (c *Client) ResetSessionKey() error {
	return c.keys.Reset()
}

func (c *Client) SessionToken() *auth.SessionToken {
	return c.handshake.SessionToken()
}

func (c *Client) CreateApplicationSession(ctx context.Context, counterparty string, amount string) appsession.Result {
	return c.sessions.CreateApplicationSession(ctx, counterparty, amount)
}

func (c *Client) CloseApplicationSession(ctx context.Context, appSessionID, participantA, participantB, amountA, amountB string) (*rpc.Response, error) {
	return c.sessions.CloseApplicationSession(ctx, appSessionID, participantA, participantB, amountA, amountB)
}

func (c *Client) Settle(ctx context.Context, classification chord.Classification) (*rpc.Response, error) {
	return c.sessions.Settle(ctx, classification)
}

func (c *Client) ActiveSession() (*appsession.ActiveSession, error) {
	return c.sessions.ActiveSession()
}

// RequestChannels asks for the wallet's channels; the answer also refreshes
// the ledger cache.
func (c *Client) RequestChannels(ctx context.Context) (*rpc.Response, error) {
	return c.ledger.RequestChannels(ctx, c.WalletAddress())
}

func (c *Client) Ledger() *ledger.Cache {
	return c.ledger
}

func (c *Client) onConnectionState(state transport.ConnectionState) {
	switch state {
	case transport.Authenticated:
		c.startPing()
	case transport.Disconnected:
		c.stopPinging()
	}
	c.emit(Event{Kind: EventStateChanged, State: state})
}

func (c *Client) onHandshakeState(state auth.State, err error) {
	switch state {
	case auth.Authenticated:
		c.emit(Event{Kind: EventAuthenticated, State: c.conn.State()})
		c.settleAuthWaiters(nil)
		if !c.config.SkipChannelFetch {
			go c.fetchChannels()
		}
	case auth.Failed:
		c.emit(Event{Kind: EventAuthFailed, State: c.conn.State(), Err: err})
		c.settleAuthWaiters(err)
		// a failed handshake leaves nothing usable on this socket
		c.conn.Disconnect()
	}
}

func (c *Client) onSessionKeyReset(previous sessionkey.SessionKey) {
	c.log.Info("Session key rotated, re-authentication required", zap.String("previousAddress", previous.Address))
	c.emit(Event{Kind: EventSessionKeyRotated, State: c.conn.State()})
	c.conn.Disconnect()
}

func (c *Client) handleServerError(resp *rpc.Response) {
	body, ok := resp.Body.(*rpc.ServerError)
	if !ok {
		return
	}
	c.log.Warn("ClearNode reported an error", zap.String("message", body.Message))
	c.emit(Event{Kind: EventServerError, State: c.conn.State(), Err: &errors.ServerError{Message: body.Message}})
}

func (c *Client) fetchChannels() {
	if _, err := c.RequestChannels(context.Background()); err != nil {
		c.log.Warn("Could not fetch channels after authentication", zap.Error(err))
	}
}

func (c *Client) addAuthWaiter() chan error {
	waiter := make(chan error, 1)
	c.mut_authWaiters.Lock()
	defer c.mut_authWaiters.Unlock()
	c.authWaiters = append(c.authWaiters, waiter)
	return waiter
}

func (c *Client) removeAuthWaiter(waiter chan error) {
	c.mut_authWaiters.Lock()
	defer c.mut_authWaiters.Unlock()
	for i, w := range c.authWaiters {
		if w == waiter {
			c.authWaiters = append(c.authWaiters[:i:i], c.authWaiters[i+1:]...)
			return
		}
	}
}

func (c *Client) settleAuthWaiters(err error) {
	c.mut_authWaiters.Lock()
	waiters := c.authWaiters
	c.authWaiters = nil
	c.mut_authWaiters.Unlock()

	for _, w := range waiters {
		w <- err
	}
}
