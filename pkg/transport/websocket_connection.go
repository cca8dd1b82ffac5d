package transport

import (
	"context"
	goerrs "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/handlers"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	utils "github.com/mixmixmix/rock-off-chain/pkg/util"
	"go.uber.org/zap"
)

type WebsocketConnectionParams struct {
	Endpoint string
	Header   http.Header

	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	MaxReadMessageSize int64

	// Dialer overrides the default gorilla dialer, e.g. for custom TLS.
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// activeConnection is one physical socket. A new one is created by every
// successful Connect; frames from a superseded one are never dispatched.
type activeConnection struct {
	id   string
	conn *websocket.Conn

	mut_write sync.Mutex
}

// WebsocketConnection owns the single ClearNode socket and its ConnectionState.
type WebsocketConnection struct {
	params     WebsocketConnectionParams
	dialer     *websocket.Dialer
	router     *handlers.TopicRouter
	serializer *rpc.Serializer

	mut_state  sync.Mutex
	state      ConnectionState
	dialing    bool
	generation uint64
	active     *activeConnection

	mut_stateListeners sync.RWMutex
	stateListeners     []func(ConnectionState)

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func CreateWebsocketConnection(router *handlers.TopicRouter, params WebsocketConnectionParams) (*WebsocketConnection, error) {
	if params.Endpoint == "" {
		return nil, &errors.MissingFieldError{MessageName: "WebsocketConnectionParams", FieldName: "Endpoint"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = 10 * time.Second
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = 10 * time.Second
	}
	if params.MaxReadMessageSize <= 0 {
		params.MaxReadMessageSize = 1 << 20
	}

	dialer := params.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: params.HandshakeTimeout,
		}
	}

	return &WebsocketConnection{
		params:     params,
		dialer:     dialer,
		router:     router,
		serializer: &rpc.Serializer{},
		state:      Disconnected,
		log:        logger.With(zap.String("component", "WebsocketConnection"), zap.String("endpoint", params.Endpoint)),
		stringGen:  utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (c *WebsocketConnection) State() ConnectionState {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()
	return c.state
}

// OnStateChange registers fn to run after every state transition.
func (c *WebsocketConnection) OnStateChange(fn func(ConnectionState)) {
	c.mut_stateListeners.Lock()
	defer c.mut_stateListeners.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

func (c *WebsocketConnection) OnTopic(topic string, handler handlers.Handler) *handlers.Subscription {
	return c.router.OnTopic(topic, handler)
}

// Connect dials the endpoint. It is a no-op while a connection is open or
// being opened. Once open, the read loop raises handlers.TopicReady before
// dispatching any server frame.
func (c *WebsocketConnection) Connect(ctx context.Context) error {
	c.mut_state.Lock()
	if c.dialing || c.active != nil {
		c.mut_state.Unlock()
		c.log.Debug("Connect called while already connected or connecting")
		return nil
	}
	c.dialing = true
	generation := c.generation
	c.mut_state.Unlock()

	connId := c.stringGen.GetRandomString(6)
	log := c.log.With(zap.String("wsConnId", connId))
	log.Info("Dialing ClearNode")

	conn, resp, err := c.dialer.DialContext(ctx, c.params.Endpoint, c.params.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mut_state.Lock()
		c.dialing = false
		c.mut_state.Unlock()
		log.Error("Failed to dial ClearNode", zap.Error(err))
		return &errors.ConnectionLost{Reason: err.Error()}
	}

	conn.SetReadLimit(c.params.MaxReadMessageSize)

	active := &activeConnection{id: connId, conn: conn}

	c.mut_state.Lock()
	c.dialing = false
	if c.generation != generation {
		c.mut_state.Unlock()
		conn.Close()
		log.Info("Disconnect requested while dialing, dropping new connection")
		return &errors.ConnectionLost{Reason: "disconnect requested while dialing"}
	}
	c.active = active
	c.state = Connected
	c.mut_state.Unlock()

	log.Info("Connected to ClearNode")
	c.notifyState(Connected)

	go c.readLoop(active, log)
	return nil
}

// Disconnect closes the socket. Every subscriber of handlers.TopicClosed has
// run by the time it returns.
func (c *WebsocketConnection) Disconnect() {
	c.mut_state.Lock()
	c.generation++
	c.mut_state.Unlock()

	active := c.detach(nil)
	if active == nil {
		return
	}

	func() {
		active.mut_write.Lock()
		defer active.mut_write.Unlock()
		deadline := time.Now().Add(time.Second)
		active.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
	}()

	c.finishTeardown(active, "disconnect requested")
}

// MarkAuthenticated advances Connected -> Authenticated.
func (c *WebsocketConnection) MarkAuthenticated() error {
	c.mut_state.Lock()
	if c.state != Connected {
		state := c.state
		c.mut_state.Unlock()
		return &errors.PreconditionViolated{
			Operation: "mark connection authenticated",
			Reason:    "connection is " + state.String(),
		}
	}
	c.state = Authenticated
	c.mut_state.Unlock()

	c.notifyState(Authenticated)
	return nil
}

// Send writes one frame. It fails with NotConnected unless the state is
// Connected or Authenticated, and with ConnectionLost if the write fails.
func (c *WebsocketConnection) Send(payload []byte) error {
	c.mut_state.Lock()
	active := c.active
	state := c.state
	c.mut_state.Unlock()

	if active == nil || state == Disconnected {
		return &errors.NotConnected{Operation: "send"}
	}

	err := func() error {
		active.mut_write.Lock()
		defer active.mut_write.Unlock()
		active.conn.SetWriteDeadline(time.Now().Add(c.params.WriteTimeout))
		return active.conn.WriteMessage(websocket.TextMessage, payload)
	}()

	if err != nil {
		c.log.Error("Failed to write frame", zap.Error(err))
		c.teardown(active, err.Error())
		return &errors.ConnectionLost{Reason: err.Error()}
	}
	return nil
}

func (c *WebsocketConnection) isActive(active *activeConnection) bool {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()
	return c.active == active
}

func (c *WebsocketConnection) readLoop(active *activeConnection, log *zap.Logger) {
	log.Info("Starting ClearNode read loop")
	defer log.Info("Stopping ClearNode read loop")

	if c.isActive(active) {
		c.router.Dispatch(&rpc.Response{Topic: handlers.TopicReady})
	}

	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, msgErr := active.conn.ReadMessage()
		if msgErr != nil {
			switch {
			case websocket.IsCloseError(msgErr, expectedCloseErrors...):
				closeError, ok := msgErr.(*websocket.CloseError)
				if ok {
					log.Info("ClearNode closed the connection", zap.Int("closeCode", closeError.Code), zap.String("closeMsg", closeError.Text))
				} else {
					log.Info("ClearNode closed the connection")
				}
			case websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...):
				log.Warn("Unexpected close from ClearNode", zap.Error(msgErr))
			case goerrs.Is(msgErr, net.ErrClosed):
				log.Info("Connection closed locally")
			default:
				log.Error("Unexpected WebSocket error on message read", zap.Error(msgErr))
			}
			c.teardown(active, msgErr.Error())
			return
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		resp, err := c.serializer.Parse(payload)
		if err != nil {
			log.Warn("Dropping malformed frame", zap.Int("size", len(payload)), zap.Error(err))
			continue
		}

		if !c.isActive(active) {
			log.Debug("Ignoring frame from superseded connection", zap.String("topic", resp.Topic))
			return
		}

		if c.router.Dispatch(resp) == 0 {
			log.Debug("No handler for topic", zap.String("topic", resp.Topic))
		}
	}
}

// detach clears the active connection and resets the state to Disconnected.
// With a non-nil expected it only detaches if that connection is still active.
func (c *WebsocketConnection) detach(expected *activeConnection) *activeConnection {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	active := c.active
	if active == nil || (expected != nil && active != expected) {
		return nil
	}
	c.active = nil
	c.state = Disconnected
	return active
}

// teardown runs at most once per physical connection: it resets the state to
// Disconnected and raises handlers.TopicClosed synchronously.
func (c *WebsocketConnection) teardown(active *activeConnection, reason string) {
	if c.detach(active) == nil {
		return
	}
	c.finishTeardown(active, reason)
}

func (c *WebsocketConnection) finishTeardown(active *activeConnection, reason string) {
	active.conn.Close()
	c.log.Info("Connection torn down", zap.String("wsConnId", active.id), zap.String("reason", reason))

	c.notifyState(Disconnected)
	c.router.Dispatch(&rpc.Response{
		Topic: handlers.TopicClosed,
		Body:  &errors.ConnectionLost{Reason: reason},
	})
}

func (c *WebsocketConnection) notifyState(state ConnectionState) {
	c.mut_stateListeners.RLock()
	listeners := append([]func(ConnectionState){}, c.stateListeners...)
	c.mut_stateListeners.RUnlock()

	for _, fn := range listeners {
		fn(state)
	}
}
