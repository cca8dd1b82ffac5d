// Package auth drives the ClearNode authentication handshake:
// auth_request -> auth_challenge -> auth_verify.
package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/handlers"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/mixmixmix/rock-off-chain/pkg/signer"
	"go.uber.org/zap"
)

type State int32

const (
	Start State = iota
	AwaitingChallenge
	AwaitingVerifyAck
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Start:
		return "start"
	case AwaitingChallenge:
		return "awaiting_challenge"
	case AwaitingVerifyAck:
		return "awaiting_verify_ack"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s == Authenticated || s == Failed
}

// Connection is the part of transport.WebsocketConnection the handshake uses.
type Connection interface {
	Send(payload []byte) error
	MarkAuthenticated() error
}

type HandshakeParams struct {
	Identity signer.IdentitySigner
	// Delegate is the session key announced to ClearNode.
	Delegate signer.DelegateSigner

	AppName string
	Scope   string
	// Application defaults to the wallet address.
	Application string
	Expiry      time.Duration
	Allowances  []signer.Allowance

	// SignTimeout bounds how long the identity signer may take to approve the
	// challenge.
	SignTimeout time.Duration
	Now         func() time.Time

	Logger *zap.Logger
}

// attempt is one pass through the handshake on one physical connection.
type attempt struct {
	done chan struct{}
	err  error
}

type Handshake struct {
	conn       Connection
	serializer *rpc.Serializer
	params     HandshakeParams

	mut_state sync.Mutex
	state     State
	expire    uint64
	token     *SessionToken
	current   *attempt

	mut_listeners sync.RWMutex
	listeners     []func(State, error)

	log *zap.Logger
}

func CreateHandshake(conn Connection, serializer *rpc.Serializer, params HandshakeParams) (*Handshake, error) {
	if params.Identity == nil {
		return nil, &errors.MissingFieldError{MessageName: "HandshakeParams", FieldName: "Identity"}
	}
	if params.Delegate == nil {
		return nil, &errors.MissingFieldError{MessageName: "HandshakeParams", FieldName: "Delegate"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Scope == "" {
		params.Scope = "console"
	}
	if params.Expiry <= 0 {
		params.Expiry = time.Hour
	}
	if params.SignTimeout <= 0 {
		params.SignTimeout = 2 * time.Minute
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	if params.Allowances == nil {
		params.Allowances = []signer.Allowance{}
	}
	if serializer == nil {
		serializer = &rpc.Serializer{}
	}

	return &Handshake{
		conn:       conn,
		serializer: serializer,
		params:     params,
		state:      Start,
		current:    &attempt{done: make(chan struct{})},
		log:        logger.With(zap.String("component", "AuthHandshake"), zap.String("wallet", params.Identity.Address())),
	}, nil
}

// Attach subscribes the handshake to the synthetic connection topics and the
// three auth topics.
func (h *Handshake) Attach(router *handlers.TopicRouter) []*handlers.Subscription {
	return []*handlers.Subscription{
		router.OnTopic(handlers.TopicReady, func(*rpc.Response) { h.HandleReady() }),
		router.OnTopic(handlers.TopicClosed, h.HandleClosed),
		router.OnTopic(rpc.TopicAuthChallenge, h.HandleChallenge),
		router.OnTopic(rpc.TopicAuthVerify, h.HandleVerify),
		router.OnTopic(rpc.TopicAuthFailure, h.HandleFailure),
	}
}

func (h *Handshake) State() State {
	h.mut_state.Lock()
	defer h.mut_state.Unlock()
	return h.state
}

// Err is the reason the last attempt failed, or nil.
func (h *Handshake) Err() error {
	h.mut_state.Lock()
	defer h.mut_state.Unlock()
	if h.state != Failed {
		return nil
	}
	return h.current.err
}

// SessionToken is the token from the last successful auth_verify, if any.
func (h *Handshake) SessionToken() *SessionToken {
	h.mut_state.Lock()
	defer h.mut_state.Unlock()
	return h.token
}

// OnStateChange registers fn to run after every transition. err is set when
// the new state is Failed.
func (h *Handshake) OnStateChange(fn func(State, error)) {
	h.mut_listeners.Lock()
	defer h.mut_listeners.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Wait blocks until the current attempt reaches Authenticated or Failed.
func (h *Handshake) Wait(ctx context.Context) error {
	h.mut_state.Lock()
	current := h.current
	h.mut_state.Unlock()

	select {
	case <-current.done:
		return current.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleReady starts a new attempt by sending auth_request.
func (h *Handshake) HandleReady() {
	h.mut_state.Lock()
	if h.current.finished() {
		h.current = &attempt{done: make(chan struct{})}
	}
	h.token = nil
	h.expire = uint64(h.params.Now().Add(h.params.Expiry).Unix())
	expire := h.expire
	h.mut_state.Unlock()

	wallet := h.params.Identity.Address()
	application := h.params.Application
	if application == "" {
		application = wallet
	}

	req := h.serializer.NewRequest(rpc.TopicAuthRequest, &rpc.AuthRequestParams{
		Address:     wallet,
		SessionKey:  h.params.Delegate.Address(),
		AppName:     h.params.AppName,
		Allowances:  h.params.Allowances,
		Expire:      strconv.FormatUint(expire, 10),
		Scope:       h.params.Scope,
		Application: application,
	})
	frame, err := h.serializer.Encode(context.Background(), req, "", nil)
	if err != nil {
		h.fail(err)
		return
	}
	if err := h.conn.Send(frame); err != nil {
		h.fail(err)
		return
	}

	h.log.Info("Sent auth_request", zap.String("sessionKey", h.params.Delegate.Address()))
	h.transition(AwaitingChallenge, nil)
}

// HandleChallenge signs the policy for the received challenge with the
// identity signer and sends auth_verify.
func (h *Handshake) HandleChallenge(resp *rpc.Response) {
	challenge, ok := resp.Body.(*rpc.AuthChallenge)
	if !ok {
		return
	}

	h.mut_state.Lock()
	state := h.state
	expire := h.expire
	h.mut_state.Unlock()
	if state != AwaitingChallenge {
		h.log.Warn("Ignoring auth_challenge", zap.Stringer("state", state))
		return
	}

	wallet := h.params.Identity.Address()
	application := h.params.Application
	if application == "" {
		application = wallet
	}
	policy := signer.Policy{
		Challenge:   challenge.Token(),
		Scope:       h.params.Scope,
		Wallet:      wallet,
		Application: application,
		Participant: h.params.Delegate.Address(),
		Expire:      expire,
		Allowances:  h.params.Allowances,
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.params.SignTimeout)
	defer cancel()

	sig, err := h.params.Identity.SignTypedData(ctx, &signer.TypedData{
		Domain:  signer.Domain{Name: h.params.AppName},
		Message: policy,
	})
	if err != nil {
		h.fail(&errors.SigningFailed{Signer: "identity", Cause: err})
		return
	}

	req := h.serializer.NewRequest(rpc.TopicAuthVerify, &rpc.AuthVerifyParams{
		Challenge:   policy.Challenge,
		Scope:       policy.Scope,
		Wallet:      policy.Wallet,
		Application: policy.Application,
		Participant: policy.Participant,
		Expire:      strconv.FormatUint(policy.Expire, 10),
		Allowances:  policy.Allowances,
	})
	frame, err := h.serializer.EncodeWithSignature(req, sig)
	if err != nil {
		h.fail(err)
		return
	}
	if err := h.conn.Send(frame); err != nil {
		h.fail(err)
		return
	}

	h.log.Info("Sent auth_verify")
	h.transition(AwaitingVerifyAck, nil)
}

// HandleVerify completes the handshake and retains the session token.
func (h *Handshake) HandleVerify(resp *rpc.Response) {
	result, ok := resp.Body.(*rpc.AuthVerifyResult)
	if !ok {
		return
	}

	if state := h.State(); state != AwaitingVerifyAck {
		h.log.Warn("Ignoring auth_verify", zap.Stringer("state", state))
		return
	}

	var token *SessionToken
	if result.JwtToken != "" {
		parsed, err := ParseSessionToken(result.JwtToken)
		if err != nil {
			h.log.Warn("Could not read session token claims", zap.Error(err))
			parsed = &SessionToken{Raw: result.JwtToken}
		}
		token = parsed
	}

	if err := h.conn.MarkAuthenticated(); err != nil {
		h.fail(err)
		return
	}

	h.mut_state.Lock()
	h.token = token
	h.mut_state.Unlock()

	fields := []zap.Field{}
	if token != nil && !token.ExpiresAt.IsZero() {
		fields = append(fields, zap.Time("tokenExpiresAt", token.ExpiresAt))
	}
	h.log.Info("Authenticated with ClearNode", fields...)
	h.transition(Authenticated, nil)
}

func (h *Handshake) HandleFailure(resp *rpc.Response) {
	failure, ok := resp.Body.(*rpc.AuthFailure)
	if !ok {
		return
	}
	h.fail(&errors.AuthenticationFailed{Reason: failure.Reason})
}

// HandleClosed fails an attempt still in progress when its connection goes.
func (h *Handshake) HandleClosed(resp *rpc.Response) {
	lost, ok := resp.Body.(*errors.ConnectionLost)
	if !ok {
		lost = &errors.ConnectionLost{}
	}

	h.mut_state.Lock()
	state := h.state
	h.mut_state.Unlock()

	switch {
	case state == Authenticated:
		h.mut_state.Lock()
		h.current = &attempt{done: make(chan struct{})}
		h.mut_state.Unlock()
		h.transition(Start, nil)
	case state != Start && !state.terminal():
		h.fail(lost)
	}
}

func (h *Handshake) fail(err error) {
	state := h.State()
	if state == Authenticated {
		h.log.Warn("Ignoring auth failure after authentication", zap.Error(err))
		return
	}
	if state == Failed {
		return
	}

	h.log.Error("Authentication failed", zap.Error(err))
	h.transition(Failed, err)
}

func (h *Handshake) transition(next State, err error) {
	h.mut_state.Lock()
	h.state = next
	if next.terminal() {
		h.current.finish(err)
	}
	h.mut_state.Unlock()

	h.mut_listeners.RLock()
	listeners := append([]func(State, error){}, h.listeners...)
	h.mut_listeners.RUnlock()

	for _, fn := range listeners {
		fn(next, err)
	}
}

func (a *attempt) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *attempt) finish(err error) {
	if a.finished() {
		return
	}
	a.err = err
	close(a.done)
}
