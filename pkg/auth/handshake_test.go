package auth

import (
	"context"
	goerrs "errors"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/mixmixmix/rock-off-chain/internal/clearnodetest"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/handlers"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/mixmixmix/rock-off-chain/pkg/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type fakeConnection struct {
	mut           sync.Mutex
	frames        [][]byte
	authenticated int
}

func (f *fakeConnection) Send(payload []byte) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeConnection) MarkAuthenticated() error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.authenticated++
	return nil
}

type failingIdentity struct{}

func (failingIdentity) Address() string { return "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf" }

func (failingIdentity) SignTypedData(context.Context, *signer.TypedData) (string, error) {
	return "", goerrs.New("user rejected request")
}

type outbound struct {
	Req []jsoniter.RawMessage `json:"req"`
	Sig []string              `json:"sig"`
}

func decodeOutbound(t *testing.T, frame []byte) (string, map[string]interface{}, []string) {
	t.Helper()
	var out outbound
	require.NoError(t, json.Unmarshal(frame, &out))
	require.Len(t, out.Req, 4)

	var method string
	require.NoError(t, json.Unmarshal(out.Req[1], &method))
	var params []map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Req[2], &params))
	require.Len(t, params, 1)
	return method, params[0], out.Sig
}

type fixture struct {
	conn      *fakeConnection
	router    *handlers.TopicRouter
	handshake *Handshake
	wallet    *signer.LocalSigner
	delegate  *signer.LocalSigner
	now       time.Time
}

func newFixture(t *testing.T, identity signer.IdentitySigner) *fixture {
	wallet, err := signer.LocalSignerFromHex("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	delegate := signer.NewLocalSigner(key)
	if identity == nil {
		identity = wallet
	}

	now := time.Unix(1_700_000_000, 0)
	conn := &fakeConnection{}
	h, err := CreateHandshake(conn, &rpc.Serializer{Now: func() time.Time { return now }}, HandshakeParams{
		Identity: identity,
		Delegate: delegate,
		AppName:  "Test App Mi",
		Now:      func() time.Time { return now },
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	router := handlers.CreateTopicRouter(zap.NewNop())
	h.Attach(router)
	return &fixture{conn: conn, router: router, handshake: h, wallet: wallet, delegate: delegate, now: now}
}

func (f *fixture) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	resp, err := (&rpc.Serializer{}).Parse([]byte(clearnodetest.Frame(topic, payload)))
	require.NoError(t, err)
	f.router.Dispatch(resp)
}

func TestHandshakeReachesAuthenticated(t *testing.T) {
	f := newFixture(t, nil)
	var states []State
	f.handshake.OnStateChange(func(s State, _ error) { states = append(states, s) })

	f.router.Dispatch(&rpc.Response{Topic: handlers.TopicReady})
	require.Len(t, f.conn.frames, 1)
	method, params, sigs := decodeOutbound(t, f.conn.frames[0])
	assert.Equal(t, rpc.TopicAuthRequest, method)
	assert.Equal(t, f.wallet.Address(), params["address"])
	assert.Equal(t, f.delegate.Address(), params["session_key"])
	assert.Equal(t, "console", params["scope"])
	assert.Equal(t, "1700003600", params["expire"])
	assert.Equal(t, []interface{}{}, params["allowances"])
	assert.Empty(t, sigs)

	f.deliver(t, rpc.TopicAuthChallenge, `[{"challenge":"abc"}]`)
	require.Len(t, f.conn.frames, 2)
	method, params, sigs = decodeOutbound(t, f.conn.frames[1])
	assert.Equal(t, rpc.TopicAuthVerify, method)
	assert.Equal(t, "abc", params["challenge"])
	assert.Equal(t, "console", params["scope"])
	assert.Equal(t, f.delegate.Address(), params["participant"])
	require.Len(t, sigs, 1)

	// the signature is an EIP-712 signature by the wallet, not the session key
	digest, err := (&signer.TypedData{
		Domain: signer.Domain{Name: "Test App Mi"},
		Message: signer.Policy{
			Challenge:   "abc",
			Scope:       "console",
			Wallet:      f.wallet.Address(),
			Application: f.wallet.Address(),
			Participant: f.delegate.Address(),
			Expire:      1700003600,
			Allowances:  []signer.Allowance{},
		},
	}).Digest()
	require.NoError(t, err)
	recovered, err := signer.RecoverAddress(digest, sigs[0])
	require.NoError(t, err)
	assert.Equal(t, f.wallet.Address(), recovered)

	expires := f.now.Add(time.Hour)
	jwtToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   f.wallet.Address(),
		ExpiresAt: jwt.NewNumericDate(expires),
	}).SignedString([]byte("server-secret"))
	require.NoError(t, err)

	f.deliver(t, rpc.TopicAuthVerify, `[{"success":true,"jwt_token":"`+jwtToken+`"}]`)

	assert.Equal(t, Authenticated, f.handshake.State())
	assert.Equal(t, 1, f.conn.authenticated)
	assert.Equal(t, []State{AwaitingChallenge, AwaitingVerifyAck, Authenticated}, states)
	require.NoError(t, f.handshake.Wait(context.Background()))

	token := f.handshake.SessionToken()
	require.NotNil(t, token)
	assert.Equal(t, f.wallet.Address(), token.Subject)
	assert.True(t, token.ExpiresAt.Equal(expires))
	assert.False(t, token.Expired(f.now))
}

func TestFailureBeforeAuthenticatedIsTerminal(t *testing.T) {
	for name, steps := range map[string]int{
		"before auth_request": 0,
		"awaiting challenge":  1,
		"awaiting verify ack": 2,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			if steps >= 1 {
				f.router.Dispatch(&rpc.Response{Topic: handlers.TopicReady})
			}
			if steps >= 2 {
				f.deliver(t, rpc.TopicAuthChallenge, `[{"challenge":"abc"}]`)
			}

			f.deliver(t, rpc.TopicAuthFailure, `["invalid signature"]`)
			assert.Equal(t, Failed, f.handshake.State())

			var authErr *errors.AuthenticationFailed
			require.True(t, goerrs.As(f.handshake.Err(), &authErr))
			assert.Equal(t, "invalid signature", authErr.Reason)

			// a verify arriving afterwards never authenticates
			f.deliver(t, rpc.TopicAuthVerify, `[{"success":true}]`)
			assert.Equal(t, Failed, f.handshake.State())
			assert.Equal(t, 0, f.conn.authenticated)
		})
	}
}

func TestSigningFailureFailsHandshake(t *testing.T) {
	f := newFixture(t, failingIdentity{})
	f.router.Dispatch(&rpc.Response{Topic: handlers.TopicReady})
	f.deliver(t, rpc.TopicAuthChallenge, `[{"challenge":"abc"}]`)

	assert.Equal(t, Failed, f.handshake.State())
	var signErr *errors.SigningFailed
	assert.True(t, goerrs.As(f.handshake.Wait(context.Background()), &signErr))
	assert.Len(t, f.conn.frames, 1)
}

func TestConnectionLossDuringHandshake(t *testing.T) {
	f := newFixture(t, nil)
	f.router.Dispatch(&rpc.Response{Topic: handlers.TopicReady})
	f.router.Dispatch(&rpc.Response{Topic: handlers.TopicClosed, Body: &errors.ConnectionLost{Reason: "eof"}})

	var lost *errors.ConnectionLost
	assert.True(t, goerrs.As(f.handshake.Err(), &lost))

	// a fresh connection starts a fresh attempt
	f.router.Dispatch(&rpc.Response{Topic: handlers.TopicReady})
	assert.Equal(t, AwaitingChallenge, f.handshake.State())
	assert.Nil(t, f.handshake.Err())
}

func TestChallengeOutOfOrderIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.deliver(t, rpc.TopicAuthChallenge, `[{"challenge":"abc"}]`)
	assert.Equal(t, Start, f.handshake.State())
	assert.Empty(t, f.conn.frames)
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.handshake.Wait(ctx), context.DeadlineExceeded)
}

func TestParseSessionTokenRejectsGarbage(t *testing.T) {
	_, err := ParseSessionToken("not-a-jwt")
	assert.Error(t, err)
}
