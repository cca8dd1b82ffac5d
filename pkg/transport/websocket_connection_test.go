package transport

import (
	"context"
	goerrs "errors"
	"testing"
	"time"

	"github.com/mixmixmix/rock-off-chain/internal/clearnodetest"
	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/handlers"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const wait = 2 * time.Second

func newConnection(t *testing.T, endpoint string) (*WebsocketConnection, *handlers.TopicRouter) {
	router := handlers.CreateTopicRouter(zap.NewNop())
	conn, err := CreateWebsocketConnection(router, WebsocketConnectionParams{
		Endpoint: endpoint,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(conn.Disconnect)
	return conn, router
}

func recvTopic(t *testing.T, ch <-chan *rpc.Response) *rpc.Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(wait):
		t.Fatal("timed out waiting for dispatch")
		return nil
	}
}

func TestCreateRequiresEndpoint(t *testing.T) {
	_, err := CreateWebsocketConnection(handlers.CreateTopicRouter(zap.NewNop()), WebsocketConnectionParams{})
	var missing *errors.MissingFieldError
	assert.True(t, goerrs.As(err, &missing))
}

func TestSendBeforeConnectFails(t *testing.T) {
	conn, _ := newConnection(t, "ws://127.0.0.1:1/ws")

	err := conn.Send([]byte("{}"))
	var nc *errors.NotConnected
	assert.True(t, goerrs.As(err, &nc))
	assert.Equal(t, Disconnected, conn.State())
}

func TestConnectDispatchesReadyThenFrames(t *testing.T) {
	server := clearnodetest.NewServer(t)
	conn, router := newConnection(t, server.URL)

	events := make(chan *rpc.Response, 8)
	router.OnTopic(handlers.TopicReady, func(r *rpc.Response) { events <- r })
	conn.OnTopic(rpc.TopicGetChannels, func(r *rpc.Response) { events <- r })

	require.NoError(t, conn.Connect(context.Background()))
	server.WaitConnected(t, wait)
	assert.Equal(t, Connected, conn.State())

	assert.Equal(t, handlers.TopicReady, recvTopic(t, events).Topic)

	require.NoError(t, server.Push(`not json at all`))
	require.NoError(t, server.Push(clearnodetest.Frame(rpc.TopicGetChannels, `[[{"channel_id":"0xc1","participant":"0xA"}]]`)))

	resp := recvTopic(t, events)
	assert.Equal(t, rpc.TopicGetChannels, resp.Topic)
	assert.Len(t, resp.Body.(*rpc.Channels).Channels, 1)
}

func TestConnectIsIdempotent(t *testing.T) {
	server := clearnodetest.NewServer(t)
	conn, _ := newConnection(t, server.URL)

	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Connect(context.Background()))
	server.WaitConnected(t, wait)

	require.NoError(t, conn.Send([]byte(`{"req":[1,"ping",[],1],"sig":[]}`)))
	assert.JSONEq(t, `{"req":[1,"ping",[],1],"sig":[]}`, string(server.NextFrame(t, wait)))
}

func TestStateTransitions(t *testing.T) {
	server := clearnodetest.NewServer(t)
	conn, _ := newConnection(t, server.URL)

	states := make(chan ConnectionState, 8)
	conn.OnStateChange(func(s ConnectionState) { states <- s })

	err := conn.MarkAuthenticated()
	var pv *errors.PreconditionViolated
	assert.True(t, goerrs.As(err, &pv))

	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.MarkAuthenticated())
	assert.Equal(t, Authenticated, conn.State())

	conn.Disconnect()
	assert.Equal(t, Disconnected, conn.State())

	assert.Equal(t, Connected, <-states)
	assert.Equal(t, Authenticated, <-states)
	assert.Equal(t, Disconnected, <-states)
}

func TestDisconnectRaisesClosedSynchronously(t *testing.T) {
	server := clearnodetest.NewServer(t)
	conn, router := newConnection(t, server.URL)

	var closed []*rpc.Response
	router.OnTopic(handlers.TopicClosed, func(r *rpc.Response) { closed = append(closed, r) })

	require.NoError(t, conn.Connect(context.Background()))
	conn.Disconnect()
	conn.Disconnect()

	require.Len(t, closed, 1)
	lost, ok := closed[0].Body.(*errors.ConnectionLost)
	require.True(t, ok)
	assert.Contains(t, lost.Reason, "disconnect")
}

func TestServerDropRaisesClosed(t *testing.T) {
	server := clearnodetest.NewServer(t)
	conn, router := newConnection(t, server.URL)

	closed := make(chan *rpc.Response, 2)
	router.OnTopic(handlers.TopicClosed, func(r *rpc.Response) { closed <- r })

	require.NoError(t, conn.Connect(context.Background()))
	server.WaitConnected(t, wait)
	server.DropClients()

	recvTopic(t, closed)
	assert.Equal(t, Disconnected, conn.State())

	err := conn.Send([]byte("{}"))
	var nc *errors.NotConnected
	assert.True(t, goerrs.As(err, &nc))

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, Connected, conn.State())
}

func TestDialFailureIsConnectionLost(t *testing.T) {
	conn, _ := newConnection(t, "ws://127.0.0.1:1/ws")

	err := conn.Connect(context.Background())
	var lost *errors.ConnectionLost
	assert.True(t, goerrs.As(err, &lost))
	assert.Equal(t, Disconnected, conn.State())
}
