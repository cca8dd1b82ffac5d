package correlator

import (
	"context"
	goerrs "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/handlers"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/mixmixmix/rock-off-chain/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConnection struct {
	mut     sync.Mutex
	state   transport.ConnectionState
	sent    [][]byte
	sendErr error
	onSend  func(payload []byte)
}

func (f *fakeConnection) Send(payload []byte) error {
	f.mut.Lock()
	f.sent = append(f.sent, payload)
	err := f.sendErr
	onSend := f.onSend
	f.mut.Unlock()

	if err == nil && onSend != nil {
		onSend(payload)
	}
	return err
}

func (f *fakeConnection) State() transport.ConnectionState {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.state
}

func (f *fakeConnection) sentCount() int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return len(f.sent)
}

func newCorrelator(conn *fakeConnection, onTimeout func(string)) *Correlator {
	return CreateCorrelator(conn, CorrelatorParams{
		OnTimeout: onTimeout,
		Logger:    zap.NewNop(),
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestResolvesOnceAndTimerNeverFires(t *testing.T) {
	conn := &fakeConnection{state: transport.Authenticated}
	var timeouts atomic.Int32
	c := newCorrelator(conn, func(string) { timeouts.Add(1) })

	conn.onSend = func([]byte) {
		go c.HandleResponse(&rpc.Response{Topic: rpc.TopicCreateAppSession, Body: &rpc.AppSessionResult{AppSessionID: "sess-1"}})
	}

	resp, err := c.SendAndAwait(context.Background(), []byte(`{"req":[5,"create_app_session",[],5]}`), rpc.TopicCreateAppSession, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.Body.(*rpc.AppSessionResult).AppSessionID)

	// a duplicate frame has nothing left to resolve
	assert.False(t, c.HandleResponse(&rpc.Response{Topic: rpc.TopicCreateAppSession}))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), timeouts.Load())
	assert.Equal(t, 0, c.PendingCount())
}

func TestTimesOutWithoutResponse(t *testing.T) {
	conn := &fakeConnection{state: transport.Authenticated}
	var timedOutTopic atomic.Value
	c := newCorrelator(conn, func(topic string) { timedOutTopic.Store(topic) })

	start := time.Now()
	_, err := c.SendAndAwait(context.Background(), []byte(`{"req":[1,"close_app_session",[],1]}`), rpc.TopicCloseAppSession, 50*time.Millisecond)

	var timeout *errors.Timeout
	require.True(t, goerrs.As(err, &timeout))
	assert.Equal(t, rpc.TopicCloseAppSession, timeout.Topic)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, rpc.TopicCloseAppSession, timedOutTopic.Load())
	assert.Equal(t, 0, c.PendingCount())
}

func TestLateResponseAfterTimeoutIsIgnored(t *testing.T) {
	conn := &fakeConnection{state: transport.Authenticated}
	c := newCorrelator(conn, nil)

	_, err := c.SendAndAwait(context.Background(), []byte(`{"req":[41,"close_app_session",[],41]}`), rpc.TopicCloseAppSession, 20*time.Millisecond)
	require.Error(t, err)

	assert.False(t, c.HandleResponse(&rpc.Response{RequestID: 41, Topic: rpc.TopicCloseAppSession}))
	assert.Equal(t, 0, c.PendingCount())
}

func TestConnectionLossRejectsEveryPendingRequest(t *testing.T) {
	conn := &fakeConnection{state: transport.Authenticated}
	router := handlers.CreateTopicRouter(zap.NewNop())
	c := newCorrelator(conn, nil)
	c.Attach(router, rpc.TopicGetLedgerBalances, rpc.TopicCreateAppSession, rpc.TopicCloseAppSession)

	topics := []string{rpc.TopicGetLedgerBalances, rpc.TopicCreateAppSession, rpc.TopicCloseAppSession}
	errs := make(chan error, len(topics))
	for _, topic := range topics {
		go func(topic string) {
			_, err := c.SendAndAwait(context.Background(), []byte(`{"req":[1,"x",[],1]}`), topic, 5*time.Second)
			errs <- err
		}(topic)
	}
	waitFor(t, func() bool { return c.PendingCount() == len(topics) })

	router.Dispatch(&rpc.Response{Topic: handlers.TopicClosed, Body: &errors.ConnectionLost{Reason: "socket closed"}})

	for range topics {
		err := <-errs
		var lost *errors.ConnectionLost
		require.True(t, goerrs.As(err, &lost), "got %v", err)
		assert.Equal(t, "socket closed", lost.Reason)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestSameTopicRequestsAreSerialized(t *testing.T) {
	conn := &fakeConnection{state: transport.Authenticated}
	c := newCorrelator(conn, nil)

	results := make(chan string, 2)
	for _, id := range []string{"first", "second"} {
		go func(id string) {
			resp, err := c.SendAndAwait(context.Background(), []byte(`{"req":[0,"create_app_session",[],0]}`), rpc.TopicCreateAppSession, 2*time.Second)
			if err != nil {
				results <- err.Error()
				return
			}
			results <- resp.Body.(string) + "<-" + id
		}(id)
	}

	waitFor(t, func() bool { return conn.sentCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.sentCount(), "second request must wait for the first")

	c.HandleResponse(&rpc.Response{Topic: rpc.TopicCreateAppSession, Body: "a"})
	first := <-results
	waitFor(t, func() bool { return conn.sentCount() == 2 })

	c.HandleResponse(&rpc.Response{Topic: rpc.TopicCreateAppSession, Body: "b"})
	second := <-results

	assert.Equal(t, "a", first[:1])
	assert.Equal(t, "b", second[:1])
}

func TestRequiresAuthenticatedConnection(t *testing.T) {
	conn := &fakeConnection{state: transport.Connected}
	c := newCorrelator(conn, nil)

	_, err := c.SendAndAwait(context.Background(), []byte(`{}`), rpc.TopicGetChannels, 0)
	var pv *errors.PreconditionViolated
	require.True(t, goerrs.As(err, &pv))
	assert.Equal(t, 0, conn.sentCount())
}

func TestSendFailureIsReturned(t *testing.T) {
	conn := &fakeConnection{state: transport.Authenticated, sendErr: &errors.NotConnected{Operation: "send"}}
	c := newCorrelator(conn, nil)

	_, err := c.SendAndAwait(context.Background(), []byte(`{}`), rpc.TopicGetChannels, 0)
	var nc *errors.NotConnected
	require.True(t, goerrs.As(err, &nc))
	assert.Equal(t, 0, c.PendingCount())
}

func TestContextCancellation(t *testing.T) {
	conn := &fakeConnection{state: transport.Authenticated}
	c := newCorrelator(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	conn.onSend = func([]byte) { cancel() }

	_, err := c.SendAndAwait(ctx, []byte(`{}`), rpc.TopicGetChannels, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())
}
