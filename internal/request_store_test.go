package internal

import (
	"testing"

	"github.com/mixmixmix/rock-off-chain/pkg/errors"
	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIsFifoPerTopic(t *testing.T) {
	store := CreateRequestStore(0)

	first, err := store.Register("create_app_session", 0, 1)
	require.NoError(t, err)
	second, err := store.Register("create_app_session", 0, 2)
	require.NoError(t, err)
	other, err := store.Register("close_app_session", 0, 3)
	require.NoError(t, err)

	assert.True(t, store.Resolve(&rpc.Response{Topic: "create_app_session"}))
	select {
	case res := <-first.Done():
		assert.NoError(t, res.Err)
		assert.Equal(t, "create_app_session", res.Response.Topic)
	default:
		t.Fatal("oldest request was not resolved")
	}
	assert.Len(t, second.Done(), 0)
	assert.Len(t, other.Done(), 0)
	assert.Equal(t, 2, store.PendingCount())
}

func TestResolvePrefersMatchingRequestId(t *testing.T) {
	store := CreateRequestStore(0)

	first, _ := store.Register("get_ledger_balances", 10, 1)
	second, _ := store.Register("get_ledger_balances", 11, 1)

	assert.True(t, store.Resolve(&rpc.Response{RequestID: 11, Topic: "get_ledger_balances"}))
	assert.Len(t, first.Done(), 0)
	assert.Len(t, second.Done(), 1)
}

func TestResolveWithoutPendingIsIgnored(t *testing.T) {
	store := CreateRequestStore(0)
	assert.False(t, store.Resolve(&rpc.Response{Topic: "close_app_session"}))
}

func TestSettledExactlyOnce(t *testing.T) {
	store := CreateRequestStore(0)
	req, _ := store.Register("close_app_session", 7, 1)

	assert.True(t, store.Abandon(req))
	assert.False(t, store.Remove(req))
	assert.False(t, store.Abandon(req))

	// late response to the abandoned request does not settle the next one
	next, _ := store.Register("close_app_session", 8, 2)
	assert.False(t, store.Resolve(&rpc.Response{RequestID: 7, Topic: "close_app_session"}))
	assert.Len(t, next.Done(), 0)
	assert.True(t, store.HasPending("close_app_session"))

	assert.True(t, store.Resolve(&rpc.Response{RequestID: 8, Topic: "close_app_session"}))
	assert.False(t, store.Remove(next))
	assert.Len(t, req.Done(), 0)
}

func TestFailAllEmptiesStore(t *testing.T) {
	store := CreateRequestStore(0)
	var reqs []*PendingRequest
	for _, topic := range []string{"a", "a", "b", "c"} {
		req, err := store.Register(topic, 0, 1)
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	lost := &errors.ConnectionLost{Reason: "test"}
	assert.Equal(t, 4, store.FailAll(lost))
	assert.Equal(t, 0, store.PendingCount())

	for _, req := range reqs {
		res := <-req.Done()
		assert.Same(t, lost, res.Err)
	}
	assert.Equal(t, 0, store.FailAll(lost))
}

func TestRegisterRespectsLimit(t *testing.T) {
	store := CreateRequestStore(1)
	_, err := store.Register("a", 0, 1)
	require.NoError(t, err)

	_, err = store.Register("b", 0, 1)
	var tooMany *TooManyPendingRequestsError
	assert.ErrorAs(t, err, &tooMany)
}
