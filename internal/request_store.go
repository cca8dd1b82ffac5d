package internal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
)

type TooManyPendingRequestsError struct {
	Topic string
	Max   int
}

func (e *TooManyPendingRequestsError) Error() string {
	return fmt.Sprintf("Too many pending requests (max %d) - cannot await %s", e.Max, e.Topic)
}

// abandonedLimit bounds the set of timed-out request ids kept around to
// recognise late responses.
const abandonedLimit = 1024

type PendingResult struct {
	Response *rpc.Response
	Err      error
}

// PendingRequest is settled exactly once, by whichever of Resolve, Remove or
// FailAll takes it out of the store first.
type PendingRequest struct {
	Id          uint64
	RequestID   uint64
	Topic       string
	CreatedTime int64

	result chan PendingResult
}

func (r *PendingRequest) Done() <-chan PendingResult {
	return r.result
}

type RequestStore struct {
	MaxPending int

	nextRequestId atomic.Uint64

	mut_pending sync.Mutex
	pending     map[string][]*PendingRequest
	abandoned   map[uint64]struct{}
}

func CreateRequestStore(maxPending int) *RequestStore {
	return &RequestStore{
		MaxPending:  maxPending,
		mut_pending: sync.Mutex{},
		pending:     make(map[string][]*PendingRequest),
		abandoned:   make(map[uint64]struct{}),
	}
}

// Register records a request awaiting a response on topic. requestId is the
// id carried in the outbound frame, or 0 if unknown.
func (store *RequestStore) Register(topic string, requestId uint64, timestamp int64) (*PendingRequest, error) {
	store.mut_pending.Lock()
	defer store.mut_pending.Unlock()

	if store.MaxPending > 0 && store.countLocked() >= store.MaxPending {
		return nil, &TooManyPendingRequestsError{Topic: topic, Max: store.MaxPending}
	}

	req := &PendingRequest{
		Id:          store.nextRequestId.Add(1),
		RequestID:   requestId,
		Topic:       topic,
		CreatedTime: timestamp,
		result:      make(chan PendingResult, 1),
	}
	store.pending[topic] = append(store.pending[topic], req)
	return req, nil
}

// Resolve settles the pending request that resp answers: the one whose
// RequestID matches, otherwise the oldest on resp.Topic. Responses to
// abandoned requests are swallowed. It reports whether a request was settled.
func (store *RequestStore) Resolve(resp *rpc.Response) bool {
	store.mut_pending.Lock()
	defer store.mut_pending.Unlock()

	queue := store.pending[resp.Topic]
	if resp.RequestID != 0 {
		if _, stale := store.abandoned[resp.RequestID]; stale {
			delete(store.abandoned, resp.RequestID)
			return false
		}
	}
	if len(queue) == 0 {
		return false
	}

	idx := 0
	if resp.RequestID != 0 {
		for i, req := range queue {
			if req.RequestID == resp.RequestID {
				idx = i
				break
			}
		}
	}

	req := queue[idx]
	store.removeLocked(resp.Topic, idx)
	req.result <- PendingResult{Response: resp}
	return true
}

// Remove takes req out of the store without settling it. It returns false if
// req was already settled.
func (store *RequestStore) Remove(req *PendingRequest) bool {
	store.mut_pending.Lock()
	defer store.mut_pending.Unlock()

	for i, r := range store.pending[req.Topic] {
		if r == req {
			store.removeLocked(req.Topic, i)
			return true
		}
	}
	return false
}

// Abandon removes req like Remove and remembers its RequestID so a late
// response to it is dropped instead of settling a newer request.
func (store *RequestStore) Abandon(req *PendingRequest) bool {
	store.mut_pending.Lock()
	defer store.mut_pending.Unlock()

	for i, r := range store.pending[req.Topic] {
		if r == req {
			store.removeLocked(req.Topic, i)
			if req.RequestID != 0 {
				if len(store.abandoned) >= abandonedLimit {
					store.abandoned = make(map[uint64]struct{})
				}
				store.abandoned[req.RequestID] = struct{}{}
			}
			return true
		}
	}
	return false
}

// FailAll settles every pending request with err and empties the store.
func (store *RequestStore) FailAll(err error) int {
	store.mut_pending.Lock()
	defer store.mut_pending.Unlock()

	count := 0
	for topic, queue := range store.pending {
		for _, req := range queue {
			req.result <- PendingResult{Err: err}
			count++
		}
		delete(store.pending, topic)
	}
	store.abandoned = make(map[uint64]struct{})
	return count
}

func (store *RequestStore) HasPending(topic string) bool {
	store.mut_pending.Lock()
	defer store.mut_pending.Unlock()
	return len(store.pending[topic]) > 0
}

func (store *RequestStore) PendingCount() int {
	store.mut_pending.Lock()
	defer store.mut_pending.Unlock()
	return store.countLocked()
}

func (store *RequestStore) countLocked() int {
	count := 0
	for _, queue := range store.pending {
		count += len(queue)
	}
	return count
}

func (store *RequestStore) removeLocked(topic string, idx int) {
	queue := store.pending[topic]
	queue = append(queue[:idx:idx], queue[idx+1:]...)
	if len(queue) == 0 {
		delete(store.pending, topic)
		return
	}
	store.pending[topic] = queue
}
