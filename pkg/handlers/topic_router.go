package handlers

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mixmixmix/rock-off-chain/pkg/message/rpc"
	"go.uber.org/zap"
)

// Synthetic topics raised by the connection itself rather than by ClearNode.
const (
	// TopicReady fires once per physical connection, right after it opens.
	TopicReady = "$ready"
	// TopicClosed fires once per physical connection when it goes away. Its
	// Body is the *errors.ConnectionLost describing why.
	TopicClosed = "$closed"
	// AnyTopic subscribes to every ClearNode frame (synthetic topics excluded).
	AnyTopic = "*"
)

type Handler func(resp *rpc.Response)

type subscriber struct {
	id      uint64
	handler Handler
}

// TopicRouter is the single dispatch table between the connection read loop
// and every component that consumes inbound frames.
type TopicRouter struct {
	nextId atomic.Uint64

	mut_subscribers sync.RWMutex
	subscribers     map[string][]subscriber

	log *zap.Logger
}

type Subscription struct {
	router *TopicRouter
	topic  string
	id     uint64
}

// Unsubscribe is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.router == nil {
		return
	}
	s.router.remove(s.topic, s.id)
}

func CreateTopicRouter(logger *zap.Logger) *TopicRouter {
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &TopicRouter{
		mut_subscribers: sync.RWMutex{},
		subscribers:     make(map[string][]subscriber),
		log:             logger.With(zap.String("component", "TopicRouter")),
	}
}

func (r *TopicRouter) OnTopic(topic string, handler Handler) *Subscription {
	id := r.nextId.Add(1)

	r.mut_subscribers.Lock()
	defer r.mut_subscribers.Unlock()
	r.subscribers[topic] = append(r.subscribers[topic], subscriber{id: id, handler: handler})

	return &Subscription{router: r, topic: topic, id: id}
}

func (r *TopicRouter) remove(topic string, id uint64) {
	r.mut_subscribers.Lock()
	defer r.mut_subscribers.Unlock()

	subs := r.subscribers[topic]
	for i, s := range subs {
		if s.id == id {
			r.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subscribers[topic]) == 0 {
		delete(r.subscribers, topic)
	}
}

// Dispatch runs the handlers registered for resp.Topic in registration order,
// followed by AnyTopic handlers for server frames. It returns the number of
// handlers invoked. A panicking handler is logged and does not stop the others.
func (r *TopicRouter) Dispatch(resp *rpc.Response) int {
	r.mut_subscribers.RLock()
	targets := append([]subscriber{}, r.subscribers[resp.Topic]...)
	if resp.Topic != TopicReady && resp.Topic != TopicClosed {
		targets = append(targets, r.subscribers[AnyTopic]...)
	}
	r.mut_subscribers.RUnlock()

	for _, s := range targets {
		r.invoke(s, resp)
	}
	return len(targets)
}

func (r *TopicRouter) invoke(s subscriber, resp *rpc.Response) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Topic handler panicked",
				zap.String("topic", resp.Topic),
				zap.String("panic", fmt.Sprint(p)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	s.handler(resp)
}
