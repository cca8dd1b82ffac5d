package correlator

import (
	"context"
	goerrs "errors"
	"sync"
	"time"
)

var errSlotTimeout = goerrs.New("timed out waiting for topic slot")

// slots hands out one in-flight slot per topic.
type slots struct {
	mut_tokens sync.Mutex
	tokens     map[string]chan struct{}
}

func newSlots() *slots {
	return &slots{tokens: make(map[string]chan struct{})}
}

func (s *slots) token(topic string) chan struct{} {
	s.mut_tokens.Lock()
	defer s.mut_tokens.Unlock()

	ch, ok := s.tokens[topic]
	if !ok {
		ch = make(chan struct{}, 1)
		s.tokens[topic] = ch
	}
	return ch
}

func (s *slots) acquire(ctx context.Context, topic string, expired <-chan time.Time) (func(), error) {
	ch := s.token(topic)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-expired:
		return nil, errSlotTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
