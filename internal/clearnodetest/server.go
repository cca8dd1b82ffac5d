// Package clearnodetest runs an in-process WebSocket server that plays the
// ClearNode side of a conversation for tests.
package clearnodetest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Responder is called with every frame the client sends. It may call Push.
type Responder func(s *Server, frame []byte)

type Server struct {
	URL string

	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mut_conns sync.Mutex
	conns     []*websocket.Conn
	mut_write sync.Mutex

	received  chan []byte
	connected chan struct{}

	mut_responder sync.RWMutex
	responder     Responder
}

func NewServer(t testing.TB) *Server {
	s := &Server{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		received:  make(chan []byte, 64),
		connected: make(chan struct{}, 8),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URL = "ws" + strings.TrimPrefix(s.httpServer.URL, "http")

	t.Cleanup(s.Close)
	return s
}

func (s *Server) SetResponder(r Responder) {
	s.mut_responder.Lock()
	defer s.mut_responder.Unlock()
	s.responder = r
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mut_conns.Lock()
	s.conns = append(s.conns, c)
	s.mut_conns.Unlock()
	s.connected <- struct{}{}

	for {
		_, payload, err := c.ReadMessage()
		if err != nil {
			return
		}
		// NextFrame is optional; a full buffer drops the copy
		select {
		case s.received <- payload:
		default:
		}

		s.mut_responder.RLock()
		responder := s.responder
		s.mut_responder.RUnlock()
		if responder != nil {
			responder(s, payload)
		}
	}
}

func (s *Server) latest() *websocket.Conn {
	s.mut_conns.Lock()
	defer s.mut_conns.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Push sends a raw frame on the most recent client connection.
func (s *Server) Push(frame string) error {
	c := s.latest()
	if c == nil {
		return fmt.Errorf("clearnodetest: no client connected")
	}
	s.mut_write.Lock()
	defer s.mut_write.Unlock()
	return c.WriteMessage(websocket.TextMessage, []byte(frame))
}

// DropClients closes every client connection without a close handshake.
func (s *Server) DropClients() {
	s.mut_conns.Lock()
	defer s.mut_conns.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *Server) Close() {
	s.DropClients()
	s.httpServer.Close()
}

func (s *Server) WaitConnected(t testing.TB, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.connected:
	case <-time.After(timeout):
		t.Fatalf("clearnodetest: no client connected within %s", timeout)
	}
}

// NextFrame returns the next frame the client sent.
func (s *Server) NextFrame(t testing.TB, timeout time.Duration) []byte {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(timeout):
		t.Fatalf("clearnodetest: no frame received within %s", timeout)
		return nil
	}
}

// Frame builds a `{"res":[1, topic, payload, 2]}` frame. payload must be a
// JSON array literal.
func Frame(topic string, payload string) string {
	return fmt.Sprintf(`{"res":[1,%q,%s,2],"sig":[]}`, topic, payload)
}
