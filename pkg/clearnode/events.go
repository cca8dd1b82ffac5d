package clearnode

import (
	"github.com/mixmixmix/rock-off-chain/pkg/transport"
	"go.uber.org/zap"
)

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventAuthenticated
	EventAuthFailed
	EventServerError
	EventSessionKeyRotated
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventAuthenticated:
		return "authenticated"
	case EventAuthFailed:
		return "auth_failed"
	case EventServerError:
		return "server_error"
	case EventSessionKeyRotated:
		return "session_key_rotated"
	}
	return "unknown"
}

// Event is published to observers of a Client. State is the connection state
// at the time of the event; Err is set for auth failures and server errors.
type Event struct {
	Kind  EventKind
	State transport.ConnectionState
	Err   error
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("Event buffer full, dropping event", zap.Stringer("kind", ev.Kind))
	}
}
