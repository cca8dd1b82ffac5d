package transport

type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connected
	Authenticated
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	}
	return "unknown"
}
