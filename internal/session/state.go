package session

// State of a Session.
type State int

const (
	StateIdle State = iota
	StateListening
	StateDiscovering
	StateConnecting
	StateConnected
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateDiscovering:
		return "Discovering"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Role the session plays for the current connection.
type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return ""
	}
}
