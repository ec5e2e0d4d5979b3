package transport

// State is the connection state owned by a Session.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Active reports whether the session is trying to deliver messages.
func (s State) Active() bool {
	return s == StateConnecting || s == StateOpen || s == StateReconnecting
}

func (s State) String() string { return string(s) }
