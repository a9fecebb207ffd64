package ws

// State is the lifecycle state of a Manager.
type State int

const (
	// StateIdle is the zero state: no connection has been requested.
	StateIdle State = iota
	// StateConnecting covers the initial dial and every redial.
	StateConnecting
	// StateOpen means the transport is live and Send will transmit.
	StateOpen
	// StateClosing means Close has been called and the close handshake
	// is in flight.
	StateClosing
	// StateClosed is a clean terminal state: closed locally or by the
	// peer with a no-reconnect close code.
	StateClosed
	// StateRetryWait means the transport dropped with a transient code
	// and a reconnect timer is pending.
	StateRetryWait
	// StateExhausted means the reconnect budget has been spent.
	// Only a new Open leaves this state.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRetryWait:
		return "retry-wait"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}
