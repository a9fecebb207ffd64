// Package ws implements the client side of the chat event transport: a
// reconnecting websocket connection bound to a single room, with typed
// event dispatch and exponential backoff between reconnect attempts.
package ws

import (
	"errors"
	"time"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrNoToken is reported via Handlers.OnError when Open is called
	// without an auth token. The connection is never attempted.
	ErrNoToken = errors.New("missing auth token")

	// ErrConnectionLost is reported via Handlers.OnError exactly once,
	// after the reconnect budget is exhausted. It is terminal: the
	// manager will not retry again until Open is called.
	ErrConnectionLost = errors.New("connection lost, please refresh")
)

// ServerError is an error frame pushed by the backend over the transport.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return e.Msg
}

// Handlers receives transport callbacks. Any handler may be nil.
// Callbacks are invoked from the manager's internal goroutines; callers
// are responsible for their own synchronization.
type Handlers struct {
	OnMessage func(MessageEvent)
	OnTyping  func(TypingEvent)
	OnOpen    func()
	// OnClose is invoked on every transport close with the close code,
	// including closes that will be followed by a reconnect attempt.
	OnClose func(code int)
	OnError func(error)
}

// Transport is the contract the session layer programs against.
// *Manager is the production implementation.
type Transport interface {
	// Open binds the transport to a room and starts connecting.
	// Opening over a live transport tears the old connection down first.
	Open(roomID int, token string, h Handlers)
	// Send transmits an event if and only if the transport is open.
	// Otherwise it is a silent no-op: there is no queueing.
	Send(ev Outbound)
	State() State
	// Close releases the connection and cancels any pending reconnect.
	// It is idempotent.
	Close()
}
