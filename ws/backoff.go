package ws

import (
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxReconnectAttempts bounds the automatic retry budget per Open.
	maxReconnectAttempts = 5

	maxReconnectDelay = 30 * time.Second
)

// Application close codes used by the chat backend. Together with the
// standard normal-closure and going-away codes they form the no-reconnect
// set: the server has rejected the connection deliberately and retrying
// would only repeat the rejection.
const (
	CloseUnauthorized  = 3000
	CloseRoomInvalid   = 4000
	CloseTokenRejected = 4001
	CloseRoomForbidden = 4003
	CloseRoomNotFound  = 4004
)

var noReconnectCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	CloseUnauthorized,
	CloseRoomInvalid,
	CloseTokenRejected,
	CloseRoomForbidden,
	CloseRoomNotFound,
}

// reconnectable reports whether a close with the given code should enter
// the retry loop.
func reconnectable(code int) bool {
	return !slices.Contains(noReconnectCodes, code)
}

// reconnectDelay returns the backoff before reconnect attempt n (1-based):
// 1s, 2s, 4s, 8s, 16s, clamped at 30s.
func reconnectDelay(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}
