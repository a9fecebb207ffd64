package ws

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithoutTokenFailsSilently(t *testing.T) {
	f := newWSFixture(t, nil)
	m := NewManager(f.wsURL(), WithLogger(testLogger(t)))
	defer m.Close()

	errCh := make(chan error, 1)
	m.Open(1, "", Handlers{OnError: func(err error) { errCh <- err }})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNoToken)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for OnError")
	}
	assert.EqualValues(t, 0, f.dials.Load(), "no dial without a token")
}

func TestOpenRejectsBadBaseURL(t *testing.T) {
	m := NewManager("http://not-a-ws-url", WithLogger(testLogger(t)))
	defer m.Close()

	errCh := make(chan error, 1)
	m.Open(1, "token", Handlers{OnError: func(err error) { errCh <- err }})

	select {
	case err := <-errCh:
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrConnectionLost)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for OnError")
	}
	assert.Equal(t, StateClosed, m.State(), "construction failure must not retry")
}

func TestManagerDispatchesEvents(t *testing.T) {
	frames := []string{
		`{"type":"message","message_id":1,"message":"hi","sender_id":2,"sender_username":"bob","timestamp":"2025-03-01T10:00:00Z"}`,
		`{"type":"typing","username":"bob","is_typing":true}`,
		`{"malformed`,
		`{"type":"message","message_id":2,"message":"still alive","sender_id":2,"sender_username":"bob","timestamp":"2025-03-01T10:00:01Z"}`,
	}
	f := newWSFixture(t, func(conn *websocket.Conn, _ *http.Request) {
		for _, frame := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
	})

	var mu sync.Mutex
	var messages []MessageEvent
	var typings []TypingEvent

	m := NewManager(f.wsURL(), WithLogger(testLogger(t)))
	defer m.Close()
	m.Open(1, "token", Handlers{
		OnMessage: func(ev MessageEvent) {
			mu.Lock()
			messages = append(messages, ev)
			mu.Unlock()
		},
		OnTyping: func(ev TypingEvent) {
			mu.Lock()
			typings = append(typings, ev)
			mu.Unlock()
		},
	})

	require.True(t, waitFor(baseTimeout, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 2 && len(typings) == 1
	}), "timeout waiting for events: malformed frame must not kill the connection")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, messages[0].MessageID)
	assert.Equal(t, 2, messages[1].MessageID)
	assert.Equal(t, "bob", typings[0].Username)
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	f := newWSFixture(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
	})

	closeCh := make(chan int, 4)
	m := NewManager(f.wsURL(), WithLogger(testLogger(t)), WithBackoff(fastBackoff))
	defer m.Close()
	m.Open(1, "token", Handlers{OnClose: func(code int) { closeCh <- code }})

	select {
	case code := <-closeCh:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for OnClose")
	}

	// Give a would-be reconnect timer room to fire.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, f.dials.Load(), "close code 1000 must not trigger a reconnect")
	assert.Equal(t, StateClosed, m.State())
}

func TestAbnormalClosureReconnects(t *testing.T) {
	f := newWSFixture(t, func(conn *websocket.Conn, _ *http.Request) {
		// Drop the TCP connection without a close frame: the client
		// observes an abnormal closure.
		conn.UnderlyingConn().Close()
	})

	m := NewManager(f.wsURL(), WithLogger(testLogger(t)), WithBackoff(fastBackoff))
	defer m.Close()
	m.Open(1, "token", Handlers{})

	require.True(t, waitFor(baseTimeout, func() bool {
		return f.dials.Load() >= 2
	}), "abnormal closure must trigger a reconnect attempt")
}

func TestReconnectExhaustion(t *testing.T) {
	// Every dial is rejected before the upgrade, so each attempt fails
	// with a transient (abnormal) classification.
	f := newWSFixture(t, nil)

	var mu sync.Mutex
	var terminal []error
	m := NewManager(f.wsURL(), WithLogger(testLogger(t)), WithBackoff(fastBackoff))
	defer m.Close()
	m.Open(1, "token", Handlers{
		OnError: func(err error) {
			mu.Lock()
			terminal = append(terminal, err)
			mu.Unlock()
		},
	})

	require.True(t, waitFor(baseTimeout, func() bool {
		return m.State() == StateExhausted
	}), "manager must reach the exhausted state")

	// No further attempts once exhausted.
	dials := f.dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, f.dials.Load(), "no retries after exhaustion")
	assert.EqualValues(t, 1+maxReconnectAttempts, dials,
		"one initial dial plus the full retry budget")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, terminal, 1, "terminal error must fire exactly once")
	assert.ErrorIs(t, terminal[0], ErrConnectionLost)
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	f := newWSFixture(t, nil)

	m := NewManager(f.wsURL(), WithLogger(testLogger(t)),
		WithBackoff(func(int) time.Duration { return 50 * time.Millisecond }))
	m.Open(1, "token", Handlers{})

	require.True(t, waitFor(baseTimeout, func() bool {
		return f.dials.Load() == 1 && m.State() == StateRetryWait
	}), "manager should be waiting to retry")

	m.Close()
	time.Sleep(200 * time.Millisecond)

	assert.EqualValues(t, 1, f.dials.Load(), "a cancelled reconnect must not dial")
	assert.Equal(t, StateClosed, m.State())
}

func TestReopenForAnotherRoomSuppressesStaleRetry(t *testing.T) {
	var mu sync.Mutex
	paths := make(map[string]int)
	f := newWSFixture(t, nil)
	live := newWSFixture(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()
		// Hold the connection open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(f.wsURL(), WithLogger(testLogger(t)),
		WithBackoff(func(int) time.Duration { return 50 * time.Millisecond }))
	defer m.Close()

	m.Open(1, "token", Handlers{})
	require.True(t, waitFor(baseTimeout, func() bool {
		return m.State() == StateRetryWait
	}), "room 1 should be waiting to retry")

	// Switching rooms must cancel room 1's pending retry.
	m.dialBase = live.wsURL()
	m.Open(2, "token", Handlers{})

	require.True(t, waitFor(baseTimeout, func() bool {
		return m.State() == StateOpen
	}), "room 2 should connect")

	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, f.dials.Load(), "room 1 must not be redialed after the switch")
}

func TestSendWhileNotOpenIsNoOp(t *testing.T) {
	m := NewManager("ws://localhost:0", WithLogger(testLogger(t)))
	defer m.Close()

	assert.NotPanics(t, func() {
		m.Send(MessageSend{Message: "dropped"})
		m.Send(TypingSend{IsTyping: true})
	})
}

func TestSendRoundTrip(t *testing.T) {
	received := make(chan string, 1)
	f := newWSFixture(t, func(conn *websocket.Conn, _ *http.Request) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
	})

	m := NewManager(f.wsURL(), WithLogger(testLogger(t)))
	defer m.Close()

	opened := make(chan struct{})
	m.Open(1, "token", Handlers{OnOpen: func() { close(opened) }})

	select {
	case <-opened:
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for OnOpen")
	}

	m.Send(MessageSend{Message: "ping"})

	select {
	case frame := <-received:
		assert.JSONEq(t, `{"type":"message","message":"ping"}`, frame)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for frame on the server")
	}
}

func TestServerErrorFrameSurfacesAsError(t *testing.T) {
	f := newWSFixture(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"room is closed"}`))
	})

	errCh := make(chan error, 1)
	m := NewManager(f.wsURL(), WithLogger(testLogger(t)))
	defer m.Close()
	m.Open(1, "token", Handlers{OnError: func(err error) { errCh <- err }})

	select {
	case err := <-errCh:
		var serr *ServerError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "room is closed", serr.Msg)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for server error")
	}
}
