package ws

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Manager maintains exactly one live transport connection for the room it
// was last opened against. The underlying *websocket.Conn is exclusively
// owned by the manager; callers interact only through Open, Send and Close.
//
// A generation counter invalidates everything belonging to a previous
// Open or Close: reconnect timers, read loops and dial results from an
// abandoned room are discarded instead of resurrecting a stale connection.
type Manager struct {
	dialer      *websocket.Dialer
	logger      *slog.Logger
	backoff     func(attempt int) time.Duration
	maxAttempts int
	// dialBase is the scheme://host[:port] prefix; url is rebuilt from it
	// on every Open with the room path and token.
	dialBase string

	mu         sync.Mutex
	gen        int
	state      State
	roomID     int
	url        string
	handlers   Handlers
	conn       *websocket.Conn
	out        chan []byte
	attempts   int
	retryTimer *time.Timer
}

// NewManager creates a manager that dials base (a ws:// or wss:// URL)
// with the room id in the path and the auth token as a query parameter.
func NewManager(base string, opts ...ManagerOpt) *Manager {
	m := &Manager{
		dialer: &websocket.Dialer{
			HandshakeTimeout: writeWait,
		},
		logger:      slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		backoff:     reconnectDelay,
		maxAttempts: maxReconnectAttempts,
		dialBase:    base,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type ManagerOpt func(*Manager)

func WithLogger(logger *slog.Logger) ManagerOpt {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithDialer(d *websocket.Dialer) ManagerOpt {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithBackoff overrides the reconnect delay schedule. Tests use this to
// collapse the schedule to sub-millisecond delays.
func WithBackoff(f func(attempt int) time.Duration) ManagerOpt {
	return func(m *Manager) {
		m.backoff = f
	}
}

// Open binds the manager to a room and starts connecting. An empty token
// is reported through h.OnError without attempting a connection; a base
// URL that cannot be parsed is reported the same way. Neither failure
// enters the retry loop.
func (m *Manager) Open(roomID int, token string, h Handlers) {
	m.mu.Lock()
	m.teardownLocked()

	if token == "" {
		m.mu.Unlock()
		if h.OnError != nil {
			h.OnError(ErrNoToken)
		}
		return
	}

	u, err := roomURL(m.dialBase, roomID, token)
	if err != nil {
		m.mu.Unlock()
		if h.OnError != nil {
			h.OnError(fmt.Errorf("transport url: %w", err))
		}
		return
	}

	m.roomID = roomID
	m.url = u
	m.handlers = h
	m.attempts = 0
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	go m.connect(gen)
}

// Close cancels any pending reconnect and releases the connection.
// Handlers registered by the matching Open are not invoked afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
}

// Send transmits ev if the transport is open, and silently drops it
// otherwise. The input UI is expected to be disabled while disconnected,
// so a dropped event is not an error.
func (m *Manager) Send(ev Outbound) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen || m.out == nil {
		m.logger.Debug("send while not open, dropping",
			slog.String("state", m.state.String()))
		return
	}

	frame, err := EncodeEvent(ev)
	if err != nil {
		m.logger.Error(fmt.Sprintf("EncodeEvent: %v", err))
		return
	}

	select {
	case m.out <- frame:
	default:
		m.logger.Error("write buffer full, dropping frame",
			slog.Int("room.id", m.roomID))
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// teardownLocked invalidates the current generation, cancels the pending
// reconnect timer and releases the connection. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.conn != nil {
		m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		m.conn.Close()
		m.conn = nil
	}
	if m.out != nil {
		close(m.out)
		m.out = nil
	}
	m.state = StateClosed
	m.attempts = 0
	m.handlers = Handlers{}
}

func (m *Manager) connect(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	u := m.url
	m.mu.Unlock()

	conn, resp, err := m.dialer.Dial(u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.logger.Error(fmt.Sprintf("dial: %v", err))
		// A failed handshake behaves like an abnormal close: it enters
		// the retry loop with the same backoff schedule.
		m.transportClosed(gen, websocket.CloseAbnormalClosure, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	out := make(chan []byte, 16)
	m.out = out
	h := m.handlers
	m.mu.Unlock()

	m.logger.Info("transport open", slog.Int("room.id", m.roomID))
	if h.OnOpen != nil {
		h.OnOpen()
	}

	go m.readLoop(gen, conn)
	go m.writeLoop(conn, out)
}

func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.transportClosed(gen, closeCode(err), err)
			return
		}
		m.dispatch(gen, data)
	}
}

func (m *Manager) writeLoop(conn *websocket.Conn, out <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.logger.Error(fmt.Sprintf("WriteMessage: %v", err))
				// The read loop observes the broken connection and
				// drives the close transition.
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and routes it to exactly one handler.
// Malformed frames are logged and dropped without touching the connection.
func (m *Manager) dispatch(gen int, data []byte) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	h := m.handlers
	m.mu.Unlock()

	ev, err := DecodeEvent(data)
	if err != nil {
		m.logger.Error(fmt.Sprintf("dropping frame: %v", err))
		return
	}

	switch e := ev.(type) {
	case MessageEvent:
		if h.OnMessage != nil {
			h.OnMessage(e)
		}
	case TypingEvent:
		if h.OnTyping != nil {
			h.OnTyping(e)
		}
	case ErrorEvent:
		if h.OnError != nil {
			h.OnError(&ServerError{Msg: e.Message})
		}
	}
}

// transportClosed classifies a transport close and either settles into a
// terminal state or schedules a reconnect. Stale generations and repeat
// notifications for the same connection are ignored.
func (m *Manager) transportClosed(gen int, code int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateConnecting, StateOpen, StateClosing:
	default:
		// Already handled by the other loop.
		m.mu.Unlock()
		return
	}

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.out != nil {
		close(m.out)
		m.out = nil
	}
	h := m.handlers

	if m.state == StateClosing || !reconnectable(code) {
		m.state = StateClosed
		m.mu.Unlock()
		m.logger.Info("transport closed",
			slog.Int("room.id", m.roomID), slog.Int("code", code))
		if h.OnClose != nil {
			h.OnClose(code)
		}
		return
	}

	if m.attempts >= m.maxAttempts {
		m.state = StateExhausted
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted",
			slog.Int("room.id", m.roomID), slog.Int("attempts", m.maxAttempts))
		if h.OnClose != nil {
			h.OnClose(code)
		}
		if h.OnError != nil {
			h.OnError(ErrConnectionLost)
		}
		return
	}

	m.attempts++
	delay := m.backoff(m.attempts)
	m.state = StateRetryWait
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.state != StateRetryWait {
			m.mu.Unlock()
			return
		}
		m.retryTimer = nil
		m.mu.Unlock()
		m.connect(gen)
	})
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("transport lost, reconnecting",
		slog.Int("room.id", m.roomID),
		slog.Int("code", code),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("cause", fmt.Sprintf("%v", cause)))
	if h.OnClose != nil {
		h.OnClose(code)
	}
}

// closeCode extracts the close code from a read error. Errors that carry
// no close frame (network failures, handshake drops) are classified as
// abnormal closure.
func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// roomURL builds the connection URL: the room id goes in the path and the
// token rides as a query parameter.
func roomURL(base string, roomID int, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws", "chat", strconv.Itoa(roomID))
	u.Path += "/"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
