package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatlink/ws"
)

const pollTimeout = 5 * time.Second

var pollTick = 5 * time.Millisecond

// fakeTransport records everything the session does to it and lets tests
// inject inbound events through the registered handlers.
type fakeTransport struct {
	mu       sync.Mutex
	state    ws.State
	handlers ws.Handlers
	opens    []int
	sent     []ws.Outbound
	closes   int
}

func (t *fakeTransport) Open(roomID int, token string, h ws.Handlers) {
	t.mu.Lock()
	t.opens = append(t.opens, roomID)
	t.handlers = h
	t.state = ws.StateOpen
	t.mu.Unlock()
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (t *fakeTransport) Send(ev ws.Outbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, ev)
}

func (t *fakeTransport) State() ws.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = ws.StateClosed
	t.handlers = ws.Handlers{}
	t.closes++
}

// currentHandlers snapshots the handlers so events are dispatched without
// holding the fake's lock.
func (t *fakeTransport) currentHandlers() ws.Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

func (t *fakeTransport) deliverMessage(ev ws.MessageEvent) {
	if h := t.currentHandlers(); h.OnMessage != nil {
		h.OnMessage(ev)
	}
}

func (t *fakeTransport) deliverTyping(ev ws.TypingEvent) {
	if h := t.currentHandlers(); h.OnTyping != nil {
		h.OnTyping(ev)
	}
}

func (t *fakeTransport) deliverError(err error) {
	if h := t.currentHandlers(); h.OnError != nil {
		h.OnError(err)
	}
}

func (t *fakeTransport) sentTyping() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []bool
	for _, ev := range t.sent {
		if ts, ok := ev.(ws.TypingSend); ok {
			out = append(out, ts.IsTyping)
		}
	}
	return out
}

func (t *fakeTransport) sentMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, ev := range t.sent {
		if ms, ok := ev.(ws.MessageSend); ok {
			out = append(out, ms.Message)
		}
	}
	return out
}

// fakeHistory serves canned pages keyed by room and page number. A gate
// channel makes a specific fetch block until the test releases it.
type fakeHistory struct {
	mu        sync.Mutex
	pages     map[string]HistoryPage
	errs      map[string]error
	gates     map[string]chan struct{}
	markReads []int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		pages: make(map[string]HistoryPage),
		errs:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func pageKey(roomID, page int) string {
	return fmt.Sprintf("%d:%d", roomID, page)
}

func (h *fakeHistory) setPage(roomID, page int, msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[pageKey(roomID, page)] = HistoryPage{Messages: msgs}
}

func (h *fakeHistory) setErr(roomID, page int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs[pageKey(roomID, page)] = err
}

func (h *fakeHistory) gate(roomID, page int) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	gate := make(chan struct{})
	h.gates[pageKey(roomID, page)] = gate
	return gate
}

func (h *fakeHistory) Messages(ctx context.Context, roomID, page, pageSize int) (HistoryPage, error) {
	key := pageKey(roomID, page)
	h.mu.Lock()
	gate := h.gates[key]
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.errs[key]; err != nil {
		return HistoryPage{}, err
	}
	res := h.pages[key]
	res.PageSize = pageSize
	return res, nil
}

func (h *fakeHistory) MarkRead(ctx context.Context, roomID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markReads = append(h.markReads, roomID)
	return nil
}

func (h *fakeHistory) markReadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.markReads)
}

type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) Notify() error {
	c.n.Add(1)
	return nil
}

var (
	testSelf   = User{ID: 7, Username: "alice"}
	testFriend = User{ID: 99, Username: "bob"}
)

func testRoom(id int) Room {
	return Room{ID: id, OtherUser: testFriend}
}

func friendMessage(id int, text string) ws.MessageEvent {
	return ws.MessageEvent{
		MessageID:      id,
		Message:        text,
		SenderID:       testFriend.ID,
		SenderUsername: testFriend.Username,
		Timestamp:      time.Now().UTC(),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, history History, transport ws.Transport, opts ...SessionOpt) *Session {
	t.Helper()
	opts = append([]SessionOpt{WithSessionLogger(quietLogger())}, opts...)
	s := NewSession(history, transport, testSelf, "test-token", opts...)
	t.Cleanup(s.Close)
	return s
}

func TestOpenRoomLoadsInitialHistory(t *testing.T) {
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	history := newFakeHistory()
	history.setPage(1, 1, makeMessages(10, 2, day))
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport)

	s.OpenRoom(context.Background(), testRoom(1))

	var sawFirstPaint bool
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		if snap.FirstPaint {
			sawFirstPaint = true
		}
		return !snap.LoadingInitial && len(snap.Messages) == 2
	}, pollTimeout, pollTick)

	assert.True(t, sawFirstPaint, "first snapshot after the initial load paints from scratch")
	assert.False(t, s.Snapshot().FirstPaint, "first paint is consumed")
	assert.True(t, s.Snapshot().Connected)
	assert.Equal(t, []int{1}, transport.opens)
}

func TestSendMessageHasNoLocalEcho(t *testing.T) {
	history := newFakeHistory()
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport)
	s.OpenRoom(context.Background(), testRoom(1))

	require.Eventually(t, func() bool {
		return !s.Snapshot().LoadingInitial
	}, pollTimeout, pollTick)

	s.SendMessage("hello there")

	assert.Equal(t, []string{"hello there"}, transport.sentMessages())
	assert.Empty(t, s.Snapshot().Messages,
		"the message appears only once the server echoes it back")

	transport.deliverMessage(ws.MessageEvent{
		MessageID: 50, Message: "hello there",
		SenderID: testSelf.ID, SenderUsername: testSelf.Username,
		Timestamp: time.Now().UTC(),
	})
	require.Len(t, s.Snapshot().Messages, 1)
}

func TestDuplicateInboundFrameAppendsOnce(t *testing.T) {
	history := newFakeHistory()
	transport := &fakeTransport{}
	notifier := &countingNotifier{}
	s := newTestSession(t, history, transport, WithNotifier(notifier))
	s.OpenRoom(context.Background(), testRoom(1))

	require.Eventually(t, func() bool {
		return !s.Snapshot().LoadingInitial
	}, pollTimeout, pollTick)

	ev := friendMessage(42, "delivered twice")
	transport.deliverMessage(ev)
	transport.deliverMessage(ev)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, 42, snap.Messages[0].ID)

	assert.Eventually(t, func() bool {
		return notifier.n.Load() == 1
	}, pollTimeout, pollTick, "redelivery must not notify again")
}

func TestTypingDebounceSendsOnePair(t *testing.T) {
	history := newFakeHistory()
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport, WithTypingIdle(80*time.Millisecond))
	s.OpenRoom(context.Background(), testRoom(1))

	for i := 0; i < 3; i++ {
		s.NotifyTyping()
		time.Sleep(30 * time.Millisecond)
	}

	require.Equal(t, []bool{true}, transport.sentTyping(),
		"only the first keystroke of a burst starts typing")

	require.Eventually(t, func() bool {
		typing := transport.sentTyping()
		return len(typing) == 2 && !typing[1]
	}, pollTimeout, pollTick)

	// The timer must not fire again.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, transport.sentTyping())
}

func TestRoomSwitchDiscardsStaleHistory(t *testing.T) {
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	history := newFakeHistory()
	history.setPage(1, 1, makeMessages(20, 2, day))
	history.setPage(1, 2, makeMessages(10, 2, day.Add(-time.Hour)))
	history.setPage(2, 1, makeMessages(500, 1, day))
	gate := history.gate(1, 2)
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport, WithPageSize(2))

	s.OpenRoom(context.Background(), testRoom(1))
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return !snap.LoadingInitial && len(snap.Messages) == 2
	}, pollTimeout, pollTick)

	// The older-page fetch parks on the gate.
	s.LoadOlderMessages()

	s.OpenRoom(context.Background(), testRoom(2))
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return !snap.LoadingInitial && len(snap.Messages) == 1
	}, pollTimeout, pollTick)

	// Release the stale fetch; it must be discarded, not applied.
	close(gate)
	time.Sleep(50 * time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, 500, snap.Messages[0].ID)
	assert.False(t, snap.LoadingMore)
	assert.Equal(t, []int{1, 2}, transport.opens)
}

func TestLoadOlderMessagesPrepends(t *testing.T) {
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	history := newFakeHistory()
	history.setPage(1, 1, makeMessages(20, 2, day))
	history.setPage(1, 2, makeMessages(10, 1, day.Add(-time.Hour)))
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport, WithPageSize(2))

	s.OpenRoom(context.Background(), testRoom(1))
	require.Eventually(t, func() bool {
		return !s.Snapshot().LoadingInitial
	}, pollTimeout, pollTick)
	require.True(t, s.Snapshot().HasMore)

	s.LoadOlderMessages()
	require.Eventually(t, func() bool {
		return len(s.Snapshot().Messages) == 3
	}, pollTimeout, pollTick)

	snap := s.Snapshot()
	assert.Equal(t, []int{10, 20, 21}, messageIDs(snap.Messages))
	assert.False(t, snap.HasMore, "short page two ends the history")

	// Further loads are no-ops.
	s.LoadOlderMessages()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Snapshot().Messages, 3)
}

func TestHistoryFailureIsRetryable(t *testing.T) {
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	history := newFakeHistory()
	history.setErr(1, 1, errors.New("backend unavailable"))
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport)

	s.OpenRoom(context.Background(), testRoom(1))
	require.Eventually(t, func() bool {
		return s.Snapshot().HistoryErr != nil
	}, pollTimeout, pollTick)
	assert.True(t, s.Snapshot().Connected,
		"a history failure leaves the transport alone")

	history.setErr(1, 1, nil)
	history.setPage(1, 1, makeMessages(10, 2, day))
	s.RetryHistory()

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.HistoryErr == nil && len(snap.Messages) == 2
	}, pollTimeout, pollTick)
}

func TestMarkReadOnOpenAndAfterInboundMessage(t *testing.T) {
	history := newFakeHistory()
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport, WithMarkReadDelay(20*time.Millisecond))

	s.OpenRoom(context.Background(), testRoom(1))
	require.Eventually(t, func() bool {
		return history.markReadCount() == 1
	}, pollTimeout, pollTick)

	transport.deliverMessage(friendMessage(1, "unread"))
	require.Eventually(t, func() bool {
		return history.markReadCount() == 2
	}, pollTimeout, pollTick, "an inbound message schedules a delayed read receipt")
}

func TestOwnEchoDoesNotNotifyOrMarkRead(t *testing.T) {
	history := newFakeHistory()
	transport := &fakeTransport{}
	notifier := &countingNotifier{}
	s := newTestSession(t, history, transport,
		WithNotifier(notifier), WithMarkReadDelay(10*time.Millisecond))

	s.OpenRoom(context.Background(), testRoom(1))
	require.Eventually(t, func() bool {
		return history.markReadCount() == 1
	}, pollTimeout, pollTick)

	transport.deliverMessage(ws.MessageEvent{
		MessageID: 9, Message: "mine",
		SenderID: testSelf.ID, SenderUsername: testSelf.Username,
		Timestamp: time.Now().UTC(),
	})

	require.Len(t, s.Snapshot().Messages, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, notifier.n.Load())
	assert.Equal(t, 1, history.markReadCount())
}

func TestTypingEventFromSelfIgnored(t *testing.T) {
	history := newFakeHistory()
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport)
	s.OpenRoom(context.Background(), testRoom(1))

	transport.deliverTyping(ws.TypingEvent{Username: testSelf.Username, IsTyping: true})
	assert.Empty(t, s.Snapshot().Typing)

	transport.deliverTyping(ws.TypingEvent{Username: testFriend.Username, IsTyping: true})
	assert.Equal(t, []string{testFriend.Username}, s.Snapshot().Typing)
}

func TestTransportErrorsSplitBySeverity(t *testing.T) {
	history := newFakeHistory()
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport)
	s.OpenRoom(context.Background(), testRoom(1))

	transport.deliverError(&ws.ServerError{Msg: "room is busy"})
	snap := s.Snapshot()
	require.Error(t, snap.SocketErr)
	assert.NoError(t, snap.TerminalErr)

	transport.deliverError(ws.ErrConnectionLost)
	snap = s.Snapshot()
	require.ErrorIs(t, snap.TerminalErr, ws.ErrConnectionLost)
}

func TestCloseClearsSessionState(t *testing.T) {
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	history := newFakeHistory()
	history.setPage(1, 1, makeMessages(10, 2, day))
	transport := &fakeTransport{}
	s := newTestSession(t, history, transport)

	s.OpenRoom(context.Background(), testRoom(1))
	require.Eventually(t, func() bool {
		return len(s.Snapshot().Messages) == 2
	}, pollTimeout, pollTick)

	s.Close()

	snap := s.Snapshot()
	assert.Nil(t, snap.Room)
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.Connected)
	assert.GreaterOrEqual(t, transport.closes, 1)

	// Events delivered after close are ignored.
	transport.deliverMessage(friendMessage(77, "late"))
	assert.Empty(t, s.Snapshot().Messages)
}
