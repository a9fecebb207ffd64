package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/putto11262002/chatlink/ws"
)

const (
	defaultPageSize = 50
	// typingIdle is how long after the last keystroke the session sends
	// the "stopped typing" event.
	typingIdle = 2 * time.Second
	// markReadDelay defers the read receipt after an inbound message.
	markReadDelay = time.Second
)

// History is the REST collaborator the session loads message pages from.
// *rest.Client satisfies it.
type History interface {
	Messages(ctx context.Context, roomID, page, pageSize int) (HistoryPage, error)
	MarkRead(ctx context.Context, roomID int) error
}

// HistoryPage is one page of a room's past messages, oldest first.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	PageSize int       `json:"page_size"`
}

// Session binds the active room's Store to its transport. It is the only
// component that mutates either: the UI reads Snapshot and calls the
// exported methods, nothing else.
//
// Async results (history pages, transport callbacks, timers) are tagged
// with a generation that is invalidated on every room switch, so nothing
// from an abandoned room can ever reach the new room's store.
type Session struct {
	history       History
	transport     ws.Transport
	self          User
	token         string
	pageSize      int
	notifier      Notifier
	logger        *slog.Logger
	onChange      func()
	typingIdle    time.Duration
	markReadDelay time.Duration

	mu             sync.Mutex
	ctx            context.Context
	room           *Room
	store          *Store
	typing         *TypingRegistry
	loadGen        int
	loadingInitial bool
	loadingMore    bool
	histErr        error
	sockErr        error
	termErr        error
	connected      bool
	typingTimer    *time.Timer
	markReadTimer  *time.Timer
}

func NewSession(history History, transport ws.Transport, self User, token string, opts ...SessionOpt) *Session {
	s := &Session{
		history:       history,
		transport:     transport,
		self:          self,
		token:         token,
		pageSize:      defaultPageSize,
		notifier:      NopNotifier{},
		logger:        slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		typingIdle:    typingIdle,
		markReadDelay: markReadDelay,
		ctx:           context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.typing = NewTypingRegistry(s.notifyChange)
	return s
}

type SessionOpt func(*Session)

func WithSessionLogger(logger *slog.Logger) SessionOpt {
	return func(s *Session) { s.logger = logger }
}

func WithPageSize(size int) SessionOpt {
	return func(s *Session) { s.pageSize = size }
}

func WithNotifier(n Notifier) SessionOpt {
	return func(s *Session) { s.notifier = n }
}

// WithOnChange registers a hook invoked after every state change the UI
// should re-render for. It may be called from multiple goroutines.
func WithOnChange(f func()) SessionOpt {
	return func(s *Session) { s.onChange = f }
}

// WithTypingIdle overrides the stopped-typing debounce. Tests shrink it.
func WithTypingIdle(d time.Duration) SessionOpt {
	return func(s *Session) { s.typingIdle = d }
}

// WithMarkReadDelay overrides the read-receipt delay. Tests shrink it.
func WithMarkReadDelay(d time.Duration) SessionOpt {
	return func(s *Session) { s.markReadDelay = d }
}

// OpenRoom switches the session to a room. Any previous room's state is
// torn down synchronously first: its transport is closed, its store
// discarded and its timers cancelled, so no event from the old room can
// leak into the new one. Then the first history page, the transport
// connection and a mark-read call are all started.
func (s *Session) OpenRoom(ctx context.Context, room Room) {
	s.mu.Lock()
	s.teardownLocked()
	s.ctx = ctx
	s.room = &room
	s.store = NewStore(room.ID, s.pageSize)
	s.loadingInitial = true
	gen := s.loadGen
	s.mu.Unlock()

	s.transport.Open(room.ID, s.token, ws.Handlers{
		OnMessage: func(ev ws.MessageEvent) { s.handleMessage(gen, ev) },
		OnTyping:  func(ev ws.TypingEvent) { s.handleTyping(gen, ev) },
		OnOpen:    func() { s.setConnected(gen, true) },
		OnClose:   func(code int) { s.setConnected(gen, false) },
		OnError:   func(err error) { s.handleTransportError(gen, err) },
	})

	go s.loadPage(ctx, gen, room.ID, 1)
	go s.markRead(ctx, gen, room.ID)

	s.notifyChange()
}

// Close tears the session down. Pending reconnects, in-flight history
// fetches and timers are abandoned.
func (s *Session) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
	s.notifyChange()
}

// SendMessage forwards the text over the transport. The store is not
// updated here: the server echoes the message back over the socket and
// the echo is the source of truth.
func (s *Session) SendMessage(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	t := s.transport
	open := s.room != nil
	s.mu.Unlock()
	if !open {
		return
	}
	t.Send(ws.MessageSend{Message: text})
}

// NotifyTyping is called on every keystroke. The first keystroke of a
// burst sends "typing: true"; a single resettable timer sends
// "typing: false" after the idle window. Timers never stack.
func (s *Session) NotifyTyping() {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return
	}
	t := s.transport
	gen := s.loadGen
	start := s.typingTimer == nil
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingIdle, func() {
		s.mu.Lock()
		if gen != s.loadGen {
			s.mu.Unlock()
			return
		}
		s.typingTimer = nil
		t := s.transport
		s.mu.Unlock()
		t.Send(ws.TypingSend{IsTyping: false})
	})
	s.mu.Unlock()

	if start {
		t.Send(ws.TypingSend{IsTyping: true})
	}
}

// LoadOlderMessages fetches the next older history page. It is a no-op
// while another load is in flight or when no older page exists.
func (s *Session) LoadOlderMessages() {
	s.mu.Lock()
	if s.store == nil || s.loadingInitial || s.loadingMore || !s.store.HasMore() {
		s.mu.Unlock()
		return
	}
	s.loadingMore = true
	page := s.store.Page() + 1
	gen := s.loadGen
	roomID := s.store.RoomID()
	ctx := s.ctx
	s.mu.Unlock()

	go s.loadPage(ctx, gen, roomID, page)
	s.notifyChange()
}

// RetryHistory reloads page 1 after a failed history fetch. The load
// generation is bumped so that any older-page fetch still in flight is
// discarded instead of interleaving with the reset.
func (s *Session) RetryHistory() {
	s.mu.Lock()
	if s.store == nil {
		s.mu.Unlock()
		return
	}
	s.loadGen++
	gen := s.loadGen
	roomID := s.store.RoomID()
	s.loadingInitial = true
	s.loadingMore = false
	s.histErr = nil
	ctx := s.ctx
	s.mu.Unlock()

	go s.loadPage(ctx, gen, roomID, 1)
	s.notifyChange()
}

// Snapshot is an immutable view of the session for rendering.
type Snapshot struct {
	Room           *Room
	Messages       []Message
	Typing         []string
	Connected      bool
	HasMore        bool
	LoadingInitial bool
	LoadingMore    bool
	// FirstPaint is true exactly once per room, on the first snapshot
	// taken after the initial history load: the UI jumps instead of
	// smooth-scrolling.
	FirstPaint bool
	// HistoryErr is a retryable history-load failure; the transport is
	// unaffected by it.
	HistoryErr error
	// SocketErr is the most recent non-terminal transport error.
	SocketErr error
	// TerminalErr is set once the reconnect budget is exhausted.
	TerminalErr error
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Connected:      s.connected,
		LoadingInitial: s.loadingInitial,
		LoadingMore:    s.loadingMore,
		HistoryErr:     s.histErr,
		SocketErr:      s.sockErr,
		TerminalErr:    s.termErr,
	}
	if s.room != nil {
		room := *s.room
		snap.Room = &room
	}
	if s.store != nil {
		snap.Messages = s.store.Messages()
		snap.HasMore = s.store.HasMore()
		if !s.loadingInitial {
			snap.FirstPaint = s.store.ConsumeFirstPaint()
		}
	}
	snap.Typing = s.typing.Active()
	return snap
}

// teardownLocked invalidates the current generation and releases all
// room-scoped state. Callers hold s.mu.
func (s *Session) teardownLocked() {
	s.loadGen++
	s.transport.Close()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if s.markReadTimer != nil {
		s.markReadTimer.Stop()
		s.markReadTimer = nil
	}
	s.typing.Reset()
	s.room = nil
	s.store = nil
	s.loadingInitial = false
	s.loadingMore = false
	s.histErr = nil
	s.sockErr = nil
	s.termErr = nil
	s.connected = false
}

// loadPage fetches one history page and applies it if the result is still
// current: same generation, same room. Stale results are discarded.
func (s *Session) loadPage(ctx context.Context, gen, roomID, page int) {
	res, err := s.history.Messages(ctx, roomID, page, s.pageSize)

	s.mu.Lock()
	if gen != s.loadGen || s.store == nil || s.store.RoomID() != roomID {
		s.mu.Unlock()
		return
	}
	if page == 1 {
		s.loadingInitial = false
	} else {
		s.loadingMore = false
	}
	if err != nil {
		s.histErr = fmt.Errorf("load messages page %d: %w", page, err)
		s.mu.Unlock()
		s.logger.Error(fmt.Sprintf("history load failed: %v", err),
			slog.Int("room.id", roomID), slog.Int("page", page))
		s.notifyChange()
		return
	}
	s.histErr = nil
	if page == 1 {
		s.store.Reset(res.Messages)
	} else {
		s.store.Prepend(page, res.Messages)
	}
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Session) handleMessage(gen int, ev ws.MessageEvent) {
	msg := Message{
		ID:      ev.MessageID,
		Content: ev.Message,
		Sender: Sender{
			ID:       ev.SenderID,
			Username: ev.SenderUsername,
		},
		Timestamp: ev.Timestamp,
	}

	s.mu.Lock()
	if gen != s.loadGen || s.store == nil {
		s.mu.Unlock()
		return
	}
	appended := s.store.Append(msg)
	fromSelf := ev.SenderID == s.self.ID
	notify := appended && !fromSelf
	if notify {
		roomID := s.store.RoomID()
		ctx := s.ctx
		if s.markReadTimer != nil {
			s.markReadTimer.Stop()
		}
		s.markReadTimer = time.AfterFunc(s.markReadDelay, func() {
			s.markRead(ctx, gen, roomID)
		})
	}
	s.mu.Unlock()

	if !appended {
		return
	}
	if notify {
		// Best effort: a notification that cannot play is not an error.
		go func() {
			if err := s.notifier.Notify(); err != nil {
				s.logger.Debug(fmt.Sprintf("notification: %v", err))
			}
		}()
	}
	s.notifyChange()
}

func (s *Session) handleTyping(gen int, ev ws.TypingEvent) {
	if ev.Username == s.self.Username {
		return
	}
	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.typing.Set(ev.Username, ev.IsTyping)
}

func (s *Session) setConnected(gen int, connected bool) {
	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Session) handleTransportError(gen int, err error) {
	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		return
	}
	if errors.Is(err, ws.ErrConnectionLost) {
		s.termErr = err
	} else {
		s.sockErr = err
	}
	s.mu.Unlock()
	s.notifyChange()
}

// markRead tells the backend the room has been read. Failures are logged
// only: a lost read receipt does not affect the session.
func (s *Session) markRead(ctx context.Context, gen, roomID int) {
	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.history.MarkRead(ctx, roomID); err != nil {
		s.logger.Error(fmt.Sprintf("mark read: %v", err), slog.Int("room.id", roomID))
	}
}

func (s *Session) notifyChange() {
	if s.onChange != nil {
		s.onChange()
	}
}
