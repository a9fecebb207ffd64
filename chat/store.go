package chat

// Store is the authoritative ordered, deduplicated view of one room's
// messages. It reconciles paginated REST history with live pushes: page 1
// replaces the contents, older pages are prepended, and live messages are
// appended with at-least-once delivery collapsed by message id.
//
// A Store is exclusively owned by the Session that created it and is not
// safe for concurrent use; callers read snapshots via Messages.
type Store struct {
	roomID   int
	pageSize int
	page     int
	hasMore  bool
	// firstPaint distinguishes the initial render (jump scroll) from
	// subsequent updates (smooth scroll).
	firstPaint bool
	msgs       []Message
	ids        map[int]struct{}
}

func NewStore(roomID, pageSize int) *Store {
	return &Store{
		roomID:     roomID,
		pageSize:   pageSize,
		page:       0,
		hasMore:    true,
		firstPaint: true,
		ids:        make(map[int]struct{}),
	}
}

func (s *Store) RoomID() int {
	return s.roomID
}

func (s *Store) PageSize() int {
	return s.pageSize
}

// Page returns the highest history page loaded so far, 0 before the first
// load completes.
func (s *Store) Page() int {
	return s.page
}

// HasMore reports whether an older history page may exist. It is
// recomputed after every load as (returned count == page size).
func (s *Store) HasMore() bool {
	return s.hasMore
}

func (s *Store) Len() int {
	return len(s.msgs)
}

// Reset installs page 1 of the history, replacing any prior contents.
func (s *Store) Reset(msgs []Message) {
	s.msgs = make([]Message, 0, len(msgs))
	s.ids = make(map[int]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		s.msgs = append(s.msgs, m)
	}
	s.page = 1
	s.hasMore = len(msgs) == s.pageSize
}

// Prepend installs an older history page in front of the current
// contents, preserving chronological order. Messages already present are
// skipped.
func (s *Store) Prepend(page int, msgs []Message) {
	older := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		older = append(older, m)
	}
	s.msgs = append(older, s.msgs...)
	s.page = page
	s.hasMore = len(msgs) == s.pageSize
}

// Append inserts a live-pushed message at the tail. It reports whether
// the message was new: a duplicate id makes the call a no-op, which
// absorbs at-least-once delivery from the transport.
func (s *Store) Append(m Message) bool {
	if _, dup := s.ids[m.ID]; dup {
		return false
	}
	s.ids[m.ID] = struct{}{}
	s.msgs = append(s.msgs, m)
	return true
}

// Messages returns a snapshot copy for rendering.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// ConsumeFirstPaint returns true exactly once, on the first render after
// the store was created.
func (s *Store) ConsumeFirstPaint() bool {
	if !s.firstPaint {
		return false
	}
	s.firstPaint = false
	return true
}
