package stub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// client is one websocket connection attached to a room.
type client struct {
	id       string
	userID   int
	username string
	roomID   int
	send     chan []byte
}

func newClient(userID int, username string, roomID int) *client {
	return &client{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		roomID:   roomID,
		send:     make(chan []byte, 16),
	}
}

// Hub tracks which connections are attached to which room and fans
// frames out to them. A user may hold several connections to the same
// room (two tabs in the browser).
type Hub struct {
	mu     sync.RWMutex
	rooms  map[int]map[*client]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[int]map[*client]struct{}),
		logger: logger,
	}
}

func (h *Hub) connect(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.roomID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.roomID] = room
	}
	room[c] = struct{}{}
	h.logger.Debug("client connected",
		slog.String("client.id", c.id), slog.Int("room.id", c.roomID))
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.roomID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.roomID)
	}
	h.logger.Debug("client disconnected",
		slog.String("client.id", c.id), slog.Int("room.id", c.roomID))
}

// broadcast sends frame to every connection in the room. When except is
// non-nil that connection is skipped; a full send buffer drops the
// frame for that connection rather than blocking the room.
func (h *Hub) broadcast(roomID int, frame []byte, except *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c == except {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("send buffer full, dropping frame",
				slog.String("client.id", c.id), slog.Int("room.id", roomID))
		}
	}
}

// connCount reports how many connections a user holds across all rooms.
// Online presence is derived from it.
func (h *Hub) connCount(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		for c := range room {
			if c.userID == userID {
				n++
			}
		}
	}
	return n
}
