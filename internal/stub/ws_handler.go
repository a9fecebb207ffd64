package stub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/putto11262002/chatlink/auth"
	"github.com/putto11262002/chatlink/ws"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// inboundFrame is what the client transmits over the socket.
type inboundFrame struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	IsTyping bool   `json:"is_typing"`
}

type messageFrame struct {
	Type           string    `json:"type"`
	MessageID      int       `json:"message_id"`
	Message        string    `json:"message"`
	SenderID       int       `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Timestamp      time.Time `json:"timestamp"`
}

type typingFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type errorFrame struct {
	Error string `json:"error"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, o := range s.origins {
				if o == "*" || o == r.Header.Get("Origin") {
					return true
				}
			}
			return false
		},
	}
}

// chatSocketHandler upgrades /ws/chat/{roomID}/?token=... and attaches
// the connection to the room. Rejections are delivered as close frames
// with application codes, after the upgrade, so the client can tell a
// deliberate rejection from a network failure.
func (s *Server) chatSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", slog.String("err", err.Error()))
		return
	}

	rejectWith := func(code int, reason string) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		conn.Close()
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		rejectWith(ws.CloseUnauthorized, "missing token")
		return
	}
	claims, err := auth.VerifyToken(token, s.tokenOpts)
	if err != nil {
		rejectWith(ws.CloseTokenRejected, "invalid token")
		return
	}

	roomID, err := strconv.Atoi(chi.URLParam(r, "roomID"))
	if err != nil {
		rejectWith(ws.CloseRoomInvalid, "invalid room id")
		return
	}

	members, err := s.store.RoomMembers(r.Context(), roomID)
	if err != nil {
		rejectWith(ws.CloseRoomNotFound, "room not found")
		return
	}
	if members[0] != claims.UserID && members[1] != claims.UserID {
		rejectWith(ws.CloseRoomForbidden, "not a room member")
		return
	}

	c := newClient(claims.UserID, claims.Username, roomID)
	s.hub.connect(c)
	if err := s.store.SetOnline(context.Background(), c.userID, true); err != nil {
		s.logger.Error("set online", slog.String("err", err.Error()))
	}

	go s.writeLoop(c, conn)
	go s.readLoop(c, conn)
}

func (s *Server) readLoop(c *client, conn *websocket.Conn) {
	defer func() {
		s.hub.disconnect(c)
		conn.Close()
		if s.hub.connCount(c.userID) == 0 {
			if err := s.store.SetOnline(context.Background(), c.userID, false); err != nil {
				s.logger.Error("set offline", slog.String("err", err.Error()))
			}
		}
		s.logger.Debug("exited read loop", slog.String("client.id", c.id))
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("unexpected close", slog.String("err", err.Error()))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(c, "malformed frame")
			continue
		}

		switch frame.Type {
		case "message":
			s.handleInboundMessage(c, frame.Message)
		case "typing":
			s.broadcastTyping(c, frame.IsTyping)
		default:
			s.sendError(c, "unknown frame type")
		}
	}
}

func (s *Server) writeLoop(c *client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleInboundMessage persists the message and broadcasts it to the
// whole room, sender included: the echo is how the sender learns the
// server-assigned id.
func (s *Server) handleInboundMessage(c *client, content string) {
	msg, err := s.store.InsertMessage(context.Background(), c.roomID, c.userID, content)
	if err != nil {
		s.sendError(c, "could not deliver message")
		return
	}

	frame, err := json.Marshal(messageFrame{
		Type:           "message",
		MessageID:      msg.ID,
		Message:        msg.Content,
		SenderID:       msg.Sender.ID,
		SenderUsername: msg.Sender.Username,
		Timestamp:      msg.Timestamp,
	})
	if err != nil {
		s.logger.Error("encode message frame", slog.String("err", err.Error()))
		return
	}
	s.hub.broadcast(c.roomID, frame, nil)
}

// broadcastTyping relays a typing toggle to everyone else in the room.
func (s *Server) broadcastTyping(c *client, isTyping bool) {
	frame, err := json.Marshal(typingFrame{
		Type:     "typing",
		Username: c.username,
		IsTyping: isTyping,
	})
	if err != nil {
		s.logger.Error("encode typing frame", slog.String("err", err.Error()))
		return
	}
	s.hub.broadcast(c.roomID, frame, c)
}

func (s *Server) sendError(c *client, msg string) {
	frame, err := json.Marshal(errorFrame{Error: msg})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}
