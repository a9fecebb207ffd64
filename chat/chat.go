package chat

import (
	"time"
)

// User represents a platform user as seen by the chat client.
type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IsOnline  bool   `json:"is_online"`
}

// DisplayName returns the user's full name if both parts are set,
// otherwise the username.
func (u User) DisplayName() string {
	if u.FirstName != "" && u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.Username
}

// Sender identifies the author of a message.
type Sender struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// Message is a single chat message. The ID is assigned by the server and is
// unique within a room. Once received a message is immutable.
type Message struct {
	ID        int       `json:"id"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"is_read"`
}

// Room is a 1:1 conversation container between the current user and a friend.
// The room list owns Room values; a Session only borrows the active one.
type Room struct {
	ID          int      `json:"id"`
	OtherUser   User     `json:"other_user"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}
