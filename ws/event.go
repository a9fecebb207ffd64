package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire values of the type discriminator.
const (
	eventMessage = "message"
	eventTyping  = "typing"
)

// Event is an inbound transport frame. Exactly one of the concrete
// variants is produced per frame: MessageEvent, TypingEvent or ErrorEvent.
type Event interface {
	event()
}

// MessageEvent is a chat message pushed by the server. The server assigns
// the message id; the sender's own messages are echoed back through this
// event as well.
type MessageEvent struct {
	MessageID      int       `json:"message_id"`
	Message        string    `json:"message"`
	SenderID       int       `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingEvent reports that a user started or stopped composing.
type TypingEvent struct {
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorEvent is an error notification pushed by the server.
type ErrorEvent struct {
	Message string `json:"error"`
}

func (MessageEvent) event() {}
func (TypingEvent) event()  {}
func (ErrorEvent) event()   {}

// DecodeEvent parses an inbound frame into its variant. Frames that are
// not valid JSON, carry an unknown discriminator, or have a malformed body
// return an error; the caller drops them without closing the connection.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type  string  `json:"type"`
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	if head.Error != nil {
		return ErrorEvent{Message: *head.Error}, nil
	}

	switch head.Type {
	case eventMessage:
		var ev MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode message event: %w", err)
		}
		return ev, nil
	case eventTyping:
		var ev TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode typing event: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
}

// Outbound is an event the client can transmit: MessageSend or TypingSend.
type Outbound interface {
	outbound()
}

// MessageSend asks the server to deliver a text message to the room.
type MessageSend struct {
	Message string
}

// TypingSend toggles the sender's typing indicator for the room.
type TypingSend struct {
	IsTyping bool
}

func (MessageSend) outbound() {}
func (TypingSend) outbound()  {}

// EncodeEvent serializes an outbound event into its wire frame.
func EncodeEvent(ev Outbound) ([]byte, error) {
	switch e := ev.(type) {
	case MessageSend:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{eventMessage, e.Message})
	case TypingSend:
		return json.Marshal(struct {
			Type     string `json:"type"`
			IsTyping bool   `json:"is_typing"`
		}{eventTyping, e.IsTyping})
	default:
		return nil, fmt.Errorf("unknown outbound event %T", ev)
	}
}
