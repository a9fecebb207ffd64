package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageEvent(t *testing.T) {
	frame := `{
		"type": "message",
		"message_id": 42,
		"message": "hello",
		"sender_id": 7,
		"sender_username": "alice",
		"timestamp": "2025-03-01T10:30:00Z"
	}`

	ev, err := DecodeEvent([]byte(frame))
	require.NoError(t, err)

	msg, ok := ev.(MessageEvent)
	require.True(t, ok, "expected MessageEvent, got %T", ev)
	assert.Equal(t, 42, msg.MessageID)
	assert.Equal(t, "hello", msg.Message)
	assert.Equal(t, 7, msg.SenderID)
	assert.Equal(t, "alice", msg.SenderUsername)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC), msg.Timestamp)
}

func TestDecodeTypingEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"typing","username":"bob","is_typing":true}`))
	require.NoError(t, err)

	typing, ok := ev.(TypingEvent)
	require.True(t, ok, "expected TypingEvent, got %T", ev)
	assert.Equal(t, "bob", typing.Username)
	assert.True(t, typing.IsTyping)
}

func TestDecodeErrorEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"error":"room is closed"}`))
	require.NoError(t, err)

	serr, ok := ev.(ErrorEvent)
	require.True(t, ok, "expected ErrorEvent, got %T", ev)
	assert.Equal(t, "room is closed", serr.Message)
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"presence","username":"bob"}`))
	assert.Error(t, err)
}

func TestDecodeEventRejectsMalformedFrame(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type": "message", `))
	assert.Error(t, err)
}

func TestEncodeMessageSend(t *testing.T) {
	b, err := EncodeEvent(MessageSend{Message: "hi there"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","message":"hi there"}`, string(b))
}

func TestEncodeTypingSend(t *testing.T) {
	b, err := EncodeEvent(TypingSend{IsTyping: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing","is_typing":true}`, string(b))

	b, err = EncodeEvent(TypingSend{IsTyping: false})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing","is_typing":false}`, string(b))
}
