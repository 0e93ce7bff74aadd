package protocol

import (
	"testing"

	"alloy/events/room"
	"alloy/events/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageReceived(t *testing.T) {
	ev, err := DecodeRoomEvent([]byte(`{"type":"message_received","message":"hello there"}`))
	require.NoError(t, err)

	assert.Equal(t, room.KindMessageReceived, ev.Kind)
	require.NotNil(t, ev.MessageReceived)
	assert.Equal(t, "hello there", ev.MessageReceived.Message)
	assert.Nil(t, ev.FunctionCallsFinished)
}

func TestDecodeFunctionCallsFinished(t *testing.T) {
	data := []byte(`{"type":"function_calls_finished","called_functions":[{"name":"image","call_info":{"arguments":{"user_msg":"what am I holding?"}}}]}`)

	ev, err := DecodeRoomEvent(data)
	require.NoError(t, err)

	assert.Equal(t, room.KindFunctionCallsFinished, ev.Kind)
	msg, ok := ev.FunctionCallsFinished.UserMsg()
	require.True(t, ok)
	assert.Equal(t, "what am I holding?", msg)
	assert.Equal(t, "image", ev.FunctionCallsFinished.CalledFunctions[0].Name)
}

func TestDecodeRejectsUnknownTypes(t *testing.T) {
	_, err := DecodeRoomEvent([]byte(`{"type":"track_muted"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeRoomEvent([]byte(`{"message":"no type"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeRoomEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeChatPacket(t *testing.T) {
	ev, err := DecodeChatPacket([]byte(`{"id":"1","timestamp":10,"message":"hi"}`), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", ev.MessageReceived.Message)
	assert.Equal(t, "user-1", ev.MessageReceived.Sender)

	ev, err = DecodeChatPacket([]byte("plain text"), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "plain text", ev.MessageReceived.Message)

	_, err = DecodeChatPacket(nil, "user-1")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = DecodeChatPacket([]byte(`{"message":""}`), "user-1")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestEncodeEvent(t *testing.T) {
	data, err := EncodeEvent(&session.AnswerCompletedEvent{TurnID: "t1", Text: "Hello!"})
	require.NoError(t, err)

	wire, err := DecodeWireEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "session.answer_completed", wire.ID)

	payload, err := UnmarshalPayload[session.AnswerCompletedEvent](wire.Payload)
	require.NoError(t, err)
	assert.Equal(t, "t1", payload.TurnID)
	assert.Equal(t, "Hello!", payload.Text)
}
