package protocol

import (
	"encoding/json"

	"alloy/events/room"
)

// MessageType enumerates inbound room message types.
type MessageType string

const (
	MsgMessageReceived       MessageType = "message_received"
	MsgFunctionCallsFinished MessageType = "function_calls_finished"
)

// InboundMessage is the flat JSON shape room events arrive in.
//
//	{"type": "message_received", "message": "hello"}
//	{"type": "function_calls_finished", "called_functions": [{"call_info": {"arguments": {"user_msg": "..."}}}]}
type InboundMessage struct {
	Type            MessageType           `json:"type"`
	Message         string                `json:"message,omitempty"`
	Sender          string                `json:"sender,omitempty"`
	CalledFunctions []room.CalledFunction `json:"called_functions,omitempty"`
}

// ChatPacket is the payload LiveKit clients publish on the chat topic.
type ChatPacket struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Message   string `json:"message"`
}

// WireEvent is the envelope outbound events are serialised into.
//
//	{"id": "<event id>", "payload": { /* event-specific fields */ }}
type WireEvent struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
