package protocol

import (
	"errors"
	"fmt"

	"alloy/core"
	"alloy/events/room"

	"github.com/bytedance/sonic"
)

var (
	ErrUnknownType  = errors.New("protocol: unknown message type")
	ErrEmptyMessage = errors.New("protocol: empty message")
)

// DecodeRoomEvent turns one inbound JSON message into a typed room event.
func DecodeRoomEvent(data []byte) (*room.Event, error) {
	var msg InboundMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal message: %w", err)
	}
	switch msg.Type {
	case MsgMessageReceived:
		return room.NewMessageReceived(msg.Message, msg.Sender), nil
	case MsgFunctionCallsFinished:
		return room.NewFunctionCallsFinished(msg.CalledFunctions), nil
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrUnknownType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// DecodeChatPacket decodes a chat data packet. Plain text payloads are
// accepted as the message itself.
func DecodeChatPacket(data []byte, sender string) (*room.Event, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	var pkt ChatPacket
	if data[0] != '{' || sonic.Unmarshal(data, &pkt) != nil {
		pkt.Message = string(data)
	}
	if pkt.Message == "" {
		return nil, ErrEmptyMessage
	}
	return room.NewMessageReceived(pkt.Message, sender), nil
}

// EncodeEvent serialises an outbound event into a WireEvent.
func EncodeEvent(ev core.IEvent) ([]byte, error) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload for %q: %w", ev.GetId(), err)
	}
	return sonic.Marshal(WireEvent{ID: ev.GetId(), Payload: payload})
}

// DecodeWireEvent parses the envelope of an outbound event.
func DecodeWireEvent(data []byte) (WireEvent, error) {
	var w WireEvent
	if err := sonic.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if w.ID == "" {
		return w, errors.New("protocol: envelope missing id field")
	}
	return w, nil
}

// UnmarshalPayload decodes a raw JSON payload into a typed struct.
func UnmarshalPayload[T any](raw []byte) (T, error) {
	var v T
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("protocol: unmarshal payload: %w", err)
	}
	return v, nil
}
