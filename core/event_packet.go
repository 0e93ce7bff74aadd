package core

import (
	"time"

	"github.com/google/uuid"
)

// EventPacket wraps an event with tracking metadata while it is queued.
type EventPacket struct {
	Event      IEvent
	Uid        string // Unique identifier for tracking the event packet.
	Relayer    string // Identifier of the component that relayed the event.
	ReceivedAt time.Time
}

func NewEventPacket(event IEvent, relayer string) *EventPacket {
	return &EventPacket{
		Event:      event,
		Uid:        uuid.New().String(),
		Relayer:    relayer,
		ReceivedAt: time.Now(),
	}
}
