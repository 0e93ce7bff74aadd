package core

type IEvent interface {
	GetId() string // Returns the unique identifier of the event.
}

// IExternalOutputEvent is implemented by events that are broadcast to
// observers outside the session, such as event bridge clients.
type IExternalOutputEvent interface {
	IEvent
}
