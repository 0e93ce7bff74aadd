package core

// EndSessionEvent is fired when the session stops processing events.
type EndSessionEvent struct {
	Reason string
}

func (e *EndSessionEvent) GetId() string {
	return "shared.end_session"
}
