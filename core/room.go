package core

import "context"

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Room is a live media session the assistant has joined. Participants and
// publications are returned in a stable iteration order.
type Room interface {
	Name() string
	ConnectionState() ConnectionState
	RemoteParticipants() []Participant
}

type Participant interface {
	Identity() string
	TrackPublications() []TrackPublication
}

type TrackPublication interface {
	SID() string
	Kind() TrackKind
	// Track returns nil until the underlying track is subscribed.
	Track() Track
}

type Track interface {
	SID() string
	// ReadFrame blocks for the next frame. It returns io.EOF once the
	// track has ended.
	ReadFrame(ctx context.Context) (*VideoFrame, error)
}
