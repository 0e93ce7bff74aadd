package media

import (
	"context"
	"time"

	"alloy/core"
)

const (
	DefaultAcquireTimeout = 10 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
)

// Acquirer finds the first resolved remote video track of a room.
type Acquirer struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *core.Logger
}

// AcquireVideoTrack is Acquirer.Acquire with default polling.
func AcquireVideoTrack(ctx context.Context, room core.Room, timeout time.Duration) core.Track {
	a := Acquirer{Timeout: timeout}
	return a.Acquire(ctx, room)
}

// Acquire returns the first video track whose publication is resolved,
// scanning participants and then their publications in order. When no
// track shows up within Timeout it returns nil; that is not an error.
// Acquire returns early only when ctx is cancelled.
func (a Acquirer) Acquire(ctx context.Context, room core.Room) core.Track {
	logger := a.Logger
	if logger == nil {
		logger = core.GetLogger()
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	poll := a.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	if track := firstVideoTrack(room); track != nil {
		logger.Infof("Using video track %s", track.SID())
		return track
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			logger.Debug("Timed out waiting for video track", "timeout", timeout.String())
			return nil
		case <-ticker.C:
			if track := firstVideoTrack(room); track != nil {
				logger.Infof("Using video track %s", track.SID())
				return track
			}
		}
	}
}

func firstVideoTrack(room core.Room) core.Track {
	for _, p := range room.RemoteParticipants() {
		for _, pub := range p.TrackPublications() {
			if pub.Kind() != core.TrackKindVideo {
				continue
			}
			if track := pub.Track(); track != nil {
				return track
			}
		}
	}
	return nil
}
