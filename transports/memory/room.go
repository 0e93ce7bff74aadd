// Package memory provides an in-process room used for console sessions
// and tests. Participants, publications and frames are pushed in by the
// caller instead of arriving over the network.
package memory

import (
	"context"
	"io"
	"sync"

	"alloy/core"
)

type Room struct {
	name string

	mu           sync.RWMutex
	state        core.ConnectionState
	participants []*Participant
	scans        int
}

func NewRoom(name string) *Room {
	return &Room{name: name, state: core.ConnectionStateConnected}
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) ConnectionState() core.ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Room) SetConnectionState(state core.ConnectionState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// Disconnect moves the room to the disconnected state.
func (r *Room) Disconnect() {
	r.SetConnectionState(core.ConnectionStateDisconnected)
}

func (r *Room) RemoteParticipants() []core.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans++
	out := make([]core.Participant, len(r.participants))
	for i, p := range r.participants {
		out[i] = p
	}
	return out
}

// Scans counts RemoteParticipants calls.
func (r *Room) Scans() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scans
}

// AddParticipant appends a participant and returns it.
func (r *Room) AddParticipant(identity string) *Participant {
	p := &Participant{identity: identity}
	r.mu.Lock()
	r.participants = append(r.participants, p)
	r.mu.Unlock()
	return p
}

type Participant struct {
	identity string

	mu   sync.RWMutex
	pubs []*Publication
}

func (p *Participant) Identity() string {
	return p.identity
}

func (p *Participant) TrackPublications() []core.TrackPublication {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.TrackPublication, len(p.pubs))
	for i, pub := range p.pubs {
		out[i] = pub
	}
	return out
}

// Publish adds a publication. A nil track models a publication that is
// not subscribed yet; resolve it later with Publication.Resolve.
func (p *Participant) Publish(sid string, kind core.TrackKind, track *Track) *Publication {
	pub := &Publication{sid: sid, kind: kind}
	if track != nil {
		pub.track = track
	}
	p.mu.Lock()
	p.pubs = append(p.pubs, pub)
	p.mu.Unlock()
	return pub
}

// Unpublish ends the publication's track and removes it.
func (p *Participant) Unpublish(sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pub := range p.pubs {
		if pub.sid != sid {
			continue
		}
		if t, ok := pub.Track().(*Track); ok && t != nil {
			t.End()
		}
		p.pubs = append(p.pubs[:i], p.pubs[i+1:]...)
		return
	}
}

type Publication struct {
	sid  string
	kind core.TrackKind

	mu    sync.RWMutex
	track *Track
}

func (p *Publication) SID() string {
	return p.sid
}

func (p *Publication) Kind() core.TrackKind {
	return p.kind
}

func (p *Publication) Track() core.Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.track == nil {
		return nil
	}
	return p.track
}

func (p *Publication) Resolve(track *Track) {
	p.mu.Lock()
	p.track = track
	p.mu.Unlock()
}

// Track is a video track fed by Push. ReadFrame returns io.EOF after End
// once queued frames are drained.
type Track struct {
	sid     string
	frames  chan *core.VideoFrame
	endOnce sync.Once
}

func NewTrack(sid string) *Track {
	return &Track{sid: sid, frames: make(chan *core.VideoFrame, 64)}
}

func (t *Track) SID() string {
	return t.sid
}

func (t *Track) Push(frame *core.VideoFrame) {
	if frame.TrackSID == "" {
		frame.TrackSID = t.sid
	}
	t.frames <- frame
}

func (t *Track) End() {
	t.endOnce.Do(func() { close(t.frames) })
}

func (t *Track) ReadFrame(ctx context.Context) (*core.VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-t.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	}
}
