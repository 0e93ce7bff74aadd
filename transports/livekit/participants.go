package livekit

import "alloy/core"

// The SDK keeps remote participants in maps, so the transport records join
// and publish order itself to give callers a stable scan order.

type participant struct {
	identity string
	pubs     []*publication
}

type publication struct {
	sid   string
	kind  core.TrackKind
	track *videoTrack
}

func (p *participant) find(sid string) (int, *publication) {
	for i, pub := range p.pubs {
		if pub.sid == sid {
			return i, pub
		}
	}
	return -1, nil
}

func (l *LiveKitTransport) findParticipant(identity string) (int, *participant) {
	for i, p := range l.participants {
		if p.identity == identity {
			return i, p
		}
	}
	return -1, nil
}

// ensureParticipant must be called with mu held.
func (l *LiveKitTransport) ensureParticipant(identity string) *participant {
	if _, p := l.findParticipant(identity); p != nil {
		return p
	}
	p := &participant{identity: identity}
	l.participants = append(l.participants, p)
	return p
}

func (l *LiveKitTransport) participantJoined(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureParticipant(identity)
}

func (l *LiveKitTransport) participantLeft(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, p := l.findParticipant(identity)
	if p == nil {
		return
	}
	for _, pub := range p.pubs {
		if pub.track != nil {
			pub.track.end()
		}
	}
	l.participants = append(l.participants[:i], l.participants[i+1:]...)
}

func (l *LiveKitTransport) trackPublished(identity, sid string, kind core.TrackKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.ensureParticipant(identity)
	if _, pub := p.find(sid); pub != nil {
		return
	}
	p.pubs = append(p.pubs, &publication{sid: sid, kind: kind})
}

func (l *LiveKitTransport) trackUnpublished(identity, sid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, p := l.findParticipant(identity)
	if p == nil {
		return
	}
	i, pub := p.find(sid)
	if pub == nil {
		return
	}
	if pub.track != nil {
		pub.track.end()
	}
	p.pubs = append(p.pubs[:i], p.pubs[i+1:]...)
}

func (l *LiveKitTransport) trackSubscribed(identity, sid string, track *videoTrack) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.ensureParticipant(identity)
	_, pub := p.find(sid)
	if pub == nil {
		pub = &publication{sid: sid, kind: core.TrackKindVideo}
		p.pubs = append(p.pubs, pub)
	}
	if pub.track != nil {
		pub.track.end()
	}
	pub.track = track
}

func (l *LiveKitTransport) trackUnsubscribed(identity, sid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, p := l.findParticipant(identity)
	if p == nil {
		return
	}
	if _, pub := p.find(sid); pub != nil && pub.track != nil {
		pub.track.end()
		pub.track = nil
	}
}

// RemoteParticipants implements core.Room. It returns a snapshot in join
// order with publications in publish order.
func (l *LiveKitTransport) RemoteParticipants() []core.Participant {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]core.Participant, 0, len(l.participants))
	for _, p := range l.participants {
		view := participantView{identity: p.identity}
		for _, pub := range p.pubs {
			pv := publicationView{sid: pub.sid, kind: pub.kind}
			if pub.track != nil {
				pv.track = pub.track
			}
			view.pubs = append(view.pubs, pv)
		}
		out = append(out, view)
	}
	return out
}

type participantView struct {
	identity string
	pubs     []core.TrackPublication
}

func (p participantView) Identity() string                         { return p.identity }
func (p participantView) TrackPublications() []core.TrackPublication { return p.pubs }

type publicationView struct {
	sid   string
	kind  core.TrackKind
	track core.Track
}

func (p publicationView) SID() string          { return p.sid }
func (p publicationView) Kind() core.TrackKind { return p.kind }
func (p publicationView) Track() core.Track    { return p.track }

var _ core.Track = (*videoTrack)(nil)
