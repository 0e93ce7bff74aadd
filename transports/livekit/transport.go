package livekit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alloy/core"
	"alloy/events/room"
	"alloy/protocol"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	// ChatTopic is the data topic LiveKit clients use for chat messages.
	ChatTopic = "lk-chat-topic"
	// TranscriptionTopic carries the agent's spoken text.
	TranscriptionTopic = "transcription"
)

type Config struct {
	URL       string `json:"url" yaml:"url"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	APISecret string `json:"api_secret" yaml:"api_secret"`
	Room      string `json:"room" yaml:"room"`
	// Token joins with a pre-minted token instead of the API key pair.
	Token     string `json:"token" yaml:"token"`
	AgentName string `json:"agent_name" yaml:"agent_name"`

	AudioEnabled     bool   `json:"audio_enabled" yaml:"audio_enabled"`
	AudioSampleRate  int    `json:"audio_sample_rate" yaml:"audio_sample_rate"`
	AudioNumChannels int    `json:"audio_num_channels" yaml:"audio_num_channels"`
	AudioTrackName   string `json:"audio_track_name" yaml:"audio_track_name"`

	TranscriptionEnabled bool `json:"transcription_enabled" yaml:"transcription_enabled"`
	// KeyframeIntervalMs is how often subscribed video tracks are asked
	// for a fresh keyframe.
	KeyframeIntervalMs int `json:"keyframe_interval_ms" yaml:"keyframe_interval_ms"`
}

func DefaultConfig() Config {
	return Config{
		AgentName:            "alloy",
		AudioEnabled:         true,
		AudioSampleRate:      24000,
		AudioNumChannels:     1,
		AudioTrackName:       "agent-audio",
		TranscriptionEnabled: true,
		KeyframeIntervalMs:   int(defaultKeyframeEach / time.Millisecond),
	}
}

// LiveKitTransport joins a LiveKit room as the agent and exposes it as a
// core.Room. Inbound data packets are decoded into room events, outbound
// speech goes to a PCM audio track.
type LiveKitTransport struct {
	config Config
	logger *core.Logger
	client *lksdk.Room

	onEvent func(*room.Event)

	mu           sync.RWMutex
	state        core.ConnectionState
	closed       bool
	closeOnce    sync.Once
	participants []*participant

	audioTrack *lkmedia.PCMLocalTrack

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LiveKitOption is a functional option for configuring LiveKitTransport
type LiveKitOption func(*LiveKitTransport)

// WithLogger sets a custom logger
func WithLogger(logger *core.Logger) LiveKitOption {
	return func(l *LiveKitTransport) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEventHandler receives every decoded room event. It runs on the
// SDK's callback goroutine.
func WithEventHandler(handler func(*room.Event)) LiveKitOption {
	return func(l *LiveKitTransport) {
		l.onEvent = handler
	}
}

func NewLiveKitTransport(cfg Config, opts ...LiveKitOption) *LiveKitTransport {
	defaults := DefaultConfig()
	if cfg.AgentName == "" {
		cfg.AgentName = defaults.AgentName
	}
	if cfg.AudioSampleRate == 0 {
		cfg.AudioSampleRate = defaults.AudioSampleRate
	}
	if cfg.AudioNumChannels == 0 {
		cfg.AudioNumChannels = defaults.AudioNumChannels
	}
	if cfg.AudioTrackName == "" {
		cfg.AudioTrackName = defaults.AudioTrackName
	}
	if cfg.KeyframeIntervalMs <= 0 {
		cfg.KeyframeIntervalMs = defaults.KeyframeIntervalMs
	}

	l := &LiveKitTransport{
		config: cfg,
		logger: core.GetLogger(),
		state:  core.ConnectionStateDisconnected,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// MintToken creates a room join token for identity.
func MintToken(apiKey, apiSecret, roomName, identity, name string, agent bool, validFor time.Duration) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", errors.New("API key and secret are required to mint a token")
	}
	if roomName == "" {
		return "", errors.New("room name cannot be empty")
	}
	return auth.NewAccessToken(apiKey, apiSecret).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(validFor).
		SetVideoGrant(&auth.VideoGrant{
			RoomJoin: true,
			Room:     roomName,
			Agent:    agent,
		}).
		ToJWT()
}

// Connect joins the room. Without a configured token one is minted from
// the API key pair.
func (l *LiveKitTransport) Connect(ctx context.Context) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return errors.New("transport is closed")
	}
	if l.config.URL == "" {
		return errors.New("LiveKit URL cannot be empty")
	}

	token := l.config.Token
	identity := fmt.Sprintf("agent-%s-%s", l.config.AgentName, uuid.NewString()[:8])
	if token == "" {
		var err error
		token, err = MintToken(l.config.APIKey, l.config.APISecret, l.config.Room, identity, l.config.AgentName, true, 24*time.Hour)
		if err != nil {
			return err
		}
	}

	l.setConnectionState(core.ConnectionStateConnecting)
	l.logger.Info("connecting to room",
		"room", l.config.Room,
		"url", l.config.URL,
		"identity", identity,
	)

	type result struct {
		client *lksdk.Room
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := lksdk.ConnectToRoomWithToken(l.config.URL, token, l.roomCallback(), lksdk.WithAutoSubscribe(true))
		done <- result{client, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				r.client.Disconnect()
			}
		}()
		l.setConnectionState(core.ConnectionStateDisconnected)
		return ctx.Err()
	}
	if res.err != nil {
		l.setConnectionState(core.ConnectionStateDisconnected)
		return fmt.Errorf("failed to connect to room: %w", res.err)
	}

	return l.onRoomConnected(res.client)
}

func (l *LiveKitTransport) roomCallback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				l.trackPublished(rp.Identity(), pub.SID(), trackKind(pub.Kind()))
			},
			OnTrackUnpublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				l.trackUnpublished(rp.Identity(), pub.SID())
			},
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				l.handleRemoteTrack(track, pub, rp)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				l.logger.Info("track unsubscribed", "trackSID", pub.SID(), "participant", rp.Identity())
				l.trackUnsubscribed(rp.Identity(), pub.SID())
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				user := data.ToProto().GetUser()
				l.handleUserPayload(user.GetTopic(), user.GetPayload(), params.SenderIdentity)
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			l.logger.Info("participant connected", "participant", rp.Identity())
			l.participantJoined(rp.Identity())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			l.logger.Info("participant disconnected", "participant", rp.Identity())
			l.participantLeft(rp.Identity())
		},
		OnReconnecting: func() {
			l.setConnectionState(core.ConnectionStateReconnecting)
			l.logger.Info("reconnecting to room")
		},
		OnReconnected: func() {
			l.setConnectionState(core.ConnectionStateConnected)
			l.logger.Info("reconnected to room")
		},
		OnDisconnected: func() {
			l.setConnectionState(core.ConnectionStateDisconnected)
			l.logger.Info("disconnected from room")
		},
	}
}

func (l *LiveKitTransport) onRoomConnected(client *lksdk.Room) error {
	l.mu.Lock()
	l.client = client
	l.mu.Unlock()
	l.setConnectionState(core.ConnectionStateConnected)

	if err := l.SetAgentState("listening"); err != nil {
		l.logger.Warn("failed to set agent attributes", "error", err)
	}

	if l.config.AudioEnabled {
		if err := l.createAudioTrack(); err != nil {
			return err
		}
	}

	for _, rp := range client.GetRemoteParticipants() {
		l.participantJoined(rp.Identity())
		for _, pub := range rp.TrackPublications() {
			l.trackPublished(rp.Identity(), pub.SID(), trackKind(pub.Kind()))
		}
	}

	identity := "unknown"
	if client.LocalParticipant != nil {
		identity = client.LocalParticipant.Identity()
	}
	l.logger.Info("connected to LiveKit room",
		"room", client.Name(),
		"identity", identity,
	)
	return nil
}

func (l *LiveKitTransport) createAudioTrack() error {
	audioTrack, err := lkmedia.NewPCMLocalTrack(
		l.config.AudioSampleRate,
		l.config.AudioNumChannels,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}

	pub, err := l.client.LocalParticipant.PublishTrack(audioTrack, &lksdk.TrackPublicationOptions{
		Name:   l.config.AudioTrackName,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		audioTrack.Close()
		return fmt.Errorf("failed to publish audio track: %w", err)
	}

	l.mu.Lock()
	l.audioTrack = audioTrack
	l.mu.Unlock()

	l.logger.Info("audio track created and published",
		"name", l.config.AudioTrackName,
		"sampleRate", l.config.AudioSampleRate,
		"channels", l.config.AudioNumChannels,
		"trackSID", pub.SID(),
	)
	return nil
}

// handleRemoteTrack starts frame capture for subscribed video tracks.
// Audio input is not consumed.
func (l *LiveKitTransport) handleRemoteTrack(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	l.logger.Info("subscribed to track",
		"trackSID", pub.SID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
		"participant", rp.Identity(),
	)
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}

	vt := newVideoTrack(pub.SID(), track.Codec().MimeType, l.logger)
	l.trackSubscribed(rp.Identity(), pub.SID(), vt)

	read := func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}
	pli := func() { rp.WritePLI(track.SSRC()) }

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		vt.capture(l.ctx, read, pli, time.Duration(l.config.KeyframeIntervalMs)*time.Millisecond)
	}()
}

// handleUserPayload decodes a data packet and forwards the event.
func (l *LiveKitTransport) handleUserPayload(topic string, payload []byte, sender string) {
	if len(payload) == 0 || l.onEvent == nil {
		return
	}

	var (
		ev  *room.Event
		err error
	)
	switch topic {
	case ChatTopic:
		ev, err = protocol.DecodeChatPacket(payload, sender)
	case TranscriptionTopic:
		return
	default:
		ev, err = protocol.DecodeRoomEvent(payload)
	}
	if err != nil {
		l.logger.Debug("ignoring data packet", "topic", topic, "participant", sender, "error", err)
		return
	}
	l.onEvent(ev)
}

// Name implements core.Room.
func (l *LiveKitTransport) Name() string {
	l.mu.RLock()
	client := l.client
	l.mu.RUnlock()
	if client != nil && client.Name() != "" {
		return client.Name()
	}
	return l.config.Room
}

// ConnectionState implements core.Room.
func (l *LiveKitTransport) ConnectionState() core.ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *LiveKitTransport) setConnectionState(state core.ConnectionState) {
	l.mu.Lock()
	old := l.state
	l.state = state
	l.mu.Unlock()

	if old != state {
		l.logger.Debug("connection state changed", "from", old.String(), "to", state.String())
	}
}

// Cleanup closes the audio track, stops frame capture and leaves the room.
func (l *LiveKitTransport) Cleanup() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.cancel()

		l.mu.Lock()
		for _, p := range l.participants {
			for _, pub := range p.pubs {
				if pub.track != nil {
					pub.track.end()
				}
			}
		}
		// Close the audio track before disconnecting so it unpublishes cleanly
		if l.audioTrack != nil {
			l.audioTrack.Close()
			l.audioTrack = nil
		}
		client := l.client
		l.mu.Unlock()

		// Disconnecting unblocks the RTP readers
		if client != nil {
			client.Disconnect()
		}
		l.wg.Wait()

		l.setConnectionState(core.ConnectionStateDisconnected)
		l.logger.Info("left LiveKit room", "room", l.config.Room)
	})
	return nil
}

func trackKind(kind lksdk.TrackKind) core.TrackKind {
	if kind == lksdk.TrackKindVideo {
		return core.TrackKindVideo
	}
	return core.TrackKindAudio
}
