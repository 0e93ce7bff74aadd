package livekit

import (
	"context"
	"errors"
	"fmt"

	"alloy/core"
	"alloy/utils/audio"

	lksdk "github.com/livekit/server-sdk-go/v2"
)

var ErrNotConnected = errors.New("not connected")

// WriteAudio plays synthesized speech on the agent's audio track. Chunks
// are converted to the track's PCM layout first.
func (l *LiveKitTransport) WriteAudio(chunk core.AudioChunk) error {
	if !l.config.AudioEnabled || len(chunk.Data) == 0 {
		return nil
	}
	l.mu.RLock()
	track := l.audioTrack
	l.mu.RUnlock()
	if track == nil {
		return errors.New("audio track not initialized")
	}

	pcm, err := audio.ConvertAudioChunk(chunk, core.PCM, l.config.AudioNumChannels, l.config.AudioSampleRate)
	if err != nil {
		l.logger.Error("failed to convert audio chunk to PCM", "error", err)
		return err
	}
	if err := track.WriteSample(audio.PCMBytesToSamples(pcm.Data)); err != nil {
		return fmt.Errorf("failed to write audio sample: %w", err)
	}
	return nil
}

// Speak publishes the reply text on the transcription topic so clients
// can show what the agent says.
func (l *LiveKitTransport) Speak(ctx context.Context, text string) error {
	if !l.config.TranscriptionEnabled || text == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.publish([]byte(text), TranscriptionTopic)
}

// SetAgentState updates the lk.agent.* attributes LiveKit clients render.
func (l *LiveKitTransport) SetAgentState(state string) error {
	l.mu.RLock()
	client := l.client
	l.mu.RUnlock()
	if client == nil || client.LocalParticipant == nil {
		return ErrNotConnected
	}

	client.LocalParticipant.SetAttributes(map[string]string{
		"lk.agent.state": state,
		"lk.agent.name":  l.config.AgentName,
	})
	l.logger.Debug("set agent attributes", "name", l.config.AgentName, "state", state)
	return nil
}

func (l *LiveKitTransport) publish(payload []byte, topic string) error {
	l.mu.RLock()
	client := l.client
	l.mu.RUnlock()
	if client == nil || client.LocalParticipant == nil {
		return ErrNotConnected
	}
	return client.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(topic),
	)
}
