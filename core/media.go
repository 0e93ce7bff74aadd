package core

import "time"

type AudioEncodingFormat int

const (
	PCM  AudioEncodingFormat = iota // 16-bit little-endian linear PCM.
	ULAW                            // G.711 μ-law.
	ALAW                            // G.711 A-law.
)

func (f AudioEncodingFormat) String() string {
	switch f {
	case ULAW:
		return "mulaw"
	case ALAW:
		return "alaw"
	default:
		return "linear16"
	}
}

type AudioChunk struct {
	Data       []byte              // Raw audio data.
	SampleRate int                 // Sample rate of the audio data.
	Channels   int                 // Number of audio channels.
	Format     AudioEncodingFormat // Encoding format of the audio data.
}

// Duration assumes 16-bit PCM samples.
func (ac AudioChunk) Duration() time.Duration {
	if ac.SampleRate == 0 || ac.Channels == 0 {
		return 0
	}
	samples := len(ac.Data) / (2 * ac.Channels)
	return time.Duration(samples) * time.Second / time.Duration(ac.SampleRate)
}

type FrameMediaType string

const (
	FrameMediaTypeJPEG FrameMediaType = "image/jpeg"
	FrameMediaTypePNG  FrameMediaType = "image/png"
	FrameMediaTypeVP8  FrameMediaType = "video/vp8"
	FrameMediaTypeH264 FrameMediaType = "video/h264"
)

// VideoFrame is the most recent picture captured from a remote video track.
type VideoFrame struct {
	Data       []byte
	MediaType  FrameMediaType
	Width      int
	Height     int
	TrackSID   string
	CapturedAt time.Time
}
