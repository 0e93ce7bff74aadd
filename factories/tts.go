package factories

import (
	"fmt"

	"alloy/core"
	deepgramtts "alloy/services/deepgram/tts"
)

// TTSFactoryConfig configures speech output. Disabled leaves replies as
// text only, which is how console sessions run.
type TTSFactoryConfig struct {
	Disabled bool                         `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Deepgram deepgramtts.DepgramTTSConfig `json:"deepgram" yaml:"deepgram"`
	// Encoding is linear16, mulaw or alaw.
	Encoding string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

func DefaultTTSFactoryConfig() TTSFactoryConfig {
	return TTSFactoryConfig{
		Deepgram: deepgramtts.DefaultConfig(),
		Encoding: core.PCM.String(),
	}
}

func parseEncoding(name string) (core.AudioEncodingFormat, error) {
	switch name {
	case "", "linear16", "pcm":
		return core.PCM, nil
	case "mulaw", "ulaw":
		return core.ULAW, nil
	case "alaw":
		return core.ALAW, nil
	default:
		return core.PCM, fmt.Errorf("tts: unsupported encoding %q", name)
	}
}

// BuildTTSService constructs the Deepgram synthesizer writing to output.
// It returns nil when speech output is disabled.
func BuildTTSService(config TTSFactoryConfig, output deepgramtts.AudioOutput, logger *core.Logger) (*deepgramtts.DepgramTTS, error) {
	if config.Disabled {
		return nil, nil
	}
	if config.Deepgram.APIKey == "" {
		return nil, fmt.Errorf("tts deepgram: %w", ErrMissingAPIKey)
	}
	enc, err := parseEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	cfg := config.Deepgram
	if cfg.Encoding != enc {
		cfg.Encoding = enc
		// the sample rate default depends on the encoding
		if config.Deepgram.SampleRate == deepgramtts.DefaultConfig().SampleRate && enc != core.PCM {
			cfg.SampleRate = 0
		}
	}
	return deepgramtts.NewDepgramTTS(cfg, output, logger), nil
}
