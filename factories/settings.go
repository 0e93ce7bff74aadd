package factories

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"alloy/transports/livekit"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// BridgeConfig enables the WebSocket event bridge.
type BridgeConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

type LoggingConfig struct {
	// Format is "console" or "json".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	Debug  bool   `json:"debug,omitempty" yaml:"debug,omitempty"`
	// SessionDir, when set, receives one .jsonl file per session.
	SessionDir string `json:"session_dir,omitempty" yaml:"session_dir,omitempty"`
}

// SettingsConfig is the top-level config loaded from settings.json or
// settings.yaml. Secrets can be left out and injected from the environment
// with InjectEnv.
type SettingsConfig struct {
	LiveKit livekit.Config   `json:"livekit" yaml:"livekit"`
	LLM     LLMFactoryConfig `json:"llm" yaml:"llm"`
	TTS     TTSFactoryConfig `json:"tts" yaml:"tts"`
	Session SessionConfig    `json:"session" yaml:"session"`
	Metrics MetricsConfig    `json:"metrics" yaml:"metrics"`
	Bridge  BridgeConfig     `json:"bridge" yaml:"bridge"`
	Logging LoggingConfig    `json:"logging" yaml:"logging"`
}

// DefaultSettingsConfig returns a SettingsConfig pre-filled with defaults.
func DefaultSettingsConfig() SettingsConfig {
	return SettingsConfig{
		LiveKit: livekit.DefaultConfig(),
		LLM:     DefaultLLMFactoryConfig(),
		TTS:     DefaultTTSFactoryConfig(),
		Session: DefaultSessionConfig(),
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090", Namespace: "alloy"},
		Bridge:  BridgeConfig{Addr: ":19304"},
		Logging: LoggingConfig{Format: "console"},
	}
}

// SettingsConfigFromJSON overlays a JSON blob on the defaults.
func SettingsConfigFromJSON(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

// SettingsConfigFromYAML overlays a YAML document on the defaults.
func SettingsConfigFromYAML(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

// SettingsConfigFromFile reads a settings file, picking the decoder from
// its extension.
func SettingsConfigFromFile(path string) (SettingsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSettingsConfig(), fmt.Errorf("settings: read %q: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return SettingsConfigFromYAML(data)
	default:
		return SettingsConfigFromJSON(data)
	}
}

// SettingsConfigFromBase64 decodes base64 encoded JSON, as passed through
// SETTINGS_JSON_B64.
func SettingsConfigFromBase64(encoded string) (SettingsConfig, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: decode base64: %w", err)
	}
	return SettingsConfigFromJSON(data)
}

// LoadSettings resolves settings from SETTINGS_JSON_B64, then path, then
// defaults when path does not exist. Secrets are injected from getenv.
func LoadSettings(path string, getenv func(string) string) (SettingsConfig, error) {
	var (
		cfg SettingsConfig
		err error
	)
	switch {
	case getenv("SETTINGS_JSON_B64") != "":
		cfg, err = SettingsConfigFromBase64(getenv("SETTINGS_JSON_B64"))
	case path != "":
		cfg, err = SettingsConfigFromFile(path)
		if errors.Is(err, os.ErrNotExist) {
			cfg, err = DefaultSettingsConfig(), nil
		}
	default:
		cfg = DefaultSettingsConfig()
	}
	if err != nil {
		return SettingsConfig{}, err
	}
	cfg.InjectEnv(getenv)
	return cfg, nil
}

// InjectEnv fills secrets that are empty in the file from the environment.
func (c *SettingsConfig) InjectEnv(getenv func(string) string) {
	setIfEmpty := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	setIfEmpty(&c.LiveKit.URL, "LIVEKIT_URL")
	setIfEmpty(&c.LiveKit.APIKey, "LIVEKIT_API_KEY")
	setIfEmpty(&c.LiveKit.APISecret, "LIVEKIT_API_SECRET")
	setIfEmpty(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	setIfEmpty(&c.TTS.Deepgram.APIKey, "DEEPGRAM_API_KEY")
}

// Validate checks the credentials a LiveKit session needs.
func (c SettingsConfig) Validate() error {
	var errs []error
	if c.LLM.OpenAI.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm: %w", ErrMissingAPIKey))
	}
	if !c.TTS.Disabled && c.TTS.Deepgram.APIKey == "" {
		errs = append(errs, fmt.Errorf("tts: %w", ErrMissingAPIKey))
	}
	if c.LiveKit.URL == "" {
		errs = append(errs, errors.New("livekit: url is required"))
	}
	if c.LiveKit.Token == "" && (c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "") {
		errs = append(errs, fmt.Errorf("livekit: %w", ErrMissingAPIKey))
	}
	return errors.Join(errs...)
}
