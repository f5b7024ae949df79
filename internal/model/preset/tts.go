package preset

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Provider names a speech backend.
type Provider string

const (
	ProviderGemini     Provider = "gemini"
	ProviderVolcengine Provider = "volcengine"
)

// TTSConfig is a tagged union keyed by Provider. Exactly one variant is set
// and it matches Provider.
type TTSConfig struct {
	Provider   Provider         `json:"provider" yaml:"provider"`
	AutoPlay   bool             `json:"autoplay,omitempty" yaml:"autoplay,omitempty"`
	Gemini     *GeminiVoice     `json:"gemini,omitempty" yaml:"gemini,omitempty"`
	Volcengine *VolcengineVoice `json:"volcengine,omitempty" yaml:"volcengine,omitempty"`
}

// GeminiVoice selects a prebuilt Gemini TTS voice.
type GeminiVoice struct {
	Voice string `json:"voice" yaml:"voice"`
}

// VolcengineVoice selects a Volcengine speaker. Zero speed/volume use the
// server defaults.
type VolcengineVoice struct {
	Voice  string  `json:"voice" yaml:"voice"`
	Speed  float32 `json:"speed,omitempty" yaml:"speed,omitempty"`
	Volume float32 `json:"volume,omitempty" yaml:"volume,omitempty"`
}

// NewGeminiTTS builds a validated Gemini variant.
func NewGeminiTTS(voice string, autoplay bool) (*TTSConfig, error) {
	cfg := &TTSConfig{Provider: ProviderGemini, AutoPlay: autoplay, Gemini: &GeminiVoice{Voice: voice}}
	return cfg, cfg.Validate()
}

// NewVolcengineTTS builds a validated Volcengine variant.
func NewVolcengineTTS(v VolcengineVoice, autoplay bool) (*TTSConfig, error) {
	cfg := &TTSConfig{Provider: ProviderVolcengine, AutoPlay: autoplay, Volcengine: &v}
	return cfg, cfg.Validate()
}

// Voice returns the voice id of whichever variant is set.
func (c *TTSConfig) Voice() string {
	if c == nil {
		return ""
	}
	switch c.Provider {
	case ProviderGemini:
		if c.Gemini != nil {
			return c.Gemini.Voice
		}
	case ProviderVolcengine:
		if c.Volcengine != nil {
			return c.Volcengine.Voice
		}
	}
	return ""
}

// Validate enforces the union: the variant for Provider is present, carries
// a voice, and no other variant is set.
func (c *TTSConfig) Validate() error {
	if c == nil {
		return errors.New("tts config is nil")
	}
	switch c.Provider {
	case ProviderGemini:
		if c.Gemini == nil || strings.TrimSpace(c.Gemini.Voice) == "" {
			return errors.New("gemini tts requires a voice")
		}
		if c.Volcengine != nil {
			return errors.New("gemini tts must not carry volcengine settings")
		}
	case ProviderVolcengine:
		if c.Volcengine == nil || strings.TrimSpace(c.Volcengine.Voice) == "" {
			return errors.New("volcengine tts requires a voice")
		}
		if c.Gemini != nil {
			return errors.New("volcengine tts must not carry gemini settings")
		}
		if c.Volcengine.Speed < 0 || c.Volcengine.Speed > 2 {
			return fmt.Errorf("volcengine speed %.2f out of range", c.Volcengine.Speed)
		}
	default:
		return fmt.Errorf("unknown tts provider %q", c.Provider)
	}
	return nil
}

// UnmarshalJSON rejects configs that do not form a valid variant.
func (c *TTSConfig) UnmarshalJSON(data []byte) error {
	type raw TTSConfig
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	cfg := TTSConfig(r)
	if err := cfg.Validate(); err != nil {
		return err
	}
	*c = cfg
	return nil
}
