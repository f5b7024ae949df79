package preset

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Catalog is the full set of agent configuration objects.
type Catalog struct {
	Presets        []Preset         `json:"presets" yaml:"presets"`
	Templates      []SystemTemplate `json:"templates" yaml:"templates"`
	SessionPresets []SessionPreset  `json:"sessionPresets" yaml:"sessionPresets"`
}

// Seed provides the default catalog used on first start: a German practice
// scenario with two main agents and two observers.
func Seed() Catalog {
	return Catalog{
		Templates: []SystemTemplate{
			{
				ID:      "tpl-language-partner",
				Title:   "Language partner",
				Content: "You are a patient conversation partner for a language learner. Keep replies short, natural and in the target language unless asked otherwise.",
			},
			{
				ID:      "tpl-analyst",
				Title:   "Conversation analyst",
				Content: "You observe a conversation between a learner and one or more AI partners. You never take part in it; you only comment on it.",
			},
		},
		Presets: []Preset{
			{
				ID:               "tutor",
				Title:            "Tutor",
				Type:             TypeMain,
				SystemTemplateID: "tpl-language-partner",
				SystemPrompt:     "You are a friendly German tutor. Gently rephrase the learner's mistakes inside your answer.",
				SharedPrompt:     "Scenario: the learner is ordering food in a Berlin café.",
				TTS:              &TTSConfig{Provider: ProviderGemini, Gemini: &GeminiVoice{Voice: "Kore"}},
			},
			{
				ID:               "examiner",
				Title:            "Examiner",
				Type:             TypeMain,
				SystemTemplateID: "tpl-language-partner",
				SystemPrompt:     "You are a strict Goethe-Institut examiner. Ask one follow-up question per turn.",
				SharedPrompt:     "Scenario: the learner is ordering food in a Berlin café.",
				TTS:              &TTSConfig{Provider: ProviderGemini, Gemini: &GeminiVoice{Voice: "Puck"}},
			},
			{
				ID:               "grammar-coach",
				Title:            "Grammar Coach",
				Type:             TypeAux,
				SystemTemplateID: "tpl-analyst",
				SystemPrompt:     "List every grammar mistake in the learner's latest message with a corrected version and a one-line rule.",
				AutoTrigger:      true,
			},
			{
				ID:               "vocabulary",
				Title:            "Vocabulary",
				Type:             TypeAux,
				SystemTemplateID: "tpl-analyst",
				SystemPrompt:     "Extract up to five useful words or phrases from the latest exchange with translations.",
			},
		},
		SessionPresets: []SessionPreset{
			{
				ID:                  "cafe-practice",
				Title:               "Café practice",
				MainPresetIDs:       []string{"tutor", "examiner"},
				DefaultAuxPresetIDs: []string{"grammar-coach", "vocabulary"},
			},
		},
	}
}

// LoadSeedFile reads a YAML catalog, validating every preset.
func LoadSeedFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read seed file: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for _, p := range catalog.Presets {
		if err := p.Validate(); err != nil {
			return Catalog{}, fmt.Errorf("seed file %s: %w", path, err)
		}
	}
	return catalog, nil
}
