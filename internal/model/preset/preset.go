package preset

import (
	"errors"
	"fmt"
	"strings"
)

// AgentType separates conversational agents from observers.
type AgentType string

const (
	TypeMain AgentType = "main"
	TypeAux  AgentType = "aux"
)

// Preset configures one agent. It is read-only while a call is streaming.
type Preset struct {
	ID               string     `json:"id" yaml:"id"`
	Title            string     `json:"title" yaml:"title"`
	Type             AgentType  `json:"type" yaml:"type"`
	SystemTemplateID string     `json:"systemTemplateId,omitempty" yaml:"systemTemplateId,omitempty"`
	SystemPrompt     string     `json:"systemPrompt" yaml:"systemPrompt"`
	SharedPrompt     string     `json:"sharedPrompt,omitempty" yaml:"sharedPrompt,omitempty"`
	TTS              *TTSConfig `json:"ttsConfig,omitempty" yaml:"ttsConfig,omitempty"`
	AutoTrigger      bool       `json:"autoTrigger,omitempty" yaml:"autoTrigger,omitempty"`
}

// Validate checks the fields that depend on the agent type.
func (p Preset) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("preset id is required")
	}
	switch p.Type {
	case TypeMain:
		if p.AutoTrigger {
			return fmt.Errorf("preset %s: autoTrigger is only valid for aux agents", p.ID)
		}
	case TypeAux:
		if p.SharedPrompt != "" {
			return fmt.Errorf("preset %s: sharedPrompt is only valid for main agents", p.ID)
		}
	default:
		return fmt.Errorf("preset %s: unknown type %q", p.ID, p.Type)
	}
	if p.TTS != nil {
		if err := p.TTS.Validate(); err != nil {
			return fmt.Errorf("preset %s: %w", p.ID, err)
		}
	}
	return nil
}

// SessionPreset is a template for new sessions.
type SessionPreset struct {
	ID                  string   `json:"id" yaml:"id"`
	Title               string   `json:"title" yaml:"title"`
	MainPresetIDs       []string `json:"mainPresetIds" yaml:"mainPresetIds"`
	DefaultAuxPresetIDs []string `json:"defaultAuxPresetIds" yaml:"defaultAuxPresetIds"`
}

// SystemTemplate is a reusable instruction block shared by presets.
type SystemTemplate struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
}

// Find returns the preset with the given id.
func Find(presets []Preset, id string) (Preset, bool) {
	for _, p := range presets {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}

// FindTemplate returns the template with the given id.
func FindTemplate(templates []SystemTemplate, id string) (SystemTemplate, bool) {
	if id == "" {
		return SystemTemplate{}, false
	}
	for _, t := range templates {
		if t.ID == id {
			return t, true
		}
	}
	return SystemTemplate{}, false
}
