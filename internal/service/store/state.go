package store

import (
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
)

// State is one immutable snapshot of everything the studio owns. Mutations
// build a new State; slices inside a published State are never written.
type State struct {
	Sessions        []chat.Session          `json:"sessions"`
	ActiveSessionID string                  `json:"activeSessionId"`
	Presets         []preset.Preset         `json:"presets"`
	Templates       []preset.SystemTemplate `json:"templates"`
	SessionPresets  []preset.SessionPreset  `json:"sessionPresets"`
	Settings        settings.AppSettings    `json:"settings"`
}

// Defaults is the state of a fresh install.
func Defaults(catalog preset.Catalog, appSettings settings.AppSettings) State {
	return State{
		Sessions:       []chat.Session{},
		Presets:        catalog.Presets,
		Templates:      catalog.Templates,
		SessionPresets: catalog.SessionPresets,
		Settings:       appSettings,
	}
}

// Session returns the session with the given id.
func (s State) Session(id string) (chat.Session, bool) {
	for _, sess := range s.Sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return chat.Session{}, false
}

// WithSession returns a copy of s with sess replacing the session of the
// same id. Unknown ids are prepended.
func (s State) WithSession(sess chat.Session) State {
	sessions := make([]chat.Session, 0, len(s.Sessions)+1)
	replaced := false
	for _, existing := range s.Sessions {
		if existing.ID == sess.ID {
			sessions = append(sessions, sess)
			replaced = true
			continue
		}
		sessions = append(sessions, existing)
	}
	if !replaced {
		sessions = append([]chat.Session{sess}, sessions...)
	}
	s.Sessions = sessions
	return s
}

// WithoutSession drops a session. The next remaining session becomes active
// when the deleted one was.
func (s State) WithoutSession(id string) State {
	sessions := make([]chat.Session, 0, len(s.Sessions))
	for _, existing := range s.Sessions {
		if existing.ID != id {
			sessions = append(sessions, existing)
		}
	}
	s.Sessions = sessions
	if s.ActiveSessionID == id {
		s.ActiveSessionID = ""
		if len(sessions) > 0 {
			s.ActiveSessionID = sessions[0].ID
		}
	}
	return s
}

// Catalog groups the agent configuration part of the state.
func (s State) Catalog() preset.Catalog {
	return preset.Catalog{
		Presets:        s.Presets,
		Templates:      s.Templates,
		SessionPresets: s.SessionPresets,
	}
}

// Preset returns the preset with the given id.
func (s State) Preset(id string) (preset.Preset, bool) {
	return preset.Find(s.Presets, id)
}

func replaceOrAppend[T any](items []T, item T, same func(T) bool) []T {
	out := make([]T, 0, len(items)+1)
	replaced := false
	for _, existing := range items {
		if same(existing) {
			out = append(out, item)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, item)
	}
	return out
}

func removeWhere[T any](items []T, match func(T) bool) ([]T, bool) {
	out := make([]T, 0, len(items))
	removed := false
	for _, existing := range items {
		if match(existing) {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	return out, removed
}
