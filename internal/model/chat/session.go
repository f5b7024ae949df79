package chat

import "time"

// AuxTab holds one auxiliary agent's private history inside a session.
type AuxTab struct {
	ID       string `json:"id"`
	PresetID string `json:"presetId"`
	Messages Thread `json:"messages"`
}

// Session is one multi-agent conversation. MainMessages is shared by every
// main agent: user turns are stored once and each reply carries its
// agent's SenderID.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	MainPresetIDs  []string  `json:"mainPresetIds"`
	MainMessages   Thread    `json:"mainMessages"`
	AuxTabs        []AuxTab  `json:"auxTabs"`
	ActiveAuxTabID string    `json:"activeAuxTabId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Tab returns the aux tab with the given id.
func (s Session) Tab(id string) (AuxTab, bool) {
	for _, tab := range s.AuxTabs {
		if tab.ID == id {
			return tab, true
		}
	}
	return AuxTab{}, false
}

// WithTab returns a copy of s with tab replaced (matched by id) or appended.
func (s Session) WithTab(tab AuxTab) Session {
	tabs := make([]AuxTab, 0, len(s.AuxTabs)+1)
	replaced := false
	for _, existing := range s.AuxTabs {
		if existing.ID == tab.ID {
			tabs = append(tabs, tab)
			replaced = true
			continue
		}
		tabs = append(tabs, existing)
	}
	if !replaced {
		tabs = append(tabs, tab)
	}
	s.AuxTabs = tabs
	return s
}

// WithoutTab returns a copy of s without the tab. If it was active, the
// first remaining tab becomes active.
func (s Session) WithoutTab(id string) Session {
	tabs := make([]AuxTab, 0, len(s.AuxTabs))
	for _, existing := range s.AuxTabs {
		if existing.ID != id {
			tabs = append(tabs, existing)
		}
	}
	s.AuxTabs = tabs
	if s.ActiveAuxTabID == id {
		s.ActiveAuxTabID = ""
		if len(tabs) > 0 {
			s.ActiveAuxTabID = tabs[0].ID
		}
	}
	return s
}
