package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

// BackupVersion is written into every exported document.
const BackupVersion = 1

// Backup is the cloud/export document: every locally persisted entry.
type Backup struct {
	Version         int                     `json:"version"`
	ExportedAt      time.Time               `json:"exportedAt"`
	Sessions        []chat.Session          `json:"sessions"`
	ActiveSessionID string                  `json:"activeSessionId"`
	Presets         []preset.Preset         `json:"presets"`
	Templates       []preset.SystemTemplate `json:"templates"`
	SessionPresets  []preset.SessionPreset  `json:"sessionPresets"`
	Settings        settings.AppSettings    `json:"settings"`
}

// Export snapshots st into a document.
func Export(st store.State, now time.Time) Backup {
	return Backup{
		Version:         BackupVersion,
		ExportedAt:      now.UTC(),
		Sessions:        st.Sessions,
		ActiveSessionID: st.ActiveSessionID,
		Presets:         st.Presets,
		Templates:       st.Templates,
		SessionPresets:  st.SessionPresets,
		Settings:        st.Settings,
	}
}

// Marshal encodes the document as indented JSON.
func (b Backup) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// State converts the document back into store state. The active id falls
// back to the first session when it does not resolve.
func (b Backup) State() store.State {
	st := store.State{
		Sessions:        b.Sessions,
		ActiveSessionID: b.ActiveSessionID,
		Presets:         b.Presets,
		Templates:       b.Templates,
		SessionPresets:  b.SessionPresets,
		Settings:        b.Settings,
	}
	if st.Sessions == nil {
		st.Sessions = []chat.Session{}
	}
	if _, ok := st.Session(st.ActiveSessionID); !ok {
		st.ActiveSessionID = ""
		if len(st.Sessions) > 0 {
			st.ActiveSessionID = st.Sessions[0].ID
		}
	}
	return st
}

// Import decodes a backup document. Hand-edited files with syntax damage
// (trailing commas, missing quotes) are repaired before decoding.
func Import(data []byte) (Backup, error) {
	var b Backup
	err := json.Unmarshal(data, &b)
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		fixed, repairErr := jsonrepair.JSONRepair(string(data))
		if repairErr != nil {
			return Backup{}, apperr.New(apperr.KindValidation, "import", err)
		}
		err = json.Unmarshal([]byte(fixed), &b)
	}
	if err != nil {
		return Backup{}, apperr.New(apperr.KindValidation, "import", err)
	}
	if b.Version > BackupVersion {
		return Backup{}, apperr.Errorf(apperr.KindValidation, "import", "backup version %d is newer than supported %d", b.Version, BackupVersion)
	}
	for _, p := range b.Presets {
		if err := p.Validate(); err != nil {
			return Backup{}, apperr.New(apperr.KindValidation, "import", fmt.Errorf("invalid preset: %w", err))
		}
	}
	return b, nil
}
