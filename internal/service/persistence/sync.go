package persistence

import (
	"context"
	"log"
	"time"

	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

// Sync moves the whole store to and from WebDAV using the credentials in
// the current settings, or fallback when the settings carry none.
type Sync struct {
	store    *store.Store
	webdav   *WebDAV
	fallback settings.WebDAVConfig
	now      func() time.Time
}

// NewSync wires a sync service.
func NewSync(st *store.Store, webdav *WebDAV, fallback settings.WebDAVConfig) *Sync {
	return &Sync{store: st, webdav: webdav, fallback: fallback, now: time.Now}
}

func (s *Sync) config(st store.State) *settings.WebDAVConfig {
	if st.Settings.WebDAV.Configured() {
		return st.Settings.WebDAV
	}
	cfg := s.fallback
	return &cfg
}

// Export returns the current state as a backup document.
func (s *Sync) Export() ([]byte, error) {
	return Export(s.store.Snapshot(), s.now()).Marshal()
}

// Import replaces the store state with a backup document.
func (s *Sync) Import(data []byte) (Backup, error) {
	b, err := Import(data)
	if err != nil {
		return Backup{}, err
	}
	s.store.Replace(b.State())
	log.Printf("[sync] imported backup exported at %s, sessions=%d", b.ExportedAt.Format(time.RFC3339), len(b.Sessions))
	return b, nil
}

// Push uploads the current state.
func (s *Sync) Push(ctx context.Context) error {
	st := s.store.Snapshot()
	data, err := Export(st, s.now()).Marshal()
	if err != nil {
		return err
	}
	if err := s.webdav.Push(ctx, s.config(st), data); err != nil {
		log.Printf("[sync] push failed: %v", err)
		return err
	}
	log.Printf("[sync] pushed %d bytes", len(data))
	return nil
}

// Pull downloads and applies the remote backup. The local state is left
// untouched unless the download and decode both succeed.
func (s *Sync) Pull(ctx context.Context) (Backup, error) {
	data, err := s.webdav.Pull(ctx, s.config(s.store.Snapshot()))
	if err != nil {
		log.Printf("[sync] pull failed: %v", err)
		return Backup{}, err
	}
	return s.Import(data)
}
