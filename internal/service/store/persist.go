package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
)

// Names of the independently persisted entries.
const (
	EntrySessions        = "sessions"
	EntryActiveSessionID = "activeSessionId"
	EntryPresets         = "presets"
	EntryTemplates       = "templates"
	EntrySessionPresets  = "sessionPresets"
	EntrySettings        = "settings"
)

// EntryNames lists every persisted entry in write order.
var EntryNames = []string{
	EntrySessions,
	EntryActiveSessionID,
	EntryPresets,
	EntryTemplates,
	EntrySessionPresets,
	EntrySettings,
}

// EntryStore reads and writes raw entry documents.
type EntryStore interface {
	LoadEntry(ctx context.Context, name string) (data []byte, found bool, err error)
	SaveEntry(ctx context.Context, name string, data []byte) error
}

// Open loads every entry from entries, substituting the matching field of
// defaults for any entry that is missing or unreadable, and returns a store
// that knows which entries are already on disk.
func Open(ctx context.Context, entries EntryStore, defaults State) *Store {
	st := defaults
	loaded := make(map[string][]byte)

	loadEntry(ctx, entries, EntrySessions, &st.Sessions, loaded)
	loadEntry(ctx, entries, EntryActiveSessionID, &st.ActiveSessionID, loaded)
	loadEntry(ctx, entries, EntryPresets, &st.Presets, loaded)
	loadEntry(ctx, entries, EntryTemplates, &st.Templates, loaded)
	loadEntry(ctx, entries, EntrySessionPresets, &st.SessionPresets, loaded)
	loadEntry(ctx, entries, EntrySettings, &st.Settings, loaded)

	if st.Sessions == nil {
		st.Sessions = []chat.Session{}
	}
	if _, ok := st.Session(st.ActiveSessionID); !ok {
		st.ActiveSessionID = ""
		if len(st.Sessions) > 0 {
			st.ActiveSessionID = st.Sessions[0].ID
		}
	}
	if st.Settings.Model == "" {
		st.Settings.Model = defaults.Settings.Model
	}

	s := New(st)
	for name, data := range loaded {
		s.lastPersisted[name] = data
	}
	return s
}

func loadEntry[T any](ctx context.Context, entries EntryStore, name string, dst *T, loaded map[string][]byte) {
	data, found, err := entries.LoadEntry(ctx, name)
	if err != nil {
		log.Printf("[store] %v, using default", apperr.Storage("load "+name, err))
		return
	}
	if !found {
		return
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		log.Printf("[store] entry %s is corrupt, using default: %v", name, err)
		return
	}
	*dst = value
	loaded[name] = data
}

func encodeEntries(st State) (map[string][]byte, error) {
	values := map[string]any{
		EntrySessions:        st.Sessions,
		EntryActiveSessionID: st.ActiveSessionID,
		EntryPresets:         st.Presets,
		EntryTemplates:       st.Templates,
		EntrySessionPresets:  st.SessionPresets,
		EntrySettings:        st.Settings,
	}

	encoded := make(map[string][]byte, len(values))
	for name, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		encoded[name] = data
	}
	return encoded, nil
}

// Flush writes every entry whose encoding differs from the last successful
// write. Failed entries are retried on the next flush.
func (s *Store) Flush(ctx context.Context, entries EntryStore) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	encoded, err := encodeEntries(s.Snapshot())
	if err != nil {
		return apperr.Storage("flush", err)
	}

	var errs []error
	for _, name := range EntryNames {
		data := encoded[name]
		if bytes.Equal(s.lastPersisted[name], data) {
			continue
		}
		if err := entries.SaveEntry(ctx, name, data); err != nil {
			errs = append(errs, apperr.Storage("save "+name, err))
			continue
		}
		s.lastPersisted[name] = data
	}
	return errors.Join(errs...)
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Run flushes changes to entries until ctx is done. Bursts of updates, such
// as streamed deltas, are coalesced into one flush per delay.
func (s *Store) Run(ctx context.Context, entries EntryStore, delay time.Duration) {
	for {
		select {
		case <-ctx.Done():
			s.finalFlush(entries)
			return
		case <-s.dirty:
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.finalFlush(entries)
			return
		case <-timer.C:
		}

		if err := s.Flush(ctx, entries); err != nil {
			log.Printf("[store] flush failed: %v", err)
		}
	}
}

func (s *Store) finalFlush(entries EntryStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx, entries); err != nil {
		log.Printf("[store] final flush failed: %v", err)
	}
}
