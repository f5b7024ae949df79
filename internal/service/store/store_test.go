package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
)

type memoryEntries struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes map[string]int
	fail   error
}

func newMemoryEntries() *memoryEntries {
	return &memoryEntries{data: make(map[string][]byte), writes: make(map[string]int)}
}

func (m *memoryEntries) LoadEntry(ctx context.Context, name string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[name]
	return data, ok, nil
}

func (m *memoryEntries) SaveEntry(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.data[name] = data
	m.writes[name]++
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(Defaults(preset.Seed(), settings.Defaults("", nil, "key")))
}

func TestCreateSessionFromSessionPreset(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession(NewSession{SessionPresetID: "cafe-practice"})
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if sess.Title != "Café practice" {
		t.Fatalf("unexpected title %q", sess.Title)
	}
	if len(sess.MainPresetIDs) != 2 || sess.MainPresetIDs[0] != "tutor" {
		t.Fatalf("unexpected main presets %v", sess.MainPresetIDs)
	}
	if len(sess.AuxTabs) != 2 || sess.ActiveAuxTabID != sess.AuxTabs[0].ID {
		t.Fatalf("unexpected aux tabs %+v", sess.AuxTabs)
	}
	if got := s.Snapshot().ActiveSessionID; got != sess.ID {
		t.Fatalf("new session not active: %s", got)
	}
}

func TestCreateSessionRejectsUnknownPreset(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateSession(NewSession{SessionPresetID: "missing"}); !errors.Is(err, apperr.ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound, got %v", err)
	}
	if _, err := s.CreateSession(NewSession{MainPresetIDs: []string{"grammar-coach"}}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for aux preset as main, got %v", err)
	}
	if len(s.Snapshot().Sessions) != 0 {
		t.Fatal("failed create must not change state")
	}
}

func TestConcurrentMergesAreNotLost(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateSession(NewSession{SessionPresetID: "cafe-practice"})
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			for _, text := range []string{"a", "ab", "abc"} {
				s.ApplyMerge(MergeEvent{SessionID: sess.ID, Message: chat.Message{ID: id, Role: chat.RoleModel, Text: text}})
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.Snapshot().Session(sess.ID)
	if got.MainMessages.Len() != writers {
		t.Fatalf("expected %d messages, got %d", writers, got.MainMessages.Len())
	}
	for _, msg := range got.MainMessages.Messages() {
		if msg.Text != "abc" {
			t.Fatalf("message %s ended with %q", msg.ID, msg.Text)
		}
	}
}

func TestMergeIntoRemovedTargetIsDropped(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession(NewSession{SessionPresetID: "cafe-practice"})
	tabID := sess.AuxTabs[0].ID

	if err := s.RemoveAuxTab(sess.ID, tabID); err != nil {
		t.Fatalf("RemoveAuxTab err: %v", err)
	}
	if s.ApplyMerge(MergeEvent{SessionID: sess.ID, TabID: tabID, Message: chat.Message{ID: "late"}}) {
		t.Fatal("merge into removed tab should be dropped")
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	if s.ApplyMerge(MergeEvent{SessionID: sess.ID, Message: chat.Message{ID: "late"}}) {
		t.Fatal("merge into removed session should be dropped")
	}
}

func TestDeleteSessionRunsHooksAndMovesActive(t *testing.T) {
	s := newTestStore(t)
	first, _ := s.CreateSession(NewSession{Title: "one"})
	second, _ := s.CreateSession(NewSession{Title: "two"})

	var purged []string
	s.OnSessionDeleted(func(id string) { purged = append(purged, id) })

	if err := s.DeleteSession(second.ID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	if len(purged) != 1 || purged[0] != second.ID {
		t.Fatalf("hook not called with deleted id: %v", purged)
	}
	if got := s.Snapshot().ActiveSessionID; got != first.ID {
		t.Fatalf("expected %s active, got %s", first.ID, got)
	}
	if err := s.DeleteSession(second.ID); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestReplaceRunsHooksForDroppedSessions(t *testing.T) {
	s := newTestStore(t)
	kept, _ := s.CreateSession(NewSession{Title: "kept"})
	dropped, _ := s.CreateSession(NewSession{Title: "dropped"})

	var purged []string
	s.OnSessionDeleted(func(id string) { purged = append(purged, id) })

	next := s.Snapshot()
	next.Sessions = []chat.Session{kept}
	next.ActiveSessionID = kept.ID
	s.Replace(next)

	if len(purged) != 1 || purged[0] != dropped.ID {
		t.Fatalf("expected hook for %s only, got %v", dropped.ID, purged)
	}
	if _, ok := s.Snapshot().Session(dropped.ID); ok {
		t.Fatal("dropped session still present")
	}
}

func TestSubscribeReceivesMessageEvents(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession(NewSession{Title: "one"})

	events, cancel := s.Subscribe()
	defer cancel()

	s.ApplyMerge(MergeEvent{SessionID: sess.ID, Message: chat.Message{ID: "m1", Text: "hi"}})

	ev := <-events
	if ev.Type != EventMessage || ev.SessionID != sess.ID || ev.Message == nil || ev.Message.ID != "m1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestOpenFallsBackPerEntry(t *testing.T) {
	entries := newMemoryEntries()
	entries.data[EntrySessions] = []byte(`{not json`)
	entries.data[EntrySettings] = []byte(`{"model":"gemini-2.5-pro","temperature":0.2,"theme":"light"}`)

	defaults := Defaults(preset.Seed(), settings.Defaults("", nil, "default-key"))
	s := Open(context.Background(), entries, defaults)
	st := s.Snapshot()

	if len(st.Sessions) != 0 {
		t.Fatalf("corrupt sessions should fall back to empty, got %d", len(st.Sessions))
	}
	if st.Settings.Model != "gemini-2.5-pro" || st.Settings.Theme != "light" {
		t.Fatalf("settings not loaded: %+v", st.Settings)
	}
	if st.Settings.APIKey != "" {
		t.Fatalf("saved settings without a key must stay without one, got %q", st.Settings.APIKey)
	}
	if len(st.Presets) != len(preset.Seed().Presets) {
		t.Fatalf("missing presets should use seed")
	}
}

func TestFlushWritesOnlyChangedEntries(t *testing.T) {
	ctx := context.Background()
	entries := newMemoryEntries()
	s := Open(ctx, entries, Defaults(preset.Seed(), settings.Defaults("", nil, "")))

	if err := s.Flush(ctx, entries); err != nil {
		t.Fatalf("first Flush err: %v", err)
	}
	for _, name := range EntryNames {
		if entries.writes[name] != 1 {
			t.Fatalf("entry %s written %d times on first flush", name, entries.writes[name])
		}
	}

	if _, err := s.CreateSession(NewSession{Title: "one"}); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if err := s.Flush(ctx, entries); err != nil {
		t.Fatalf("second Flush err: %v", err)
	}
	if entries.writes[EntrySessions] != 2 || entries.writes[EntryActiveSessionID] != 2 {
		t.Fatalf("changed entries not rewritten: %v", entries.writes)
	}
	if entries.writes[EntryPresets] != 1 || entries.writes[EntrySettings] != 1 {
		t.Fatalf("unchanged entries rewritten: %v", entries.writes)
	}
}

func TestFlushFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	entries := newMemoryEntries()
	entries.fail = errors.New("disk full")
	s := Open(ctx, entries, Defaults(preset.Seed(), settings.Defaults("", nil, "")))

	err := s.Flush(ctx, entries)
	if apperr.KindOf(err) != apperr.KindStorage {
		t.Fatalf("expected storage error, got %v", err)
	}

	entries.fail = nil
	if err := s.Flush(ctx, entries); err != nil {
		t.Fatalf("retry Flush err: %v", err)
	}
	if entries.writes[EntrySettings] != 1 {
		t.Fatalf("settings not written on retry")
	}
}
