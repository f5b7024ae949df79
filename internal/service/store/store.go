// Package store owns the studio state. Every change replaces the whole
// snapshot through Update, which is serialized, so concurrent stream merges
// always build on the latest snapshot.
package store

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
)

// EventType names what changed.
type EventType string

const (
	EventState          EventType = "state"
	EventSession        EventType = "session"
	EventSessionDeleted EventType = "session_deleted"
	EventMessage        EventType = "message"
	EventCatalog        EventType = "catalog"
	EventSettings       EventType = "settings"
)

// Event is broadcast to subscribers after a snapshot is published.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"sessionId,omitempty"`
	TabID     string        `json:"tabId,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
}

// MergeEvent targets one message in a session's main thread (TabID empty)
// or in one aux tab.
type MergeEvent struct {
	SessionID string
	TabID     string
	Message   chat.Message
}

// Store holds the current snapshot.
type Store struct {
	mu    sync.Mutex
	state atomic.Pointer[State]

	subMu sync.Mutex
	subs  map[int]chan Event
	subID int

	hookMu        sync.Mutex
	onDeleteHooks []func(sessionID string)

	dirty         chan struct{}
	persistMu     sync.Mutex
	lastPersisted map[string][]byte

	newID func() string
	now   func() time.Time
}

// New creates a store holding initial.
func New(initial State) *Store {
	s := &Store{
		subs:          make(map[int]chan Event),
		dirty:         make(chan struct{}, 1),
		lastPersisted: make(map[string][]byte),
		newID:         uuid.NewString,
		now:           time.Now,
	}
	s.state.Store(&initial)
	return s
}

// Snapshot returns the latest published state.
func (s *Store) Snapshot() State {
	return *s.state.Load()
}

// Update applies fn to the latest snapshot and publishes the result. fn
// must not mutate its argument in place. If fn fails nothing changes.
func (s *Store) Update(fn func(State) (State, error)) (State, error) {
	return s.update(fn, Event{Type: EventState})
}

func (s *Store) update(fn func(State) (State, error), ev Event) (State, error) {
	s.mu.Lock()
	next, err := fn(*s.state.Load())
	if err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	s.state.Store(&next)
	s.mu.Unlock()

	s.markDirty()
	s.publish(ev)
	return next, nil
}

// Replace swaps in a whole state, as after a backup import or pull.
// Sessions missing from next go through the delete hooks.
func (s *Store) Replace(next State) {
	if next.Sessions == nil {
		next.Sessions = []chat.Session{}
	}
	var dropped []string
	s.update(func(prev State) (State, error) {
		for _, sess := range prev.Sessions {
			if _, ok := next.Session(sess.ID); !ok {
				dropped = append(dropped, sess.ID)
			}
		}
		return next, nil
	}, Event{Type: EventState})

	for _, id := range dropped {
		s.runDeleteHooks(id)
	}
}

// Subscribe registers for events. Slow subscribers miss events rather than
// block writers. Call the returned func to unsubscribe.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.subID
	s.subID++
	ch := make(chan Event, 64)
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// OnSessionDeleted registers fn to run after a session is removed, for
// stores keyed by session id.
func (s *Store) OnSessionDeleted(fn func(sessionID string)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onDeleteHooks = append(s.onDeleteHooks, fn)
}

// NewSession describes a session to create. A SessionPresetID fills in
// agents and default aux tabs; MainPresetIDs, if given, wins.
type NewSession struct {
	Title           string   `json:"title"`
	SessionPresetID string   `json:"sessionPresetId"`
	MainPresetIDs   []string `json:"mainPresetIds"`
}

// CreateSession adds a session and makes it active.
func (s *Store) CreateSession(req NewSession) (chat.Session, error) {
	var created chat.Session
	id := s.newID()
	_, err := s.update(func(st State) (State, error) {
		sess := chat.Session{
			ID:        id,
			Title:     strings.TrimSpace(req.Title),
			CreatedAt: s.now(),
		}

		var auxPresetIDs []string
		if req.SessionPresetID != "" {
			sp, ok := findSessionPreset(st.SessionPresets, req.SessionPresetID)
			if !ok {
				return State{}, apperr.ErrPresetNotFound
			}
			sess.MainPresetIDs = append([]string(nil), sp.MainPresetIDs...)
			auxPresetIDs = sp.DefaultAuxPresetIDs
			if sess.Title == "" {
				sess.Title = sp.Title
			}
		}
		if len(req.MainPresetIDs) > 0 {
			sess.MainPresetIDs = append([]string(nil), req.MainPresetIDs...)
		}
		for _, presetID := range sess.MainPresetIDs {
			p, ok := st.Preset(presetID)
			if !ok || p.Type != preset.TypeMain {
				return State{}, apperr.Errorf(apperr.KindValidation, "create session", "%s is not a main preset", presetID)
			}
		}
		if sess.Title == "" {
			sess.Title = "New Session"
		}

		for _, presetID := range auxPresetIDs {
			p, ok := st.Preset(presetID)
			if !ok || p.Type != preset.TypeAux {
				log.Printf("[store] skip default aux preset %s for session %s", presetID, sess.ID)
				continue
			}
			sess.AuxTabs = append(sess.AuxTabs, chat.AuxTab{ID: s.newID(), PresetID: presetID})
		}
		if len(sess.AuxTabs) > 0 {
			sess.ActiveAuxTabID = sess.AuxTabs[0].ID
		}

		created = sess
		st = st.WithSession(sess)
		st.ActiveSessionID = sess.ID
		return st, nil
	}, Event{Type: EventSession, SessionID: id})
	if err != nil {
		return chat.Session{}, err
	}
	return created, nil
}

// DeleteSession removes a session and then runs the delete hooks.
func (s *Store) DeleteSession(id string) error {
	_, err := s.update(func(st State) (State, error) {
		if _, ok := st.Session(id); !ok {
			return State{}, apperr.ErrSessionNotFound
		}
		return st.WithoutSession(id), nil
	}, Event{Type: EventSessionDeleted, SessionID: id})
	if err != nil {
		return err
	}
	s.runDeleteHooks(id)
	return nil
}

func (s *Store) runDeleteHooks(sessionID string) {
	s.hookMu.Lock()
	hooks := append([]func(string){}, s.onDeleteHooks...)
	s.hookMu.Unlock()
	for _, hook := range hooks {
		hook(sessionID)
	}
}

// SetActiveSession selects the session shown by the UI.
func (s *Store) SetActiveSession(id string) error {
	_, err := s.update(func(st State) (State, error) {
		if _, ok := st.Session(id); !ok {
			return State{}, apperr.ErrSessionNotFound
		}
		st.ActiveSessionID = id
		return st, nil
	}, Event{Type: EventSession, SessionID: id})
	return err
}

// AddAuxTab opens a tab for an aux preset and activates it.
func (s *Store) AddAuxTab(sessionID, presetID string) (chat.AuxTab, error) {
	var tab chat.AuxTab
	_, err := s.updateSession(sessionID, func(st State, sess chat.Session) (chat.Session, error) {
		p, ok := st.Preset(presetID)
		if !ok {
			return chat.Session{}, apperr.ErrPresetNotFound
		}
		if p.Type != preset.TypeAux {
			return chat.Session{}, apperr.Errorf(apperr.KindValidation, "add aux tab", "%s is not an aux preset", presetID)
		}
		tab = chat.AuxTab{ID: s.newID(), PresetID: presetID}
		sess = sess.WithTab(tab)
		sess.ActiveAuxTabID = tab.ID
		return sess, nil
	})
	return tab, err
}

// RemoveAuxTab closes a tab. In-flight merges for it are dropped later.
func (s *Store) RemoveAuxTab(sessionID, tabID string) error {
	_, err := s.updateSession(sessionID, func(_ State, sess chat.Session) (chat.Session, error) {
		if _, ok := sess.Tab(tabID); !ok {
			return chat.Session{}, apperr.ErrTabNotFound
		}
		return sess.WithoutTab(tabID), nil
	})
	return err
}

// SetActiveAuxTab selects the visible tab of a session.
func (s *Store) SetActiveAuxTab(sessionID, tabID string) error {
	_, err := s.updateSession(sessionID, func(_ State, sess chat.Session) (chat.Session, error) {
		if _, ok := sess.Tab(tabID); !ok {
			return chat.Session{}, apperr.ErrTabNotFound
		}
		sess.ActiveAuxTabID = tabID
		return sess, nil
	})
	return err
}

func (s *Store) updateSession(id string, fn func(State, chat.Session) (chat.Session, error)) (State, error) {
	return s.update(func(st State) (State, error) {
		sess, ok := st.Session(id)
		if !ok {
			return State{}, apperr.ErrSessionNotFound
		}
		next, err := fn(st, sess)
		if err != nil {
			return State{}, err
		}
		return st.WithSession(next), nil
	}, Event{Type: EventSession, SessionID: id})
}

// Append upserts a message into an existing target and fails if the
// session or tab is gone.
func (s *Store) Append(ev MergeEvent) error {
	_, err := s.update(func(st State) (State, error) {
		return applyMerge(st, ev)
	}, messageEvent(ev))
	return err
}

// ApplyMerge upserts a streamed message. Merges whose session or tab has
// been removed are dropped and reported as false.
func (s *Store) ApplyMerge(ev MergeEvent) bool {
	_, err := s.update(func(st State) (State, error) {
		return applyMerge(st, ev)
	}, messageEvent(ev))
	return err == nil
}

func applyMerge(st State, ev MergeEvent) (State, error) {
	sess, ok := st.Session(ev.SessionID)
	if !ok {
		return State{}, apperr.ErrSessionNotFound
	}
	if ev.TabID == "" {
		sess.MainMessages = sess.MainMessages.Upsert(ev.Message)
		return st.WithSession(sess), nil
	}
	tab, ok := sess.Tab(ev.TabID)
	if !ok {
		return State{}, apperr.ErrTabNotFound
	}
	tab.Messages = tab.Messages.Upsert(ev.Message)
	return st.WithSession(sess.WithTab(tab)), nil
}

func messageEvent(ev MergeEvent) Event {
	msg := ev.Message
	return Event{Type: EventMessage, SessionID: ev.SessionID, TabID: ev.TabID, Message: &msg}
}

// PutPreset creates or replaces a preset after validating it.
func (s *Store) PutPreset(p preset.Preset) error {
	if err := p.Validate(); err != nil {
		return apperr.New(apperr.KindValidation, "put preset", err)
	}
	_, err := s.update(func(st State) (State, error) {
		st.Presets = replaceOrAppend(st.Presets, p, func(e preset.Preset) bool { return e.ID == p.ID })
		return st, nil
	}, Event{Type: EventCatalog})
	return err
}

// DeletePreset removes a preset. Sessions keep dangling ids; agents that
// no longer resolve are skipped at dispatch.
func (s *Store) DeletePreset(id string) error {
	_, err := s.update(func(st State) (State, error) {
		presets, ok := removeWhere(st.Presets, func(e preset.Preset) bool { return e.ID == id })
		if !ok {
			return State{}, apperr.ErrPresetNotFound
		}
		st.Presets = presets
		return st, nil
	}, Event{Type: EventCatalog})
	return err
}

// PutTemplate creates or replaces a system template.
func (s *Store) PutTemplate(t preset.SystemTemplate) error {
	if strings.TrimSpace(t.ID) == "" {
		return apperr.Errorf(apperr.KindValidation, "put template", "template id is required")
	}
	_, err := s.update(func(st State) (State, error) {
		st.Templates = replaceOrAppend(st.Templates, t, func(e preset.SystemTemplate) bool { return e.ID == t.ID })
		return st, nil
	}, Event{Type: EventCatalog})
	return err
}

// DeleteTemplate removes a system template.
func (s *Store) DeleteTemplate(id string) error {
	_, err := s.update(func(st State) (State, error) {
		templates, ok := removeWhere(st.Templates, func(e preset.SystemTemplate) bool { return e.ID == id })
		if !ok {
			return State{}, apperr.ErrPresetNotFound
		}
		st.Templates = templates
		return st, nil
	}, Event{Type: EventCatalog})
	return err
}

// PutSessionPreset creates or replaces a session preset.
func (s *Store) PutSessionPreset(sp preset.SessionPreset) error {
	if strings.TrimSpace(sp.ID) == "" {
		return apperr.Errorf(apperr.KindValidation, "put session preset", "session preset id is required")
	}
	_, err := s.update(func(st State) (State, error) {
		st.SessionPresets = replaceOrAppend(st.SessionPresets, sp, func(e preset.SessionPreset) bool { return e.ID == sp.ID })
		return st, nil
	}, Event{Type: EventCatalog})
	return err
}

// DeleteSessionPreset removes a session preset.
func (s *Store) DeleteSessionPreset(id string) error {
	_, err := s.update(func(st State) (State, error) {
		items, ok := removeWhere(st.SessionPresets, func(e preset.SessionPreset) bool { return e.ID == id })
		if !ok {
			return State{}, apperr.ErrPresetNotFound
		}
		st.SessionPresets = items
		return st, nil
	}, Event{Type: EventCatalog})
	return err
}

// MergeCatalog upserts every object of c in one update. Objects missing
// from c are kept.
func (s *Store) MergeCatalog(c preset.Catalog) error {
	for _, p := range c.Presets {
		if err := p.Validate(); err != nil {
			return apperr.New(apperr.KindValidation, "merge catalog", err)
		}
	}
	_, err := s.update(func(st State) (State, error) {
		for _, p := range c.Presets {
			st.Presets = replaceOrAppend(st.Presets, p, func(e preset.Preset) bool { return e.ID == p.ID })
		}
		for _, t := range c.Templates {
			st.Templates = replaceOrAppend(st.Templates, t, func(e preset.SystemTemplate) bool { return e.ID == t.ID })
		}
		for _, sp := range c.SessionPresets {
			st.SessionPresets = replaceOrAppend(st.SessionPresets, sp, func(e preset.SessionPreset) bool { return e.ID == sp.ID })
		}
		return st, nil
	}, Event{Type: EventCatalog})
	return err
}

// SetSettings replaces the global settings.
func (s *Store) SetSettings(next settings.AppSettings) error {
	if next.Temperature < 0 || next.Temperature > 2 {
		return apperr.Errorf(apperr.KindValidation, "set settings", "temperature %.2f out of range", next.Temperature)
	}
	_, err := s.update(func(st State) (State, error) {
		st.Settings = next
		return st, nil
	}, Event{Type: EventSettings})
	return err
}

func findSessionPreset(items []preset.SessionPreset, id string) (preset.SessionPreset, bool) {
	for _, sp := range items {
		if sp.ID == id {
			return sp, true
		}
	}
	return preset.SessionPreset{}, false
}
