// Package auxiliary runs observer agents in their tabs, either on a user
// message or automatically after the main agents have all answered.
package auxiliary

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/service/ai"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

const (
	// TriggerPlaceholder is the visible text of a synthetic trigger turn.
	TriggerPlaceholder = "Analyzing parallel conversation sync..."
	// SynthesisInstruction is sent to the model in place of user text.
	SynthesisInstruction = "Analyze the latest exchange in the main conversation according to your goal."
)

// Run is one aux call. Done closes once the reply has fully streamed or
// failed.
type Run struct {
	SessionID string
	TabID     string
	TriggerID string
	ReplyID   string

	done chan struct{}
	text string
	err  error
}

func (r *Run) Done() <-chan struct{} { return r.done }

// Text is the final reply. Valid after Done.
func (r *Run) Text() string { return r.text }

// Err is the provider failure, if any. Valid after Done.
func (r *Run) Err() error { return r.err }

type tabKey struct {
	sessionID string
	tabID     string
}

// Dispatcher starts aux calls with one lock per tab.
type Dispatcher struct {
	store         *store.Store
	client        ai.Client
	requireAPIKey bool
	fallbackKey   string

	mu   sync.Mutex
	busy map[tabKey]bool

	newID func() string
	now   func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithRequireAPIKey rejects calls up front when settings carry no key.
func WithRequireAPIKey(require bool) Option {
	return func(d *Dispatcher) { d.requireAPIKey = require }
}

// WithFallbackAPIKey supplies the server's key for settings that carry
// none.
func WithFallbackAPIKey(key string) Option {
	return func(d *Dispatcher) { d.fallbackKey = key }
}

// New creates a dispatcher.
func New(st *store.Store, client ai.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		client: client,
		busy:   make(map[tabKey]bool),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Generating reports whether a tab has a call in flight.
func (d *Dispatcher) Generating(sessionID, tabID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy[tabKey{sessionID, tabID}]
}

// Send posts a user message to a tab and streams the agent's reply. The
// main transcript is read from the latest snapshot.
func (d *Dispatcher) Send(ctx context.Context, sessionID, tabID, text string) (*Run, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.ErrEmptyInput
	}
	trigger := chat.Message{Role: chat.RoleUser, Text: text}
	return d.start(ctx, sessionID, tabID, trigger, text, nil)
}

// AutoTrigger inserts a synthetic trigger turn and asks the agent to
// analyze mainHistory. It fails with ErrBusy if the tab is already
// generating.
func (d *Dispatcher) AutoTrigger(ctx context.Context, sessionID, tabID string, mainHistory []chat.Message) (*Run, error) {
	trigger := chat.Message{Role: chat.RoleUser, Text: TriggerPlaceholder, IsAutoTrigger: true}
	if mainHistory == nil {
		mainHistory = []chat.Message{}
	}
	return d.start(ctx, sessionID, tabID, trigger, SynthesisInstruction, mainHistory)
}

func (d *Dispatcher) start(ctx context.Context, sessionID, tabID string, trigger chat.Message, message string, mainHistory []chat.Message) (*Run, error) {
	st := d.store.Snapshot()
	sess, ok := st.Session(sessionID)
	if !ok {
		return nil, apperr.ErrSessionNotFound
	}
	tab, ok := sess.Tab(tabID)
	if !ok {
		return nil, apperr.ErrTabNotFound
	}
	agent, ok := st.Preset(tab.PresetID)
	if !ok {
		return nil, apperr.ErrPresetNotFound
	}
	apiKey := st.Settings.APIKey
	if apiKey == "" {
		apiKey = d.fallbackKey
	}
	if d.requireAPIKey && apiKey == "" {
		return nil, apperr.ErrMissingCredential
	}

	key := tabKey{sessionID, tabID}
	d.mu.Lock()
	if d.busy[key] {
		d.mu.Unlock()
		return nil, apperr.ErrBusy
	}
	d.busy[key] = true
	d.mu.Unlock()

	trigger.ID = d.newID()
	trigger.Timestamp = d.now()
	if err := d.store.Append(store.MergeEvent{SessionID: sessionID, TabID: tabID, Message: trigger}); err != nil {
		d.release(key)
		return nil, err
	}

	if mainHistory == nil {
		latest, _ := d.store.Snapshot().Session(sessionID)
		mainHistory = latest.MainMessages.Messages()
	}

	goal := ai.BuildSystemInstruction(st.Templates, agent)
	req := ai.Request{
		Model:             st.Settings.Model,
		SystemInstruction: ai.BuildAuxInstruction(ai.ScenarioContext(st.Presets, sess.MainPresetIDs), mainHistory, goal),
		History:           History(tab.Messages),
		Message:           message,
		Temperature:       st.Settings.Temperature,
		APIKey:            apiKey,
	}

	run := &Run{
		SessionID: sessionID,
		TabID:     tabID,
		TriggerID: trigger.ID,
		ReplyID:   chat.ReplyID(trigger.ID, agent.ID),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(run.done)
		defer d.release(key)
		run.text, run.err = d.stream(context.WithoutCancel(ctx), run, agent.ID, agent.Title, req)
		if run.err != nil {
			log.Printf("[aux] tab=%s preset=%s failed: %v", tabID, agent.ID, run.err)
			return
		}
		log.Printf("[aux] tab=%s preset=%s replied, length=%d", tabID, agent.ID, len(run.text))
	}()

	return run, nil
}

func (d *Dispatcher) stream(ctx context.Context, run *Run, presetID, title string, req ai.Request) (string, error) {
	stream, err := d.client.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	ts := d.now()
	return ai.Collect(stream, func(text string) {
		d.store.ApplyMerge(store.MergeEvent{
			SessionID: run.SessionID,
			TabID:     run.TabID,
			Message: chat.Message{
				ID:         run.ReplyID,
				Role:       chat.RoleModel,
				Text:       text,
				Timestamp:  ts,
				SenderID:   presetID,
				SenderName: title,
			},
		})
	})
}

func (d *Dispatcher) release(key tabKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, key)
}

// History converts a tab's messages into model history. Synthetic trigger
// turns are replaced by the instruction that was actually sent.
func History(tab chat.Thread) []chat.Message {
	msgs := tab.Messages()
	for i, msg := range msgs {
		if msg.IsAutoTrigger {
			msgs[i].Text = SynthesisInstruction
		}
	}
	return msgs
}
