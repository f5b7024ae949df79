// Package orchestrator fans one user message out to every main agent of a
// session, merges their streamed replies and runs the join step once all of
// them have finished.
package orchestrator

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/service/ai"
	"github.com/zhouzirui/z-studio/backend/internal/service/auxiliary"
	"github.com/zhouzirui/z-studio/backend/internal/service/playback"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

// AuxTrigger starts an auxiliary analysis after a join.
type AuxTrigger interface {
	AutoTrigger(ctx context.Context, sessionID, tabID string, mainHistory []chat.Message) (*auxiliary.Run, error)
}

// Player speaks a finished reply.
type Player interface {
	Play(ctx context.Context, req playback.PlayRequest) (playback.Status, error)
}

// Result is the outcome of one agent in a batch.
type Result struct {
	PresetID  string
	MessageID string
	Text      string
	Err       error
}

// Batch is the set of calls started by one submission.
type Batch struct {
	ID        string
	SessionID string
	TurnID    string
	Agents    []string

	results   []Result
	remaining atomic.Int32
	done      chan struct{}
	auxRuns   []*auxiliary.Run
}

// Done closes after the join step has run.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Results holds one entry per agent in dispatch order. Valid after Done.
func (b *Batch) Results() []Result { return b.results }

// AuxRuns lists the aux calls auto-triggered at join. Valid after Done.
func (b *Batch) AuxRuns() []*auxiliary.Run { return b.auxRuns }

// Orchestrator runs batches, at most one per session.
type Orchestrator struct {
	store         *store.Store
	client        ai.Client
	aux           AuxTrigger
	player        Player
	requireAPIKey bool
	fallbackKey   string

	mu      sync.Mutex
	batches map[string]*Batch

	newID func() string
	now   func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithAuxTrigger enables auto-triggered aux tabs.
func WithAuxTrigger(aux AuxTrigger) Option {
	return func(o *Orchestrator) { o.aux = aux }
}

// WithPlayer enables autoplay of finished replies.
func WithPlayer(p Player) Option {
	return func(o *Orchestrator) { o.player = p }
}

// WithRequireAPIKey rejects submissions up front when settings carry no key.
func WithRequireAPIKey(require bool) Option {
	return func(o *Orchestrator) { o.requireAPIKey = require }
}

// WithFallbackAPIKey supplies the server's key for settings that carry
// none. It is never written into the store.
func WithFallbackAPIKey(key string) Option {
	return func(o *Orchestrator) { o.fallbackKey = key }
}

func (o *Orchestrator) apiKey(st store.State) string {
	if st.Settings.APIKey != "" {
		return st.Settings.APIKey
	}
	return o.fallbackKey
}

// New creates an orchestrator.
func New(st *store.Store, client ai.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		client:  client,
		batches: make(map[string]*Batch),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generating reports whether a batch is outstanding for the session.
func (o *Orchestrator) Generating(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.batches[sessionID]
	return ok
}

// Submit appends a user turn and starts one streaming call per main agent.
// Precondition failures return before any state is changed. The calls
// outlive ctx's cancellation.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, text string) (*Batch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.ErrEmptyInput
	}

	st := o.store.Snapshot()
	sess, ok := st.Session(sessionID)
	if !ok {
		return nil, apperr.ErrSessionNotFound
	}
	agents := resolveAgents(st, sess)
	if len(agents) == 0 {
		return nil, apperr.ErrNoAgents
	}
	apiKey := o.apiKey(st)
	if o.requireAPIKey && apiKey == "" {
		return nil, apperr.ErrMissingCredential
	}

	batch := &Batch{
		ID:        o.newID(),
		SessionID: sessionID,
		results:   make([]Result, len(agents)),
		done:      make(chan struct{}),
	}
	for _, a := range agents {
		batch.Agents = append(batch.Agents, a.ID)
	}

	o.mu.Lock()
	if _, busy := o.batches[sessionID]; busy {
		o.mu.Unlock()
		return nil, apperr.ErrBusy
	}
	o.batches[sessionID] = batch
	o.mu.Unlock()

	turn := chat.Message{
		ID:        o.newID(),
		Role:      chat.RoleUser,
		Text:      text,
		Timestamp: o.now(),
	}
	if err := o.store.Append(store.MergeEvent{SessionID: sessionID, Message: turn}); err != nil {
		o.release(sessionID)
		return nil, err
	}
	batch.TurnID = turn.ID

	// the history each agent sees includes turns up to, not including, this one
	latest, _ := o.store.Snapshot().Session(sessionID)
	bg := context.WithoutCancel(ctx)

	batch.remaining.Store(int32(len(agents)))
	log.Printf("[orchestrator] batch %s session=%s agents=%v", batch.ID, sessionID, batch.Agents)

	for i, agent := range agents {
		req := ai.Request{
			Model:             st.Settings.Model,
			SystemInstruction: ai.BuildSystemInstruction(st.Templates, agent),
			History:           ai.AgentHistory(latest.MainMessages, agent.ID, turn.ID),
			Message:           text,
			Temperature:       st.Settings.Temperature,
			APIKey:            apiKey,
		}
		go o.runAgent(bg, batch, i, agent, req)
	}

	return batch, nil
}

func resolveAgents(st store.State, sess chat.Session) []preset.Preset {
	agents := make([]preset.Preset, 0, len(sess.MainPresetIDs))
	for _, id := range sess.MainPresetIDs {
		p, ok := st.Preset(id)
		if !ok || p.Type != preset.TypeMain {
			log.Printf("[orchestrator] session %s: main preset %s unavailable, skipping", sess.ID, id)
			continue
		}
		agents = append(agents, p)
	}
	return agents
}

func (o *Orchestrator) runAgent(ctx context.Context, batch *Batch, slot int, agent preset.Preset, req ai.Request) {
	replyID := chat.ReplyID(batch.TurnID, agent.ID)
	result := Result{PresetID: agent.ID, MessageID: replyID}

	result.Text, result.Err = o.streamReply(ctx, batch.SessionID, replyID, agent, req)
	if result.Err != nil {
		log.Printf("[orchestrator] batch %s agent %s failed: %v", batch.ID, agent.ID, result.Err)
	} else {
		log.Printf("[orchestrator] batch %s agent %s finished, length=%d", batch.ID, agent.ID, len(result.Text))
	}

	batch.results[slot] = result
	if batch.remaining.Add(-1) == 0 {
		o.join(ctx, batch)
	}
}

func (o *Orchestrator) streamReply(ctx context.Context, sessionID, replyID string, agent preset.Preset, req ai.Request) (string, error) {
	stream, err := o.client.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	ts := o.now()
	return ai.Collect(stream, func(text string) {
		o.store.ApplyMerge(store.MergeEvent{
			SessionID: sessionID,
			Message: chat.Message{
				ID:         replyID,
				Role:       chat.RoleModel,
				Text:       text,
				Timestamp:  ts,
				SenderID:   agent.ID,
				SenderName: agent.Title,
			},
		})
	})
}

// join runs exactly once per batch, after the last agent reports. The
// session stays busy until autoplay and the aux triggers have read the
// joined transcript.
func (o *Orchestrator) join(ctx context.Context, batch *Batch) {
	defer close(batch.done)
	defer o.release(batch.SessionID)

	st := o.store.Snapshot()
	sess, ok := st.Session(batch.SessionID)
	if !ok {
		log.Printf("[orchestrator] batch %s joined after session was deleted", batch.ID)
		return
	}
	log.Printf("[orchestrator] batch %s joined", batch.ID)

	o.autoplay(ctx, st, batch)

	if o.aux == nil {
		return
	}
	mainHistory := sess.MainMessages.Messages()
	for _, tab := range sess.AuxTabs {
		p, ok := st.Preset(tab.PresetID)
		if !ok || !p.AutoTrigger {
			continue
		}
		run, err := o.aux.AutoTrigger(ctx, batch.SessionID, tab.ID, mainHistory)
		if err != nil {
			log.Printf("[orchestrator] batch %s: auto-trigger tab %s skipped: %v", batch.ID, tab.ID, err)
			continue
		}
		batch.auxRuns = append(batch.auxRuns, run)
	}
}

// autoplay speaks the first successful reply, in agent order, whose
// preset asks for it. Only one clip can sound at a time.
func (o *Orchestrator) autoplay(ctx context.Context, st store.State, batch *Batch) {
	if o.player == nil {
		return
	}
	for _, result := range batch.results {
		if result.Err != nil || strings.TrimSpace(result.Text) == "" {
			continue
		}
		p, ok := st.Preset(result.PresetID)
		if !ok || p.TTS == nil || !p.TTS.AutoPlay {
			continue
		}
		req := playback.PlayRequest{
			SessionID: batch.SessionID,
			MessageID: result.MessageID,
			Text:      result.Text,
			TTS:       p.TTS,
		}
		go func() {
			if _, err := o.player.Play(ctx, req); err != nil {
				log.Printf("[orchestrator] autoplay %s failed: %v", req.MessageID, err)
			}
		}()
		return
	}
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.batches, sessionID)
}
