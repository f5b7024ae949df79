package auxiliary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/ai"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

type fakeClient struct {
	mu       sync.Mutex
	requests []ai.Request
	chunks   []string
	err      error
	gate     chan struct{}
}

func (c *fakeClient) Stream(ctx context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	msgs := make([]*schema.Message, 0, len(c.chunks))
	for _, chunk := range c.chunks {
		msgs = append(msgs, schema.AssistantMessage(chunk, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (c *fakeClient) last() ai.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func setup(t *testing.T, client *fakeClient) (*store.Store, *Dispatcher, chat.Session) {
	t.Helper()
	catalog := preset.Catalog{
		Templates: []preset.SystemTemplate{{ID: "tpl", Content: "You observe."}},
		Presets: []preset.Preset{
			{ID: "tutor", Title: "Tutor", Type: preset.TypeMain, SystemPrompt: "Teach.", SharedPrompt: "Scenario: café."},
			{ID: "grammar", Title: "Grammar", Type: preset.TypeAux, SystemTemplateID: "tpl", SystemPrompt: "Find mistakes.", AutoTrigger: true},
		},
		SessionPresets: []preset.SessionPreset{
			{ID: "practice", MainPresetIDs: []string{"tutor"}, DefaultAuxPresetIDs: []string{"grammar"}},
		},
	}
	st := store.New(store.Defaults(catalog, settings.Defaults("", nil, "key")))
	sess, err := st.CreateSession(store.NewSession{SessionPresetID: "practice"})
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	return st, New(st, client), sess
}

func wait(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
}

func tabMessages(st *store.Store, sessionID, tabID string) []chat.Message {
	sess, _ := st.Snapshot().Session(sessionID)
	tab, _ := sess.Tab(tabID)
	return tab.Messages.Messages()
}

func TestSendStreamsIntoTab(t *testing.T) {
	client := &fakeClient{chunks: []string{"Say ", "\"einen\"."}}
	st, d, sess := setup(t, client)
	tabID := sess.AuxTabs[0].ID

	st.Append(store.MergeEvent{SessionID: sess.ID, Message: chat.Message{ID: "u1", Role: chat.RoleUser, Text: "Ich möchte ein Kaffee"}})

	run, err := d.Send(context.Background(), sess.ID, tabID, "What is wrong?")
	if err != nil {
		t.Fatalf("Send err: %v", err)
	}
	wait(t, run)
	if run.Err() != nil {
		t.Fatalf("run err: %v", run.Err())
	}

	msgs := tabMessages(st, sess.ID, tabID)
	if len(msgs) != 2 {
		t.Fatalf("expected user message and reply, got %d", len(msgs))
	}
	if msgs[0].Text != "What is wrong?" || msgs[0].IsAutoTrigger {
		t.Fatalf("unexpected user message %+v", msgs[0])
	}
	if msgs[1].ID != run.ReplyID || msgs[1].Text != "Say \"einen\"." || msgs[1].SenderID != "grammar" {
		t.Fatalf("unexpected reply %+v", msgs[1])
	}

	req := client.last()
	if req.Message != "What is wrong?" {
		t.Fatalf("unexpected message %q", req.Message)
	}
	for _, want := range []string{"Scenario: café.", "Main User: Ich möchte ein Kaffee", "You observe.\n\n---\n\nFind mistakes."} {
		if !strings.Contains(req.SystemInstruction, want) {
			t.Fatalf("instruction missing %q:\n%s", want, req.SystemInstruction)
		}
	}
}

func TestAutoTriggerMapsPlaceholdersInHistory(t *testing.T) {
	client := &fakeClient{chunks: []string{"All good."}}
	st, d, sess := setup(t, client)
	tabID := sess.AuxTabs[0].ID
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		run, err := d.AutoTrigger(ctx, sess.ID, tabID, nil)
		if err != nil {
			t.Fatalf("AutoTrigger err: %v", err)
		}
		wait(t, run)
	}

	msgs := tabMessages(st, sess.ID, tabID)
	if len(msgs) != 4 {
		t.Fatalf("expected 2 triggers and 2 replies, got %d", len(msgs))
	}
	if !msgs[0].IsAutoTrigger || msgs[0].Text != TriggerPlaceholder {
		t.Fatalf("placeholder not stored: %+v", msgs[0])
	}

	req := client.last()
	if req.Message != SynthesisInstruction {
		t.Fatalf("unexpected message %q", req.Message)
	}
	if len(req.History) != 2 || req.History[0].Text != SynthesisInstruction || req.History[1].Text != "All good." {
		t.Fatalf("unexpected history %+v", req.History)
	}
}

func TestSendRejectsBusyTab(t *testing.T) {
	client := &fakeClient{chunks: []string{"ok"}, gate: make(chan struct{})}
	_, d, sess := setup(t, client)
	tabID := sess.AuxTabs[0].ID
	ctx := context.Background()

	run, err := d.Send(ctx, sess.ID, tabID, "one")
	if err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if !d.Generating(sess.ID, tabID) {
		t.Fatal("tab should be generating")
	}
	if _, err := d.Send(ctx, sess.ID, tabID, "two"); !errors.Is(err, apperr.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := d.AutoTrigger(ctx, sess.ID, tabID, nil); !errors.Is(err, apperr.ErrBusy) {
		t.Fatalf("expected ErrBusy for auto-trigger, got %v", err)
	}

	close(client.gate)
	wait(t, run)
	if d.Generating(sess.ID, tabID) {
		t.Fatal("tab lock not released")
	}
}

func TestSendValidation(t *testing.T) {
	_, d, sess := setup(t, &fakeClient{})
	ctx := context.Background()

	if _, err := d.Send(ctx, sess.ID, sess.AuxTabs[0].ID, ""); !errors.Is(err, apperr.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := d.Send(ctx, sess.ID, "missing", "hi"); !errors.Is(err, apperr.ErrTabNotFound) {
		t.Fatalf("expected ErrTabNotFound, got %v", err)
	}
}

func TestFailureKeepsTrigger(t *testing.T) {
	client := &fakeClient{err: apperr.Provider("stream", errors.New("rejected"))}
	st, d, sess := setup(t, client)
	tabID := sess.AuxTabs[0].ID

	run, err := d.AutoTrigger(context.Background(), sess.ID, tabID, nil)
	if err != nil {
		t.Fatalf("AutoTrigger err: %v", err)
	}
	wait(t, run)
	if run.Err() == nil {
		t.Fatal("expected run error")
	}

	msgs := tabMessages(st, sess.ID, tabID)
	if len(msgs) != 1 || !msgs[0].IsAutoTrigger {
		t.Fatalf("expected only the trigger to remain, got %+v", msgs)
	}
}

func TestRemovedTabDropsLateReply(t *testing.T) {
	client := &fakeClient{chunks: []string{"late"}, gate: make(chan struct{})}
	st, d, sess := setup(t, client)
	tabID := sess.AuxTabs[0].ID

	run, err := d.Send(context.Background(), sess.ID, tabID, "hi")
	if err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if err := st.RemoveAuxTab(sess.ID, tabID); err != nil {
		t.Fatalf("RemoveAuxTab err: %v", err)
	}
	close(client.gate)
	wait(t, run)

	latest, _ := st.Snapshot().Session(sess.ID)
	if _, ok := latest.Tab(tabID); ok {
		t.Fatal("late reply resurrected the removed tab")
	}
}

func TestFallbackAPIKey(t *testing.T) {
	client := &fakeClient{chunks: []string{"ok"}}
	st, _, sess := setup(t, client)
	st.Update(func(s store.State) (store.State, error) {
		s.Settings.APIKey = ""
		return s, nil
	})
	tabID := sess.AuxTabs[0].ID

	if _, err := New(st, client, WithRequireAPIKey(true)).Send(context.Background(), sess.ID, tabID, "hi"); !errors.Is(err, apperr.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential without fallback, got %v", err)
	}

	d := New(st, client, WithRequireAPIKey(true), WithFallbackAPIKey("server-key"))
	run, err := d.Send(context.Background(), sess.ID, tabID, "hi")
	if err != nil {
		t.Fatalf("Send err: %v", err)
	}
	wait(t, run)

	if got := client.last().APIKey; got != "server-key" {
		t.Fatalf("expected fallback key in request, got %q", got)
	}
	if got := st.Snapshot().Settings.APIKey; got != "" {
		t.Fatalf("fallback key leaked into settings: %q", got)
	}
}
