package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/speech"
	"github.com/zhouzirui/z-studio/backend/pkg/kv"
)

type fakeSynth struct {
	calls atomic.Int32
	fail  error
	gate  chan struct{}
}

func (f *fakeSynth) Synthesize(ctx context.Context, req speech.Request) (*speech.Audio, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	return &speech.Audio{Data: []byte(req.Text), Encoding: speech.EncodingPCM16, SampleRate: req.SampleRate}, nil
}

type manualSource struct {
	done chan struct{}
	once sync.Once
}

func (s *manualSource) Stop()                 { s.end() }
func (s *manualSource) Done() <-chan struct{} { return s.done }
func (s *manualSource) end()                  { s.once.Do(func() { close(s.done) }) }

// manualSink keeps clips playing until the test ends them.
type manualSink struct {
	mu      sync.Mutex
	started []string
	sources []*manualSource
}

func (s *manualSink) Start(clip Clip) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := &manualSource{done: make(chan struct{})}
	s.started = append(s.started, clip.MessageID)
	s.sources = append(s.sources, src)
	return src, nil
}

func (s *manualSink) source(i int) *manualSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[i]
}

func (s *manualSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func waitPhase(t *testing.T, c *Controller, phase Phase, messageID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := c.State()
		if st.Phase == phase && st.MessageID == messageID {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s(%s), state=%+v", phase, messageID, c.State())
}

func voice() *preset.TTSConfig {
	return &preset.TTSConfig{Provider: preset.ProviderGemini, Gemini: &preset.GeminiVoice{Voice: "Kore"}}
}

func TestPlaySameMessageTogglesToIdle(t *testing.T) {
	sink := &manualSink{}
	c := NewController(&fakeSynth{}, sink, nil, 0)
	ctx := context.Background()

	if _, err := c.Play(ctx, PlayRequest{SessionID: "s", MessageID: "m1", Text: "Hallo", TTS: voice()}); err != nil {
		t.Fatalf("Play err: %v", err)
	}
	waitPhase(t, c, PhasePlaying, "m1")

	st, err := c.Play(ctx, PlayRequest{SessionID: "s", MessageID: "m1", Text: "Hallo", TTS: voice()})
	if err != nil {
		t.Fatalf("toggle Play err: %v", err)
	}
	if st.Phase != PhaseIdle {
		t.Fatalf("expected idle after toggle, got %+v", st)
	}
	select {
	case <-sink.source(0).Done():
	default:
		t.Fatal("source not stopped on toggle")
	}
	if sink.count() != 1 {
		t.Fatalf("toggle must not restart playback, starts=%d", sink.count())
	}
}

func TestPlayOtherMessageStopsFirst(t *testing.T) {
	sink := &manualSink{}
	c := NewController(&fakeSynth{}, sink, nil, 0)
	ctx := context.Background()

	c.Play(ctx, PlayRequest{SessionID: "s", MessageID: "m1", Text: "eins", TTS: voice()})
	waitPhase(t, c, PhasePlaying, "m1")

	c.Play(ctx, PlayRequest{SessionID: "s", MessageID: "m2", Text: "zwei", TTS: voice()})
	select {
	case <-sink.source(0).Done():
	default:
		t.Fatal("first source still active after switching")
	}
	waitPhase(t, c, PhasePlaying, "m2")

	sink.source(1).end()
	waitPhase(t, c, PhaseIdle, "")
}

func TestSecondPlayHitsCache(t *testing.T) {
	synth := &fakeSynth{}
	sink := &manualSink{}
	c := NewController(synth, sink, NewMemoryCache(), 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Play(ctx, PlayRequest{SessionID: "s", MessageID: "m1", Text: "Hallo", TTS: voice()}); err != nil {
			t.Fatalf("Play err: %v", err)
		}
		waitPhase(t, c, PhasePlaying, "m1")
		sink.source(i).end()
		waitPhase(t, c, PhaseIdle, "")
	}

	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("expected one synthesis, got %d", got)
	}
}

func TestSynthesisFailureReturnsToIdle(t *testing.T) {
	sink := &manualSink{}
	c := NewController(&fakeSynth{fail: errors.New("quota")}, sink, nil, 0)

	c.Play(context.Background(), PlayRequest{SessionID: "s", MessageID: "m1", Text: "Hallo", TTS: voice()})
	waitPhase(t, c, PhaseIdle, "")
	if sink.count() != 0 {
		t.Fatal("failed synthesis must not start the sink")
	}
}

func TestSupersededLoadNeverStarts(t *testing.T) {
	synth := &fakeSynth{gate: make(chan struct{})}
	sink := &manualSink{}
	c := NewController(synth, sink, nil, 0)
	ctx := context.Background()

	c.Play(ctx, PlayRequest{SessionID: "s", MessageID: "m1", Text: "eins", TTS: voice()})
	c.Play(ctx, PlayRequest{SessionID: "s", MessageID: "m2", Text: "zwei", TTS: voice()})
	close(synth.gate)

	waitPhase(t, c, PhasePlaying, "m2")
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.started) != 1 || sink.started[0] != "m2" {
		t.Fatalf("unexpected starts %v", sink.started)
	}
}

func TestPlayValidatesRequest(t *testing.T) {
	c := NewController(&fakeSynth{}, &manualSink{}, nil, 0)
	if _, err := c.Play(context.Background(), PlayRequest{MessageID: "m1", Text: " ", TTS: voice()}); err == nil {
		t.Fatal("expected error for empty text")
	}
	if _, err := c.Play(context.Background(), PlayRequest{MessageID: "m1", Text: "Hallo"}); err == nil {
		t.Fatal("expected error without voice")
	}
}

func TestClockSinkEndsAfterDuration(t *testing.T) {
	sink := &ClockSink{}
	src, err := sink.Start(Clip{MessageID: "m1", Audio: &speech.Audio{Duration: 10 * time.Millisecond}})
	if err != nil {
		t.Fatalf("Start err: %v", err)
	}
	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatal("clip did not end")
	}
}

func TestKVCachePurgeSession(t *testing.T) {
	ctx := context.Background()
	cache := NewKVCache(kv.NewMemory())
	audio := &speech.Audio{Data: []byte{1, 2, 3, 4}, Encoding: speech.EncodingPCM16, SampleRate: 24000, Duration: 1500 * time.Millisecond}

	cache.Put(ctx, "s1", "m1", audio)
	cache.Put(ctx, "s2", "m1", audio)

	got, ok := cache.Get(ctx, "s1", "m1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got.Data) != string(audio.Data) || got.SampleRate != 24000 || got.Duration != audio.Duration {
		t.Fatalf("decoded audio differs: %+v", got)
	}

	cache.PurgeSession(ctx, "s1")
	if _, ok := cache.Get(ctx, "s1", "m1"); ok {
		t.Fatal("purged entry still cached")
	}
	if _, ok := cache.Get(ctx, "s2", "m1"); !ok {
		t.Fatal("other session purged")
	}
}
