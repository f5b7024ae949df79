// Package playback mediates the single audio output: at most one clip is
// loading or playing at a time, and decoded audio is cached per message.
package playback

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/speech"
)

// Phase of the controller.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhasePlaying Phase = "playing"
)

// Status is the observable controller state.
type Status struct {
	Phase     Phase  `json:"phase"`
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// PlayRequest asks for one message to be spoken.
type PlayRequest struct {
	SessionID string
	MessageID string
	Text      string
	TTS       *preset.TTSConfig
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.Request) (*speech.Audio, error)
}

// Controller owns the sink. Each Play bumps a generation counter so a
// superseded load never starts its clip.
type Controller struct {
	synth      Synthesizer
	sink       Sink
	cache      Cache
	sampleRate int

	mu     sync.Mutex
	status Status
	gen    uint64
	cancel context.CancelFunc
	source Source

	watchMu  sync.Mutex
	watchers map[int]chan Status
	watchID  int
}

// NewController wires a controller. A nil cache falls back to memory.
func NewController(synth Synthesizer, sink Sink, cache Cache, sampleRate int) *Controller {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if sampleRate <= 0 {
		sampleRate = speech.DefaultSampleRate
	}
	return &Controller{
		synth:      synth,
		sink:       sink,
		cache:      cache,
		sampleRate: sampleRate,
		status:     Status{Phase: PhaseIdle},
		watchers:   make(map[int]chan Status),
	}
}

// State returns the current status.
func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Play starts speaking req.MessageID, stopping whatever is loading or
// playing first. Playing the message that is already playing stops it
// instead. Synthesis runs in the background; Play only validates.
func (c *Controller) Play(ctx context.Context, req PlayRequest) (Status, error) {
	if req.MessageID == "" || strings.TrimSpace(req.Text) == "" {
		return c.State(), apperr.ErrEmptyInput
	}
	if req.TTS == nil {
		return c.State(), apperr.Errorf(apperr.KindConfiguration, "play", "no voice configured for message %s", req.MessageID)
	}

	c.mu.Lock()
	if c.status.Phase == PhasePlaying && c.status.MessageID == req.MessageID {
		c.releaseLocked()
		c.status = Status{Phase: PhaseIdle}
		status := c.status
		c.mu.Unlock()
		c.notify(status)
		return status, nil
	}

	c.releaseLocked()
	gen := c.gen
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.status = Status{Phase: PhaseLoading, SessionID: req.SessionID, MessageID: req.MessageID}
	status := c.status
	c.mu.Unlock()

	c.notify(status)
	go c.load(loadCtx, gen, req)
	return status, nil
}

// Stop releases the output and returns to idle.
func (c *Controller) Stop() Status {
	c.mu.Lock()
	c.releaseLocked()
	c.status = Status{Phase: PhaseIdle}
	status := c.status
	c.mu.Unlock()

	c.notify(status)
	return status
}

// PurgeSession drops cached audio of a deleted session and stops it if it
// is the one sounding.
func (c *Controller) PurgeSession(ctx context.Context, sessionID string) {
	if c.State().SessionID == sessionID {
		c.Stop()
	}
	c.cache.PurgeSession(ctx, sessionID)
}

// Close stops playback.
func (c *Controller) Close() {
	c.Stop()
}

// releaseLocked cancels any pending load, stops the active source and
// invalidates callbacks of the previous generation.
func (c *Controller) releaseLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.source != nil {
		c.source.Stop()
		c.source = nil
	}
}

func (c *Controller) load(ctx context.Context, gen uint64, req PlayRequest) {
	audio, hit := c.cache.Get(ctx, req.SessionID, req.MessageID)
	if !hit {
		var err error
		audio, err = c.synth.Synthesize(ctx, speech.Request{
			SessionID:  req.SessionID,
			MessageID:  req.MessageID,
			Text:       req.Text,
			Voice:      req.TTS,
			SampleRate: c.sampleRate,
		})
		if err != nil {
			log.Printf("[playback] synthesis failed message=%s: %v", req.MessageID, err)
			c.finish(gen, nil)
			return
		}
		c.cache.Put(ctx, req.SessionID, req.MessageID, audio)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	src, err := c.sink.Start(Clip{SessionID: req.SessionID, MessageID: req.MessageID, Audio: audio})
	if err != nil {
		c.mu.Unlock()
		log.Printf("[playback] sink refused message=%s: %v", req.MessageID, err)
		c.finish(gen, nil)
		return
	}
	c.source = src
	c.status = Status{Phase: PhasePlaying, SessionID: req.SessionID, MessageID: req.MessageID}
	status := c.status
	c.mu.Unlock()

	c.notify(status)
	log.Printf("[playback] playing message=%s cached=%t duration=%s", req.MessageID, hit, audio.PlaybackDuration())

	<-src.Done()
	c.finish(gen, src)
}

// finish returns to idle if gen is still current and src, when given, is
// still the active source.
func (c *Controller) finish(gen uint64, src Source) {
	c.mu.Lock()
	if c.gen != gen || (src != nil && c.source != src) {
		c.mu.Unlock()
		return
	}
	c.source = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.status = Status{Phase: PhaseIdle}
	status := c.status
	c.mu.Unlock()

	c.notify(status)
}

// Watch streams status changes. Slow watchers miss intermediate states.
func (c *Controller) Watch() (<-chan Status, func()) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	id := c.watchID
	c.watchID++
	ch := make(chan Status, 16)
	c.watchers[id] = ch

	return ch, func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		if _, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(ch)
		}
	}
}

func (c *Controller) notify(status Status) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- status:
		default:
		}
	}
}
