// Package speech turns message text into one decoded audio buffer using the
// provider named by the preset's voice configuration.
package speech

import (
	"context"
	"fmt"
	"log"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/speech"
)

// Synthesizer produces audio for one text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.Request) (*speech.Audio, error)
}

// Router dispatches by TTSConfig.Provider.
type Router struct {
	backends map[preset.Provider]Synthesizer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{backends: make(map[preset.Provider]Synthesizer)}
}

// Register installs the backend for a provider. Nil backends are ignored.
func (r *Router) Register(provider preset.Provider, s Synthesizer) *Router {
	if s != nil {
		r.backends[provider] = s
	}
	return r
}

func (r *Router) Synthesize(ctx context.Context, req speech.Request) (*speech.Audio, error) {
	if req.Voice == nil {
		return nil, apperr.Errorf(apperr.KindValidation, "speech", "voice is not configured")
	}
	if err := req.Voice.Validate(); err != nil {
		return nil, apperr.New(apperr.KindValidation, "speech", err)
	}
	backend, ok := r.backends[req.Voice.Provider]
	if !ok {
		return nil, apperr.Errorf(apperr.KindConfiguration, "speech", "tts provider %s is not enabled", req.Voice.Provider)
	}

	audio, err := backend.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	if audio == nil || len(audio.Data) == 0 {
		return nil, apperr.Provider("speech", fmt.Errorf("%s returned empty audio", req.Voice.Provider))
	}
	log.Printf("[TTS] %s message=%s bytes=%d duration=%s", req.Voice.Provider, req.MessageID, len(audio.Data), audio.PlaybackDuration())
	return audio, nil
}
