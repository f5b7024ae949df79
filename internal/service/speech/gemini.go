package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/speech"
	"google.golang.org/genai"
)

// Gemini TTS defaults. The model returns 24 kHz mono PCM16.
const (
	DefaultGeminiTTSModel = "gemini-2.5-flash-preview-tts"
	DefaultGeminiVoice    = "Kore"
)

// GeminiSynthesizer speaks through the Gemini API's audio modality. The key
// is read per call so edits to the settings take effect immediately.
type GeminiSynthesizer struct {
	model  string
	apiKey func() string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiSynthesizer creates a synthesizer. An empty model selects
// DefaultGeminiTTSModel.
func NewGeminiSynthesizer(model string, apiKey func() string) *GeminiSynthesizer {
	if model == "" {
		model = DefaultGeminiTTSModel
	}
	return &GeminiSynthesizer{
		model:   model,
		apiKey:  apiKey,
		clients: make(map[string]*genai.Client),
	}
}

func (g *GeminiSynthesizer) client(ctx context.Context, key string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[key]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	g.clients[key] = c
	return c, nil
}

func (g *GeminiSynthesizer) Synthesize(ctx context.Context, req speech.Request) (*speech.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperr.ErrEmptyInput
	}
	key := ""
	if g.apiKey != nil {
		key = g.apiKey()
	}
	if key == "" {
		return nil, apperr.ErrMissingCredential
	}
	voice := DefaultGeminiVoice
	if v := req.Voice.Voice(); v != "" {
		voice = v
	}

	client, err := g.client(ctx, key)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "gemini-tts", err)
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	resp, err := client.Models.GenerateContent(ctx, g.model, genai.Text(req.Text), config)
	if err != nil {
		return nil, apperr.Provider("gemini-tts", err)
	}

	data, err := inlineAudio(resp)
	if err != nil {
		return nil, apperr.Provider("gemini-tts", err)
	}
	return &speech.Audio{
		Data:       data,
		Encoding:   speech.EncodingPCM16,
		SampleRate: speech.DefaultSampleRate,
	}, nil
}

// inlineAudio concatenates the audio blobs of the first candidate.
func inlineAudio(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("response has no candidates")
	}
	var data []byte
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		data = append(data, part.InlineData.Data...)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("response carries no audio")
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("malformed pcm16 audio: %d bytes", len(data))
	}
	return data, nil
}
