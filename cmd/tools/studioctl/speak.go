package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	speechmodel "github.com/zhouzirui/z-studio/backend/internal/model/speech"
	"github.com/zhouzirui/z-studio/backend/internal/service/speech"
)

var (
	speakText     string
	speakVoice    string
	speakProvider string
	speakOut      string
	speakTimeout  time.Duration
)

var speakCmd = &cobra.Command{
	Use:   "speak",
	Short: "Synthesize text once and write the raw audio to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(speakText) == "" {
			return fmt.Errorf("--text is required")
		}

		var (
			voice *preset.TTSConfig
			err   error
		)
		name := speakVoice
		switch preset.Provider(speakProvider) {
		case preset.ProviderGemini:
			if name == "" {
				name = speech.DefaultGeminiVoice
			}
			voice, err = preset.NewGeminiTTS(name, false)
		case preset.ProviderVolcengine:
			if name == "" {
				name = cfg.Speech.TTSVoice
			}
			if name == "" {
				name = "zh_default"
			}
			voice, err = preset.NewVolcengineTTS(preset.VolcengineVoice{Voice: name}, false)
		default:
			return fmt.Errorf("unknown provider %q", speakProvider)
		}
		if err != nil {
			return err
		}

		geminiKey := cfg.AI.GeminiAPIKey
		router := speech.NewRouter().
			Register(preset.ProviderGemini, speech.NewGeminiSynthesizer(speech.DefaultGeminiTTSModel, func() string { return geminiKey }))
		if cfg.Speech.VolcengineEnabled {
			router.Register(preset.ProviderVolcengine, speech.NewVolcengineSynthesizer(cfg.Speech))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), speakTimeout)
		defer cancel()

		start := time.Now()
		audio, err := router.Synthesize(ctx, speechmodel.Request{
			SessionID:  fmt.Sprintf("manual-%d", time.Now().UnixNano()),
			Text:       speakText,
			Voice:      voice,
			SampleRate: cfg.Speech.SampleRate,
		})
		if err != nil {
			return err
		}

		out := speakOut
		if out == "" {
			out = "speech." + extension(audio.Encoding)
		}
		if err := os.WriteFile(out, audio.Data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s: %d bytes %s %dHz duration=%s latency=%s\n",
			out, len(audio.Data), audio.Encoding, audio.SampleRate, audio.PlaybackDuration(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func extension(enc speechmodel.Encoding) string {
	if enc == speechmodel.EncodingMP3 {
		return "mp3"
	}
	return "pcm"
}

func init() {
	speakCmd.Flags().StringVar(&speakText, "text", "", "text to speak")
	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "voice id (default: Kore, or SPEECH_TTS_VOICE for volcengine)")
	speakCmd.Flags().StringVar(&speakProvider, "provider", string(preset.ProviderGemini), "gemini or volcengine")
	speakCmd.Flags().StringVarP(&speakOut, "out", "o", "", "output file (default: speech.<ext>)")
	speakCmd.Flags().DurationVar(&speakTimeout, "timeout", 45*time.Second, "request timeout")
}
