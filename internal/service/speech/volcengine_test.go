package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/config"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/speech"
)

func TestResolveResourceCandidates(t *testing.T) {
	tests := []struct {
		name  string
		voice string
		want  []string
	}{
		{name: "default voice", voice: "", want: []string{defaultResource, seedResource}},
		{name: "mega clone voice", voice: "S_clone_speaker", want: []string{megaResource}},
		{name: "bigtts voice", voice: "zh_female_vv_uranus_bigtts", want: []string{seedResource, defaultResource}},
		{name: "legacy 1.0 voice", voice: "zh_male_organizer", want: []string{defaultResource, seedResource}},
	}

	for _, tt := range tests {
		got := resolveResourceCandidates(tt.voice)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: resolveResourceCandidates(%q) = %v, want %v", tt.name, tt.voice, got, tt.want)
		}
	}
}

func TestResolveSpeakerCandidates(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		fallback string
		want     []string
	}{
		{name: "request and fallback", request: "de_female_anna", fallback: "zh_female_vv_uranus_bigtts", want: []string{"de_female_anna", "zh_female_vv_uranus_bigtts"}},
		{name: "request empty", request: "", fallback: "zh_male_M392_conversation_wvae_bigtts", want: []string{"zh_male_M392_conversation_wvae_bigtts"}},
		{name: "duplicates ignored", request: "ZH_voice", fallback: "zh_voice", want: []string{"ZH_voice"}},
		{name: "alias", request: "en_default", fallback: "", want: []string{"en_female_amy_jupiter_bigtts"}},
		{name: "nothing configured", request: " ", fallback: "", want: nil},
	}

	for _, tt := range tests {
		got := resolveSpeakerCandidates(tt.request, tt.fallback)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: resolveSpeakerCandidates(%q, %q) = %v, want %v", tt.name, tt.request, tt.fallback, got, tt.want)
		}
	}
}

// ttsServer plays the server side of the unidirectional protocol.
type ttsServer struct {
	mu        sync.Mutex
	resources []string
	requests  []volcengineRequest
	// reject answers with a resource mismatch for these resource ids
	reject map[string]bool
}

func (s *ttsServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.Header.Get("X-Api-Resource-Id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		var req volcengineRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			t.Errorf("request payload: %v", err)
			return
		}

		s.mu.Lock()
		s.resources = append(s.resources, resource)
		s.requests = append(s.requests, req)
		reject := s.reject[resource]
		s.mu.Unlock()

		if reject {
			send(t, conn, &frame{
				Header:    frameHeader{Type: frameServerError, Serialization: serializeJSON},
				ErrorCode: 45000000,
				Payload:   []byte(`{"error":"resource ID is mismatched with speaker related resource"}`),
			})
			return
		}

		send(t, conn, &frame{
			Header:   frameHeader{Type: frameServerAudio, Flags: flagPositiveSequence, Compression: compressGzip},
			Sequence: 1,
			Payload:  []byte{1, 0, 2, 0},
		})
		send(t, conn, &frame{
			Header:    frameHeader{Type: frameServerFull, Flags: flagWithEvent, Serialization: serializeJSON},
			Event:     eventSessionFinished,
			SessionID: req.User.UID,
			Payload:   []byte(`{"reqid":"req-1","code":0,"addition":{"duration":"250"}}`),
		})
	}
}

func send(t *testing.T, conn *websocket.Conn, f *frame) {
	t.Helper()
	data, err := f.encode()
	if err != nil {
		t.Errorf("encode: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Errorf("write: %v", err)
	}
}

func newTestSynth(t *testing.T, srv *ttsServer) *VolcengineSynthesizer {
	t.Helper()
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)
	cfg := config.SpeechConfig{AppID: "app", AccessToken: "token", TTSVoice: "zh_female_vv_uranus_bigtts", SampleRate: 24000, Timeout: 5}
	return NewVolcengineSynthesizer(cfg, WithEndpoint("ws"+strings.TrimPrefix(ts.URL, "http")))
}

func volcVoice(voice string) *preset.TTSConfig {
	return &preset.TTSConfig{Provider: preset.ProviderVolcengine, Volcengine: &preset.VolcengineVoice{Voice: voice, Speed: 1.2}}
}

func TestVolcengineSynthesize(t *testing.T) {
	srv := &ttsServer{}
	synth := newTestSynth(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	audio, err := synth.Synthesize(ctx, speech.Request{SessionID: "s1", Text: "Hallo", Voice: volcVoice("de_female_anna")})
	if err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if !reflect.DeepEqual(audio.Data, []byte{1, 0, 2, 0}) {
		t.Fatalf("unexpected audio %v", audio.Data)
	}
	if audio.Encoding != speech.EncodingPCM16 || audio.Duration != 250*time.Millisecond || audio.RequestID != "req-1" {
		t.Fatalf("unexpected metadata %+v", audio)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	req := srv.requests[0]
	if req.ReqParams.Speaker != "de_female_anna" || req.ReqParams.AudioParams.Format != "pcm" || req.ReqParams.AudioParams.SpeedRatio != 1.2 {
		t.Fatalf("unexpected request %+v", req.ReqParams)
	}
	if req.User.UID != "s1" {
		t.Fatalf("expected session id as uid, got %q", req.User.UID)
	}
}

func TestVolcengineFallsBackOnResourceMismatch(t *testing.T) {
	srv := &ttsServer{reject: map[string]bool{seedResource: true}}
	synth := newTestSynth(t, srv)

	if _, err := synth.Synthesize(context.Background(), speech.Request{Text: "Hallo", Voice: volcVoice("zh_female_vv_uranus_bigtts")}); err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if want := []string{seedResource, defaultResource}; !reflect.DeepEqual(srv.resources, want) {
		t.Fatalf("resources tried = %v, want %v", srv.resources, want)
	}
}

func TestVolcengineRejectsBeforeDialing(t *testing.T) {
	synth := NewVolcengineSynthesizer(config.SpeechConfig{})
	if _, err := synth.Synthesize(context.Background(), speech.Request{Text: " "}); !errors.Is(err, apperr.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	_, err := synth.Synthesize(context.Background(), speech.Request{Text: "Hallo", Voice: volcVoice("x")})
	if apperr.KindOf(err) != apperr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestVolcengineHandshakeRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
	}))
	defer ts.Close()
	cfg := config.SpeechConfig{AppID: "app", AccessToken: "bad", TTSVoice: "zh_female_vv_uranus_bigtts", SampleRate: 24000}
	synth := NewVolcengineSynthesizer(cfg, WithEndpoint("ws"+strings.TrimPrefix(ts.URL, "http")))

	_, err := synth.Synthesize(context.Background(), speech.Request{Text: "Hallo", Voice: volcVoice("zh_female_vv_uranus_bigtts")})
	if apperr.KindOf(err) != apperr.KindProvider {
		t.Fatalf("expected provider error, got %v", err)
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("handshake status missing from %q", err.Error())
	}
}

func TestDecodeFrameWithSequenceAndGzip(t *testing.T) {
	in := &frame{
		Header:   frameHeader{Type: frameServerAudio, Flags: flagNegativeSequence, Compression: compressGzip},
		Sequence: -3,
		Payload:  []byte("pcm-bytes"),
	}
	data, err := in.encode()
	if err != nil {
		t.Fatalf("encode err: %v", err)
	}
	out, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if out.Sequence != -3 || !out.last() || string(out.Payload) != "pcm-bytes" {
		t.Fatalf("unexpected frame %+v", out)
	}

	if _, err := decodeFrame([]byte{0x21, 0x90, 0x10, 0x00}); err == nil {
		t.Fatal("expected error for unsupported protocol version")
	}
}
