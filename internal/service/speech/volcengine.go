package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/config"
	"github.com/zhouzirui/z-studio/backend/internal/model/speech"
)

// DefaultVolcengineEndpoint 单向流式 TTS 接口
const DefaultVolcengineEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

const (
	defaultResource = "volc.service_type.10029"
	megaResource    = "volc.megatts.default"
	seedResource    = "seed-tts-2.0"
)

var errResourceMismatch = errors.New("resource ID is mismatched with speaker related resource")

// VolcengineSynthesizer 火山引擎 TTS WebSocket 客户端，输出 PCM16。
type VolcengineSynthesizer struct {
	cfg      config.SpeechConfig
	endpoint string
	dialer   *websocket.Dialer
}

// VolcengineOption customizes a VolcengineSynthesizer.
type VolcengineOption func(*VolcengineSynthesizer)

// WithEndpoint overrides the websocket URL.
func WithEndpoint(url string) VolcengineOption {
	return func(s *VolcengineSynthesizer) { s.endpoint = url }
}

// NewVolcengineSynthesizer 创建火山引擎 TTS 客户端
func NewVolcengineSynthesizer(cfg config.SpeechConfig, opts ...VolcengineOption) *VolcengineSynthesizer {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &VolcengineSynthesizer{
		cfg:      cfg,
		endpoint: DefaultVolcengineEndpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type volcengineRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                `json:"speaker"`
		Text        string                `json:"text"`
		AudioParams volcengineAudioParams `json:"audio_params"`
		Additions   string                `json:"additions,omitempty"`
		Language    string                `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

type volcengineResponse struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

// Synthesize 依次尝试候选音色与资源 ID，资源不匹配时换下一个。
func (s *VolcengineSynthesizer) Synthesize(ctx context.Context, req speech.Request) (*speech.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperr.ErrEmptyInput
	}
	if s.cfg.AppID == "" || s.cfg.AccessToken == "" {
		return nil, apperr.Errorf(apperr.KindConfiguration, "volcengine", "缺少语音服务凭证，请配置 SPEECH_APP_ID 和 SPEECH_ACCESS_TOKEN")
	}

	requested := ""
	var speed, volume float32
	if req.Voice != nil && req.Voice.Volcengine != nil {
		requested = req.Voice.Voice()
		speed = req.Voice.Volcengine.Speed
		volume = req.Voice.Volcengine.Volume
	}
	if speed <= 0 {
		speed = s.cfg.TTSSpeed
	}
	if volume <= 0 {
		volume = s.cfg.TTSVolume
	}
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = s.cfg.SampleRate
	}
	if sampleRate <= 0 {
		sampleRate = speech.DefaultSampleRate
	}

	speakers := resolveSpeakerCandidates(requested, s.cfg.TTSVoice)
	var lastErr error
	for i, speaker := range speakers {
		for j, resource := range resolveResourceCandidates(speaker) {
			payload := s.buildRequest(req, speaker, sampleRate, speed, volume)
			audio, err := s.synthesizeWith(ctx, payload, resource, sampleRate)
			if err == nil {
				if i > 0 || j > 0 {
					log.Printf("[TTS] voice %s succeeded with fallback resource %s", speaker, resource)
				}
				return audio, nil
			}
			if !errors.Is(err, errResourceMismatch) {
				return nil, apperr.Provider("volcengine", err)
			}
			log.Printf("[TTS] voice %s resource %s mismatch", speaker, resource)
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no speaker configured")
	}
	return nil, apperr.Provider("volcengine", fmt.Errorf("no compatible resource for voices %v: %w", speakers, lastErr))
}

func (s *VolcengineSynthesizer) buildRequest(req speech.Request, speaker string, sampleRate int, speed, volume float32) *volcengineRequest {
	payload := &volcengineRequest{}
	payload.User.UID = req.SessionID
	if payload.User.UID == "" {
		payload.User.UID = uuid.NewString()
	}
	payload.ReqParams.Speaker = speaker
	payload.ReqParams.Text = req.Text
	payload.ReqParams.AudioParams = volcengineAudioParams{Format: "pcm", SampleRate: sampleRate}
	if speed > 0 && speed != 1.0 {
		payload.ReqParams.AudioParams.SpeedRatio = speed
	}
	if volume > 0 && volume != 1.0 {
		payload.ReqParams.AudioParams.VolumeRatio = volume
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = strings.TrimSpace(s.cfg.TTSLanguage)
	}
	payload.ReqParams.Language = language
	payload.ReqParams.Additions = `{"disable_markdown_filter":false}`
	return payload
}

func (s *VolcengineSynthesizer) synthesizeWith(ctx context.Context, payload *volcengineRequest, resource string, sampleRate int) (*speech.Audio, error) {
	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", s.cfg.AppID)
	header.Set("X-Api-Access-Key", s.cfg.AccessToken)
	header.Set("X-Api-Resource-Id", resource)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to connect to TTS WebSocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[TTS] connected with logid: %s", logid)
		}
	}

	// 读循环阻塞在 ReadMessage 上，取消时靠关闭连接打断
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	data, err := newRequestFrame(body).encode()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return nil, fmt.Errorf("failed to send TTS request: %w", err)
	}

	audio := &speech.Audio{Encoding: speech.EncodingPCM16, SampleRate: sampleRate, RequestID: connectID}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read TTS response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode TTS message: %w", err)
		}

		switch f.Header.Type {
		case frameServerError:
			if strings.Contains(string(f.Payload), errResourceMismatch.Error()) {
				return nil, errResourceMismatch
			}
			return nil, fmt.Errorf("TTS error %d: %s", f.ErrorCode, f.Payload)

		case frameServerAudio:
			audio.Data = append(audio.Data, f.Payload...)

		case frameServerFull:
			var msg volcengineResponse
			if len(f.Payload) > 0 {
				if err := json.Unmarshal(f.Payload, &msg); err != nil {
					return nil, fmt.Errorf("malformed TTS response: %w", err)
				}
				if msg.Code != 0 && msg.Code != 3000 {
					if strings.Contains(msg.Message, errResourceMismatch.Error()) {
						return nil, errResourceMismatch
					}
					return nil, fmt.Errorf("TTS API error %d: %s", msg.Code, msg.Message)
				}
				if msg.ReqID != "" {
					audio.RequestID = msg.ReqID
				}
				if ms, err := strconv.ParseInt(msg.Addition.Duration, 10, 64); err == nil && ms > 0 {
					audio.Duration = time.Duration(ms) * time.Millisecond
				}
				if msg.Data != "" {
					chunk, err := base64.StdEncoding.DecodeString(msg.Data)
					if err != nil {
						return nil, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
					}
					audio.Data = append(audio.Data, chunk...)
				}
			}

			finished := (f.hasEvent() && f.Event == eventSessionFinished) || f.last() || msg.Sequence < 0
			if finished {
				if len(audio.Data) == 0 {
					return nil, fmt.Errorf("TTS audio is empty")
				}
				return audio, nil
			}

		default:
			log.Printf("[TTS] unexpected message type: %d", f.Header.Type)
		}
	}
}

// resolveResourceCandidates 按音色名推断资源 ID 的尝试顺序
func resolveResourceCandidates(voice string) []string {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{defaultResource, seedResource}
	}
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "neptune", "mercury", "pluto", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

var speakerAliases = map[string]string{
	"en_default":                "en_female_amy_jupiter_bigtts",
	"zh_default":                "zh_female_vv_uranus_bigtts",
	"zh_male_m392_conversation": "zh_male_M392_conversation_wvae_bigtts",
}

// resolveSpeakerCandidates 返回去重后的音色列表：请求的音色在前，服务端默认音色兜底。
func resolveSpeakerCandidates(requested, fallback string) []string {
	var candidates []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if mapped, ok := speakerAliases[strings.ToLower(v)]; ok {
			v = mapped
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, v) {
				return
			}
		}
		candidates = append(candidates, v)
	}
	add(requested)
	add(fallback)
	return candidates
}
