package speech

import (
	"time"

	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
)

// DefaultSampleRate is used when a request does not specify one.
const DefaultSampleRate = 24000

// Request 语音合成请求
type Request struct {
	SessionID  string            `json:"sessionId"`
	MessageID  string            `json:"messageId"`
	Text       string            `json:"text"`
	Voice      *preset.TTSConfig `json:"voice,omitempty"`
	SampleRate int               `json:"sampleRate"`
	Language   string            `json:"language,omitempty"`
}

// Encoding 音频数据编码
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_s16le"
	EncodingMP3   Encoding = "mp3"
)

// Audio 一段完整的合成音频
type Audio struct {
	Data       []byte        `json:"-"`
	Encoding   Encoding      `json:"encoding"`
	SampleRate int           `json:"sampleRate"`
	Duration   time.Duration `json:"duration"`
	RequestID  string        `json:"requestId,omitempty"`
}

// PlaybackDuration returns the reported duration, or derives it from the
// sample count for raw PCM.
func (a *Audio) PlaybackDuration() time.Duration {
	if a == nil {
		return 0
	}
	if a.Duration > 0 {
		return a.Duration
	}
	if a.Encoding == EncodingPCM16 && a.SampleRate > 0 {
		samples := len(a.Data) / 2
		return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
	}
	return 0
}
