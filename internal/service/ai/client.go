package ai

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/config"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
)

// Request is one streaming call: a system instruction, the prior turns the
// agent may see and the new message.
type Request struct {
	Model             string
	SystemInstruction string
	History           []chat.Message
	Message           string
	Temperature       float64
	APIKey            string
}

// Client starts a streaming generation. The returned reader yields text
// deltas in order; the caller must Close it.
type Client interface {
	Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error)
}

// NewClient builds the client for the configured provider.
func NewClient(ctx context.Context, cfg config.AIConfig) (Client, error) {
	switch cfg.Provider {
	case config.ProviderArk:
		if !cfg.ArkEnabled() {
			return nil, apperr.ErrMissingCredential
		}
		chatModel, err := cfg.NewArkChatModel(ctx)
		if err != nil {
			return nil, apperr.New(apperr.KindConfiguration, "ark", err)
		}
		return NewArkClient(ctx, chatModel)
	case config.ProviderGemini, "":
		return NewGeminiClient(), nil
	default:
		return nil, apperr.Errorf(apperr.KindConfiguration, "ai", "unknown provider %q", cfg.Provider)
	}
}

// Collect drains stream in receipt order. onText, if set, receives the
// cumulative text after every non-empty delta. The returned string is the
// full reply; on error it holds whatever arrived before the failure.
func Collect(stream *schema.StreamReader[*schema.Message], onText func(text string)) (string, error) {
	defer stream.Close()

	var builder strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return builder.String(), nil
		}
		if err != nil {
			return builder.String(), apperr.Provider("stream", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		builder.WriteString(chunk.Content)
		if onText != nil {
			onText(builder.String())
		}
	}
}

func validate(req Request) error {
	if strings.TrimSpace(req.Message) == "" {
		return apperr.ErrEmptyInput
	}
	return nil
}

// toSchemaHistory converts prior turns into eino messages.
func toSchemaHistory(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.RoleModel:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}
	return history
}
