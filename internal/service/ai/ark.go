package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
)

// ArkClient streams replies through an eino chain: system prompt, history
// placeholder and the new user message feed a single chat model.
type ArkClient struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArkClient compiles the chat chain around chatModel.
func NewArkClient(ctx context.Context, chatModel model.BaseChatModel) (*ArkClient, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ArkClient{chain: runnable}, nil
}

// Stream runs the chain in streaming mode. Model and temperature from the
// request override the chat model defaults for this call only.
func (c *ArkClient) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	input := map[string]any{
		"system":  req.SystemInstruction,
		"history": toSchemaHistory(req.History),
		"query":   req.Message,
	}

	opts := []model.Option{model.WithTemperature(float32(req.Temperature))}
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}

	stream, err := c.chain.Stream(ctx, input, compose.WithChatModelOption(opts...))
	if err != nil {
		return nil, apperr.Provider("ark stream", err)
	}
	return stream, nil
}
