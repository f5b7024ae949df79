package ai

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/z-studio/backend/internal/apperr"
	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"google.golang.org/genai"
)

// GeminiClient streams replies from the Gemini API. The API key comes from
// each request, so one genai client is kept per key.
type GeminiClient struct {
	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiClient creates a client with an empty key cache.
func NewGeminiClient() *GeminiClient {
	return &GeminiClient{clients: make(map[string]*genai.Client)}
}

func (c *GeminiClient) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.clients[apiKey]; ok {
		return existing, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	c.clients[apiKey] = client
	return client, nil
}

// Stream starts GenerateContentStream and pipes every text part into an
// eino stream reader.
func (c *GeminiClient) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.APIKey == "" {
		return nil, apperr.ErrMissingCredential
	}

	client, err := c.client(ctx, req.APIKey)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "gemini", err)
	}

	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if req.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
		}
	}

	contents := buildContents(req.History, req.Message)
	reader, writer := schema.Pipe[*schema.Message](16)

	go func() {
		defer writer.Close()

		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				writer.Send(nil, fmt.Errorf("gemini: %w", err))
				return
			}
			text := responseText(resp)
			if text == "" {
				continue
			}
			if closed := writer.Send(schema.AssistantMessage(text, nil), nil); closed {
				log.Printf("[ai] gemini stream closed by reader, model=%s", req.Model)
				return
			}
		}
	}()

	return reader, nil
}

func buildContents(history []chat.Message, message string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, msg := range history {
		if msg.Text == "" {
			continue
		}
		role := "user"
		if msg.Role == chat.RoleModel {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Text}},
		})
	}
	return append(contents, &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: message}},
	})
}

// responseText joins the visible text parts of the first candidate.
// Thought parts are skipped.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return ""
	}

	var text string
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text += part.Text
	}
	return text
}
