package digest

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"jotchain/internal/journal"
)

const summarizeSystemPrompt = `You are a concise work-journal assistant. ` +
	`Summarize the journal entries below into a short digest: key accomplishments, ` +
	`open threads, and anything blocked. Use plain prose, no preamble.`

// OpenAIGenerator summarizes via OpenAI or any OpenAI-compatible API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator creates a generator with an explicit base URL.
// An empty baseURL targets the default OpenAI endpoint.
func NewOpenAIGenerator(apiKey, baseURL, model string) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (g *OpenAIGenerator) Summarize(ctx context.Context, req Request) (Summary, error) {
	body := strings.TrimSpace(journal.RenderForPrompt(req.Entries))
	if body == "" {
		return Summary{}, ErrNoEntries
	}

	user := fmt.Sprintf("Journal entries from %s to %s:\n\n%s",
		req.Window.Start.Format("2006-01-02 15:04"),
		req.Window.End.Format("2006-01-02 15:04"),
		body)

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Summary{}, fmt.Errorf("no choices in response")
	}

	return Summary{
		Payload:    resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
