// Package summarize produces cited meeting summaries from transcripts with a
// local LLM.
package summarize

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Generator is the LLM inference capability.
type Generator interface {
	Generate(ctx context.Context, system, user string, maxTokens int) (string, error)
	Model() string
}

// ChatGenerator calls an OpenAI-compatible chat completions endpoint, such
// as llama-server.
type ChatGenerator struct {
	client      openai.Client
	model       string
	temperature float64
}

// NewChatGenerator creates a generator for the server at baseURL. model is
// reported back and sent as the request model name.
func NewChatGenerator(baseURL, model string, timeout time.Duration) *ChatGenerator {
	return &ChatGenerator{
		client: openai.NewClient(
			option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/v1/"),
			option.WithAPIKey("local"),
			option.WithRequestTimeout(timeout),
			option.WithMaxRetries(0),
		),
		model:       model,
		temperature: 0.2,
	}
}

// Model implements Generator.
func (g *ChatGenerator) Model() string { return g.model }

// Generate implements Generator. The model is asked for a JSON object.
func (g *ChatGenerator) Generate(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model:       openai.ChatModel(g.model),
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(g.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
