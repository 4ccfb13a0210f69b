package classifier

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/yanmxa/toolgate/internal/config"
)

// openaiClient talks to any OpenAI-compatible chat completions
// endpoint (OpenRouter, Ollama, vLLM, the OpenAI API itself) via a
// custom base URL.
type openaiClient struct {
	client      openai.Client
	model       string
	temperature float64
}

func newOpenAIClient(cfg *config.LLMFallbackConfig) *openaiClient {
	opts := []option.RequestOption{
		option.WithBaseURL(cfg.Endpoint),
		option.WithMaxRetries(0), // retry policy lives in Assess
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &openaiClient{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (c *openaiClient) Classify(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Temperature: openai.Float(c.temperature),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openaiClient) Model() string {
	return c.model
}
