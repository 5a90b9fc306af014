package model

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"

	"medrag/retry"
	"medrag/types"
)

const DefaultOpenAIModel = "gpt-4o"

// OpenAIGenerator talks to any OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	policy  retry.Policy
}

func NewOpenAIGenerator(cfg LLMConfig, policy retry.Policy) (*OpenAIGenerator, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("%w: openai provider needs an api key", types.ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLLMTimeout
	}

	clientConfig := openai.DefaultConfig(key)
	if cfg.URL != "" {
		clientConfig.BaseURL = cfg.URL
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		policy:  policy,
	}, nil
}

func (g *OpenAIGenerator) ModelID() string { return "openai:" + g.model }

func (g *OpenAIGenerator) Generate(ctx context.Context, req types.GenerateRequest) (types.Completion, error) {
	return retry.Do(ctx, g.policy, "openai.chat", func(ctx context.Context) (types.Completion, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		messages := make([]openai.ChatCompletionMessage, 0, 2)
		if req.System != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       g.model,
			Messages:    messages,
			MaxTokens:   req.Options.MaxTokens,
			Temperature: float32(req.Options.Temperature),
			TopP:        float32(req.Options.TopP),
		})
		if err != nil {
			return types.Completion{}, types.AsTimeout(fmt.Errorf("chat completion: %w", err))
		}
		if len(resp.Choices) == 0 {
			return types.Completion{}, fmt.Errorf("%w: chat completion returned no choices", types.ErrMalformedResponse)
		}
		return types.Completion{Text: resp.Choices[0].Message.Content, Model: resp.Model}, nil
	})
}
