package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"medrag/retry"
	"medrag/types"
)

// Generator is the language model backend. It receives a fixed system
// instruction plus the assembled prompt and returns free text.
type Generator interface {
	Generate(ctx context.Context, req types.GenerateRequest) (types.Completion, error)
	ModelID() string
}

const (
	DefaultOllamaLLMModel = "llama3.2"
	DefaultLLMTimeout     = 120 * time.Second
	ollamaGeneratePath    = "/api/generate"
)

type LLMConfig struct {
	Provider string                `yaml:"provider"`
	URL      string                `yaml:"url"`
	Model    string                `yaml:"model"`
	APIKey   string                `yaml:"api_key"`
	Timeout  time.Duration         `yaml:"timeout"`
	Sampling types.SamplingOptions `yaml:",inline"`
}

// ProviderOpenAI selects the OpenAI-compatible chat completions backend.
// It is a generation provider only.
const ProviderOpenAI = "openai"

// NewGenerator builds the generator selected by cfg.
func NewGenerator(cfg LLMConfig, policy retry.Policy) (Generator, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		return NewOllamaGenerator(cfg, policy), nil
	case ProviderOpenAI:
		return NewOpenAIGenerator(cfg, policy)
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", types.ErrInvalidConfig, cfg.Provider)
	}
}

type OllamaGenerator struct {
	apiURL  string
	model   string
	timeout time.Duration
	policy  retry.Policy
	client  *http.Client
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Response is a pointer so a missing field can be told apart from an empty one.
type ollamaGenerateResponse struct {
	Model    string  `json:"model"`
	Response *string `json:"response"`
	Done     bool    `json:"done"`
	Error    string  `json:"error"`
}

func NewOllamaGenerator(cfg LLMConfig, policy retry.Policy) *OllamaGenerator {
	if cfg.URL == "" {
		cfg.URL = DefaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaLLMModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLLMTimeout
	}
	return &OllamaGenerator{
		apiURL:  strings.TrimRight(cfg.URL, "/") + ollamaGeneratePath,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		policy:  policy,
		client:  &http.Client{},
	}
}

func (g *OllamaGenerator) ModelID() string { return "ollama:" + g.model }

func (g *OllamaGenerator) Generate(ctx context.Context, req types.GenerateRequest) (types.Completion, error) {
	return retry.Do(ctx, g.policy, "ollama.generate", func(ctx context.Context) (types.Completion, error) {
		return g.generate(ctx, req)
	})
}

func (g *OllamaGenerator) generate(ctx context.Context, req types.GenerateRequest) (types.Completion, error) {
	reqBody, err := json.Marshal(ollamaGenerateRequest{
		Model:  g.model,
		System: req.System,
		Prompt: req.Prompt,
		Stream: false,
		Options: &ollamaOptions{
			Temperature: req.Options.Temperature,
			TopP:        req.Options.TopP,
			NumPredict:  req.Options.MaxTokens,
		},
	})
	if err != nil {
		return types.Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return types.Completion{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return types.Completion{}, types.AsTimeout(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return types.Completion{}, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	text, model, err := decodeGenerateStream(resp.Body)
	if err != nil {
		return types.Completion{}, types.AsTimeout(err)
	}
	if model == "" {
		model = g.model
	}
	return types.Completion{Text: text, Model: model}, nil
}

// decodeGenerateStream accepts both a single JSON object and the NDJSON
// stream Ollama emits when streaming is on.
func decodeGenerateStream(r io.Reader) (string, string, error) {
	decoder := json.NewDecoder(r)

	var (
		b        strings.Builder
		model    string
		sawField bool
	)
	for {
		var chunk ollamaGenerateResponse
		if err := decoder.Decode(&chunk); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return "", "", fmt.Errorf("%w: decode response: %w", types.ErrMalformedResponse, err)
		}
		if chunk.Error != "" {
			return "", "", fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Response != nil {
			sawField = true
			b.WriteString(*chunk.Response)
		}
		if chunk.Done {
			break
		}
	}
	if !sawField {
		return "", "", fmt.Errorf("%w: no response field in model output", types.ErrMalformedResponse)
	}
	return b.String(), model, nil
}
