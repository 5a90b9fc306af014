package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"medrag/metrics"
	"medrag/model"
	"medrag/types"
)

const DefaultTopK = 1

type Config struct {
	System   string
	Sampling types.SamplingOptions
	TopK     int
}

// Agent answers questions: retrieve, assemble the prompt, generate, extract.
// Its parts are built once and shared by all requests.
type Agent struct {
	retriever *Retriever
	prompt    *PromptAssembler
	generator model.Generator
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tokens    *tokenCounter
}

type Option func(*Agent)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

func New(retriever *Retriever, prompt *PromptAssembler, generator model.Generator, cfg Config, opts ...Option) *Agent {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	a := &Agent{
		retriever: retriever,
		prompt:    prompt,
		generator: generator,
		cfg:       cfg,
		logger:    slog.Default(),
		tokens:    &tokenCounter{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnswerQuestion returns the model's answer with the provenance of the best
// hit. k of 0 means the configured default.
func (a *Agent) AnswerQuestion(ctx context.Context, question string, k int) (answer types.Answer, err error) {
	start := time.Now()
	defer func() {
		a.metrics.ObserveQuery(time.Since(start), err)
		if err != nil {
			a.logger.Error("[AGENT] question failed", "kind", types.Kind(err), "error", err)
		}
	}()

	if strings.TrimSpace(question) == "" {
		return types.Answer{}, fmt.Errorf("%w: question is empty", types.ErrInvalidConfig)
	}
	if k == 0 {
		k = a.cfg.TopK
	}
	if k < 0 {
		return types.Answer{}, fmt.Errorf("%w: k must be at least 1, got %d", types.ErrInvalidConfig, k)
	}

	hits, err := a.retriever.Retrieve(ctx, question, k)
	if err != nil {
		return types.Answer{}, err
	}

	prompt := a.prompt.Assemble(question, hits)
	if a.logger.Enabled(ctx, slog.LevelDebug) {
		a.logger.Debug("[AGENT] prompt assembled",
			"hits", len(hits), "chars", len(prompt), "tokens", a.tokens.Count(a.cfg.System+prompt))
	}

	genStart := time.Now()
	completion, err := a.generator.Generate(ctx, types.GenerateRequest{
		System:  a.cfg.System,
		Prompt:  prompt,
		Options: a.cfg.Sampling,
	})
	if err != nil {
		return types.Answer{}, fmt.Errorf("generate answer: %w", err)
	}
	a.logger.Info("[AGENT] answer generated", "model", completion.Model, "took", time.Since(genStart))

	return Extract(completion, hits)
}

// tokenCounter loads the BPE ranks on first use. tiktoken may need to
// download them; failure disables counting and Count returns -1.
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *tokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.EncodingForModel("gpt-3.5-turbo")
		if err != nil {
			slog.Default().Debug("[AGENT] token counting disabled", "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return -1
	}
	return len(c.enc.Encode(text, nil, nil))
}
