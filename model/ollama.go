package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"medrag/retry"
	"medrag/types"
)

const (
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaEmbedModel  = "nomic-embed-text"
	DefaultEmbedBatchSize    = 32
	DefaultEmbedTimeout      = 30 * time.Second
	ollamaEmbedPath          = "/api/embed"
	ollamaEmbedderIDTemplate = "ollama:%s"
)

type OllamaEmbedderConfig struct {
	BaseURL   string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
	Retry     retry.Policy
	Client    *http.Client
}

// OllamaEmbedder creates embeddings through the Ollama HTTP API.
type OllamaEmbedder struct {
	apiURL    string
	model     string
	batchSize int
	timeout   time.Duration
	policy    retry.Policy
	client    *http.Client
	dimension atomic.Int64
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

func NewOllamaEmbedder(cfg OllamaEmbedderConfig) *OllamaEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaEmbedModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultEmbedBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEmbedTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	e := &OllamaEmbedder{
		apiURL:    strings.TrimRight(cfg.BaseURL, "/") + ollamaEmbedPath,
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		policy:    cfg.Retry,
		client:    cfg.Client,
	}
	e.dimension.Store(int64(cfg.Dimension))
	return e
}

func (e *OllamaEmbedder) ModelID() string {
	return fmt.Sprintf(ollamaEmbedderIDTemplate, e.model)
}

func (e *OllamaEmbedder) Dimension() int {
	return int(e.dimension.Load())
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends texts in groups of batchSize, each group retried on timeout.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch := texts[start:end]
		vecs, err := retry.Do(ctx, e.policy, "ollama.embed", func(ctx context.Context) ([][]float32, error) {
			return e.embed(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("embed texts %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OllamaEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, types.AsTimeout(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var ollamaResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, types.AsTimeout(fmt.Errorf("%w: decode embeddings: %w", types.ErrMalformedResponse, err))
	}
	if len(ollamaResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
			types.ErrMalformedResponse, len(ollamaResp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for i, raw := range ollamaResp.Embeddings {
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at %d", types.ErrMalformedResponse, i)
		}
		if err := e.checkDimension(len(raw)); err != nil {
			return nil, err
		}
		vecs[i] = normalize(toFloat32(raw))
	}
	return vecs, nil
}

// checkDimension pins the dimension on first sight and rejects drift afterwards.
func (e *OllamaEmbedder) checkDimension(n int) error {
	if e.dimension.CompareAndSwap(0, int64(n)) {
		return nil
	}
	if want := e.Dimension(); want != n {
		return fmt.Errorf("%w: model %s returned %d dimensions, expected %d",
			types.ErrEmbeddingModelMismatch, e.model, n, want)
	}
	return nil
}
