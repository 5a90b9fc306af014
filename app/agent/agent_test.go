package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/loader/service"
	"medrag/model"
	"medrag/retry"
	"medrag/store"
	"medrag/types"
)

const (
	psoriasis = "Psoriasis is a chronic skin condition characterized by red, scaly patches."
	eczema    = "Eczema causes itchy, inflamed patches of skin on the hands and elbows."
	melanoma  = "Melanoma is a malignant tumor arising from pigment-producing melanocytes."
)

type fakeGenerator struct {
	mu       sync.Mutex
	text     string
	err      error
	requests []types.GenerateRequest
}

func (g *fakeGenerator) Generate(_ context.Context, req types.GenerateRequest) (types.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return types.Completion{}, g.err
	}
	return types.Completion{Text: g.text, Model: "fake"}, nil
}

func (g *fakeGenerator) ModelID() string { return "fake" }

func (g *fakeGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return ""
	}
	return g.requests[len(g.requests)-1].Prompt
}

type fixture struct {
	embedder model.Embedder
	index    *store.MemoryStore
	gen      *fakeGenerator
	agent    *Agent
}

// newFixture ingests files (name -> content) with the given chunking and
// returns an agent over the resulting collection.
func newFixture(t *testing.T, files map[string]string, size, overlap int) *fixture {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}

	embedder := model.NewHashEmbedder(256)
	index := store.NewMemoryStore()
	ingest := service.New(embedder, index, service.Defaults{Pattern: "*.txt"})
	_, err := ingest.Ingest(context.Background(), types.IngestRequest{Root: root, ChunkSize: size, Overlap: overlap})
	require.NoError(t, err)

	return newAgentFixture(t, embedder, index)
}

func newAgentFixture(t *testing.T, embedder model.Embedder, index *store.MemoryStore) *fixture {
	t.Helper()
	prompt, err := NewPromptAssembler(DefaultTemplate, "")
	require.NoError(t, err)
	gen := &fakeGenerator{text: "It is a chronic skin condition."}
	retriever := NewRetriever(embedder, index, "", retry.Policy{MaxAttempts: 1})
	return &fixture{
		embedder: embedder,
		index:    index,
		gen:      gen,
		agent:    New(retriever, prompt, gen, Config{System: DefaultSystemPrompt}),
	}
}

func TestAnswerQuestion_SingleDocument(t *testing.T) {
	f := newFixture(t, map[string]string{"psoriasis.txt": psoriasis}, 50, 10)

	answer, err := f.agent.AnswerQuestion(context.Background(), "What is psoriasis?", 1)
	require.NoError(t, err)

	assert.NotEmpty(t, answer.Answer)
	assert.Equal(t, "psoriasis.txt", answer.SourceID)
	assert.Contains(t, answer.BestSourceText, "chronic skin condition")
	assert.Greater(t, answer.Score, 0.0)

	prompt := f.gen.lastPrompt()
	assert.Contains(t, prompt, "Question: What is psoriasis?")
	assert.Contains(t, prompt, answer.BestSourceText)
	assert.Equal(t, DefaultSystemPrompt, f.gen.requests[0].System)
}

func TestAnswerQuestion_DisjointDocuments(t *testing.T) {
	f := newFixture(t, map[string]string{"eczema.txt": eczema, "melanoma.txt": melanoma}, 700, 70)

	answer, err := f.agent.AnswerQuestion(context.Background(), "Is melanoma a malignant tumor?", 1)
	require.NoError(t, err)
	assert.Equal(t, "melanoma.txt", answer.SourceID)
	assert.Equal(t, melanoma, answer.BestSourceText)
	assert.NotContains(t, f.gen.lastPrompt(), "Eczema")
}

func TestRetrieve_DescendingScores(t *testing.T) {
	f := newFixture(t, map[string]string{"eczema.txt": eczema, "melanoma.txt": melanoma}, 700, 70)

	hits, err := f.agent.retriever.Retrieve(context.Background(), "Is melanoma a malignant tumor?", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "melanoma.txt", hits[0].Payload.SourceID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestAnswerQuestion_EmptyIndex(t *testing.T) {
	f := newFixture(t, nil, 700, 70)

	answer, err := f.agent.AnswerQuestion(context.Background(), "What is psoriasis?", 3)
	require.NoError(t, err)
	assert.Equal(t, types.NoSource, answer.SourceID)
	assert.Equal(t, types.NoSource, answer.BestSourceText)
	assert.Contains(t, f.gen.lastPrompt(), DefaultEmptyContext)
}

func TestAnswerQuestion_CollectionNotFound(t *testing.T) {
	f := newAgentFixture(t, model.NewHashEmbedder(256), store.NewMemoryStore())

	_, err := f.agent.AnswerQuestion(context.Background(), "What is psoriasis?", 1)
	assert.ErrorIs(t, err, types.ErrCollectionNotFound)
	assert.Empty(t, f.gen.requests)
}

func TestAnswerQuestion_ModelMismatch(t *testing.T) {
	built := newFixture(t, map[string]string{"psoriasis.txt": psoriasis}, 50, 10)
	f := newAgentFixture(t, model.NewHashEmbedder(512), built.index)

	assert.ErrorIs(t, f.agent.retriever.Verify(context.Background()), types.ErrEmbeddingModelMismatch)
	_, err := f.agent.AnswerQuestion(context.Background(), "What is psoriasis?", 1)
	assert.ErrorIs(t, err, types.ErrEmbeddingModelMismatch)
}

func TestAnswerQuestion_DetectsRebuildWithOtherModel(t *testing.T) {
	f := newFixture(t, map[string]string{"psoriasis.txt": psoriasis}, 50, 10)
	ctx := context.Background()

	_, err := f.agent.AnswerQuestion(ctx, "What is psoriasis?", 1)
	require.NoError(t, err)

	name := f.agent.retriever.Collection()
	require.NoError(t, f.index.DropCollection(ctx, name))
	require.NoError(t, f.index.EnsureCollection(ctx, types.CollectionSpec{Name: name, Model: "other-model", Dimension: 256}))

	_, err = f.agent.AnswerQuestion(ctx, "What is psoriasis?", 1)
	assert.ErrorIs(t, err, types.ErrEmbeddingModelMismatch)
	assert.Len(t, f.gen.requests, 1, "generator must not run after the mismatch")
}

func TestAnswerQuestion_InvalidInput(t *testing.T) {
	f := newFixture(t, map[string]string{"psoriasis.txt": psoriasis}, 50, 10)

	_, err := f.agent.AnswerQuestion(context.Background(), "What is psoriasis?", -1)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = f.agent.AnswerQuestion(context.Background(), "   ", 1)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = f.agent.retriever.Retrieve(context.Background(), "What is psoriasis?", 0)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
	assert.Empty(t, f.gen.requests)
}

func TestAnswerQuestion_DefaultK(t *testing.T) {
	f := newFixture(t, map[string]string{"psoriasis.txt": psoriasis}, 50, 10)

	answer, err := f.agent.AnswerQuestion(context.Background(), "What is psoriasis?", 0)
	require.NoError(t, err)
	assert.Equal(t, "psoriasis.txt", answer.SourceID)
	// one hit only, so the second chunk is not in the prompt
	assert.NotContains(t, f.gen.lastPrompt(), "scaly patches")
}

func TestAnswerQuestion_GeneratorFailures(t *testing.T) {
	f := newFixture(t, map[string]string{"psoriasis.txt": psoriasis}, 50, 10)

	f.gen.err = types.ErrTimeout
	_, err := f.agent.AnswerQuestion(context.Background(), "What is psoriasis?", 1)
	assert.ErrorIs(t, err, types.ErrTimeout)

	f.gen.err = nil
	f.gen.text = "  \n"
	_, err = f.agent.AnswerQuestion(context.Background(), "What is psoriasis?", 1)
	assert.ErrorIs(t, err, types.ErrMalformedResponse)
}

func TestAnswerQuestion_Concurrent(t *testing.T) {
	f := newFixture(t, map[string]string{"eczema.txt": eczema, "melanoma.txt": melanoma}, 700, 70)

	questions := map[string]string{
		"Is melanoma a malignant tumor?":   "melanoma.txt",
		"Which itchy rash affects elbows?": "eczema.txt",
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		for q, want := range questions {
			wg.Add(1)
			go func(q, want string) {
				defer wg.Done()
				answer, err := f.agent.AnswerQuestion(context.Background(), q, 1)
				if err != nil {
					errs <- err
					return
				}
				if answer.SourceID != want {
					errs <- errors.New(q + ": got " + answer.SourceID)
				}
			}(q, want)
		}
	}
	wg.Wait()
	close(errs)

	var msgs []string
	for err := range errs {
		msgs = append(msgs, err.Error())
	}
	assert.Empty(t, msgs, strings.Join(msgs, "\n"))
}
