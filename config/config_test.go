package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/app/agent"
	"medrag/types"
)

func lookupMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 700, cfg.Chunk.Size)
	assert.Equal(t, 70, cfg.Chunk.Overlap)
	assert.Equal(t, 1, cfg.Retrieval.TopK)
	assert.Equal(t, "vector_db_2", cfg.Index.Collection)
	assert.Equal(t, "**/*.pdf", cfg.Loader.Pattern)
	assert.Equal(t, "data/", cfg.Loader.Root)
	assert.Equal(t, 0.3, cfg.LLM.Sampling.Temperature)
	assert.Equal(t, 2048, cfg.LLM.Sampling.MaxTokens)
	assert.Equal(t, 1.0, cfg.LLM.Sampling.TopP)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, agent.DefaultTemplate, cfg.Prompt.Template)
}

func TestDecode(t *testing.T) {
	yml := `
embedding:
  provider: hash
  dimension: 512
index:
  provider: memory
  collection: derm
chunk:
  size: 300
  overlap: 30
retrieval:
  top_k: 4
llm:
  provider: openai
  model: gpt-4o-mini
  temperature: 0.1
  max_tokens: 512
loader:
  pattern: "**/*.txt"
  monitoring_time: 30s
retry:
  max_attempts: 5
`
	cfg := Default()
	require.NoError(t, cfg.decode(strings.NewReader(yml)))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 512, cfg.Embedding.Dimension)
	assert.Equal(t, "derm", cfg.Index.Collection)
	assert.Equal(t, 300, cfg.Chunk.Size)
	assert.Equal(t, 4, cfg.Retrieval.TopK)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 0.1, cfg.LLM.Sampling.Temperature)
	assert.Equal(t, 512, cfg.LLM.Sampling.MaxTokens)
	// untouched fields keep their defaults
	assert.Equal(t, 1.0, cfg.LLM.Sampling.TopP)
	assert.Equal(t, 30*time.Second, cfg.Loader.MonitoringTime)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestDecode_UnknownField(t *testing.T) {
	cfg := Default()
	err := cfg.decode(strings.NewReader("chunk:\n  sise: 10\n"))
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(lookupMap(map[string]string{
		"EMBEDDING_MODEL": "mxbai-embed-large",
		"INDEX_URL":       "postgres://rag:secret@db:5432/rag",
		"COLLECTION":      "notes",
		"CHUNK_SIZE":      "400",
		"CHUNK_OVERLAP":   "40",
		"TOP_K":           "3",
		"LLM_URL":         "http://llm:11434",
		"LLM_MODEL":       "mistral",
		"LLM_TEMPERATURE": "0.7",
		"LLM_TIMEOUT":     "2m",
		"LOG_LEVEL":       "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "mxbai-embed-large", cfg.Embedding.Model)
	assert.Equal(t, "postgres://rag:secret@db:5432/rag", cfg.Index.URL)
	assert.Equal(t, "notes", cfg.Index.Collection)
	assert.Equal(t, 400, cfg.Chunk.Size)
	assert.Equal(t, 40, cfg.Chunk.Overlap)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, "http://llm:11434", cfg.LLM.URL)
	assert.Equal(t, "mistral", cfg.LLM.Model)
	assert.Equal(t, 0.7, cfg.LLM.Sampling.Temperature)
	assert.Equal(t, 2*time.Minute, cfg.LLM.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestApplyEnv_BadNumbers(t *testing.T) {
	for _, env := range []map[string]string{
		{"CHUNK_SIZE": "big"},
		{"LLM_TOP_P": "high"},
		{"INDEX_TIMEOUT": "soon"},
	} {
		cfg := Default()
		assert.ErrorIs(t, cfg.applyEnv(lookupMap(env)), types.ErrInvalidConfig, env)
	}
}

func TestApplyEnv_PostgresParts(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookupMap(map[string]string{
		"PG_HOST":    "db",
		"PG_PORT":    "6543",
		"PG_USER":    "rag",
		"PG_PASS":    "secret",
		"PG_DB_NAME": "vectors",
	})))
	assert.Equal(t, "host=db port=6543 user=rag password=secret dbname=vectors sslmode=disable", cfg.Index.URL)

	explicit := Default()
	require.NoError(t, explicit.applyEnv(lookupMap(map[string]string{
		"INDEX_URL": "postgres://x@y/z",
		"PG_HOST":   "db",
	})))
	assert.Equal(t, "postgres://x@y/z", explicit.Index.URL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap equals size", func(c *Config) { c.Chunk.Size, c.Chunk.Overlap = 50, 50 }},
		{"negative overlap", func(c *Config) { c.Chunk.Overlap = -1 }},
		{"zero top k", func(c *Config) { c.Retrieval.TopK = 0 }},
		{"unknown embedder", func(c *Config) { c.Embedding.Provider = "bert" }},
		{"unknown index", func(c *Config) { c.Index.Provider = "faiss" }},
		{"unknown llm", func(c *Config) { c.LLM.Provider = "claude" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"empty collection", func(c *Config) { c.Index.Collection = "" }},
		{"negative crop", func(c *Config) { c.Loader.CropTop = -5 }},
		{"template without question", func(c *Config) { c.Prompt.Template = "Context: {context}" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk:\n  size: 200\n  overlap: 20\n"), 0o644))

	t.Chdir(dir)
	t.Setenv("CHUNK_OVERLAP", "25")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Chunk.Size)
	assert.Equal(t, 25, cfg.Chunk.Overlap)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TOP_K=6\n"), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("TOP_K", "")
	// .env never overrides a variable that is already set
	require.NoError(t, os.Unsetenv("TOP_K"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Retrieval.TopK)
}

func TestPublic(t *testing.T) {
	cfg := Default()
	cfg.Index.URL = "postgres://rag:secret@db:5432/rag"
	cfg.Index.APIKey = "qdrant-key"
	cfg.LLM.APIKey = "sk-123"

	pub := cfg.Public()
	assert.Equal(t, "postgres://rag:***@db:5432/rag", pub.Index.URL)
	assert.Equal(t, "***", pub.Index.APIKey)
	assert.Equal(t, "***", pub.LLM.APIKey)
	assert.Equal(t, "sk-123", cfg.LLM.APIKey)

	assert.Equal(t, "host=db password=*** dbname=x", redactDSN("host=db password=hunter2 dbname=x"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("[TEST] hidden")
	logger.Warn("[TEST] shown", "k", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"[TEST] shown"`)
}
