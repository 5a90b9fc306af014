package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"medrag/app/agent"
	"medrag/loader/service"
	"medrag/model"
	"medrag/retry"
	"medrag/store"
	"medrag/types"
)

const (
	DefaultChunkSize    = 700
	DefaultChunkOverlap = 70
	DefaultServerAddr   = ":3000"
	DefaultRoot         = "data/"
	DefaultLoadWorkers  = 4
	DefaultWatchTime    = 10 * time.Second
	DefaultSourceDir    = "data/incoming"
	DefaultArchiveDir   = "data/archive"
	DefaultBadDir       = "data/bad"
)

type Config struct {
	Embedding model.EmbeddingConfig `yaml:"embedding"`
	Index     store.Config          `yaml:"index"`
	Chunk     ChunkConfig           `yaml:"chunk"`
	Retrieval RetrievalConfig       `yaml:"retrieval"`
	Prompt    PromptConfig          `yaml:"prompt"`
	LLM       model.LLMConfig       `yaml:"llm"`
	Loader    LoaderConfig          `yaml:"loader"`
	Server    ServerConfig          `yaml:"server"`
	Log       LogConfig             `yaml:"log"`
	Retry     retry.Policy          `yaml:"retry"`
}

type ChunkConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

type PromptConfig struct {
	Template     string `yaml:"template"`
	System       string `yaml:"system"`
	EmptyContext string `yaml:"empty_context"`
}

type LoaderConfig struct {
	Root           string        `yaml:"root"`
	Pattern        string        `yaml:"pattern"`
	Workers        int           `yaml:"workers"`
	CropTop        float64       `yaml:"crop_top"`
	CropBottom     float64       `yaml:"crop_bottom"`
	SourceDir      string        `yaml:"source_dir"`
	ArchiveDir     string        `yaml:"archive_dir"`
	BadDir         string        `yaml:"bad_dir"`
	MonitoringTime time.Duration `yaml:"monitoring_time"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// providers checks the enumerated fields; numeric rules live in Validate.
type providers struct {
	Embedding string `validate:"oneof=ollama hash"`
	Index     string `validate:"oneof=pgvector qdrant memory"`
	LLM       string `validate:"oneof=ollama openai"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

var validate = validator.New()

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Embedding: model.EmbeddingConfig{
			Provider:  model.ProviderOllama,
			Model:     model.DefaultOllamaEmbedModel,
			URL:       model.DefaultOllamaURL,
			BatchSize: model.DefaultEmbedBatchSize,
			Timeout:   model.DefaultEmbedTimeout,
		},
		Index: store.Config{
			Provider:   store.ProviderPgvector,
			Collection: store.DefaultCollection,
			Timeout:    store.DefaultTimeout,
		},
		Chunk:     ChunkConfig{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap},
		Retrieval: RetrievalConfig{TopK: agent.DefaultTopK},
		Prompt: PromptConfig{
			Template:     agent.DefaultTemplate,
			System:       agent.DefaultSystemPrompt,
			EmptyContext: agent.DefaultEmptyContext,
		},
		LLM: model.LLMConfig{
			Provider: model.ProviderOllama,
			URL:      model.DefaultOllamaURL,
			Model:    model.DefaultOllamaLLMModel,
			Timeout:  model.DefaultLLMTimeout,
			Sampling: types.SamplingOptions{Temperature: 0.3, TopP: 1.0, MaxTokens: 2048},
		},
		Loader: LoaderConfig{
			Root:           DefaultRoot,
			Pattern:        "**/*.pdf",
			Workers:        DefaultLoadWorkers,
			SourceDir:      DefaultSourceDir,
			ArchiveDir:     DefaultArchiveDir,
			BadDir:         DefaultBadDir,
			MonitoringTime: DefaultWatchTime,
		},
		Server: ServerConfig{Addr: DefaultServerAddr},
		Log:    LogConfig{Level: "info", Format: "text"},
		Retry:  retry.DefaultPolicy(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// CONFIG_FILE), then a .env file if present, then environment variables.
// The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: read .env: %v", types.ErrInvalidConfig, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open config file: %v", types.ErrInvalidConfig, err)
	}
	defer f.Close()
	return c.decode(f)
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse config: %v", types.ErrInvalidConfig, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"EMBEDDING_MODEL":    &c.Embedding.Model,
		"EMBEDDING_URL":      &c.Embedding.URL,
		"INDEX_PROVIDER":     &c.Index.Provider,
		"INDEX_URL":          &c.Index.URL,
		"INDEX_API_KEY":      &c.Index.APIKey,
		"COLLECTION":         &c.Index.Collection,
		"PROMPT_TEMPLATE":    &c.Prompt.Template,
		"SYSTEM_PROMPT":      &c.Prompt.System,
		"LLM_PROVIDER":       &c.LLM.Provider,
		"LLM_URL":            &c.LLM.URL,
		"LLM_MODEL":          &c.LLM.Model,
		"LLM_API_KEY":        &c.LLM.APIKey,
		"LOADER_ROOT":        &c.Loader.Root,
		"LOADER_PATTERN":     &c.Loader.Pattern,
		"LOADER_SOURCE_DIR":  &c.Loader.SourceDir,
		"LOADER_ARCHIVE_DIR": &c.Loader.ArchiveDir,
		"LOADER_BAD_DIR":     &c.Loader.BadDir,
		"SERVER_ADDR":        &c.Server.Addr,
		"LOG_LEVEL":          &c.Log.Level,
		"LOG_FORMAT":         &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"EMBEDDING_DIMENSION": &c.Embedding.Dimension,
		"EMBED_BATCH_SIZE":    &c.Embedding.BatchSize,
		"CHUNK_SIZE":          &c.Chunk.Size,
		"CHUNK_OVERLAP":       &c.Chunk.Overlap,
		"TOP_K":               &c.Retrieval.TopK,
		"LLM_MAX_TOKENS":      &c.LLM.Sampling.MaxTokens,
		"LOADER_WORKERS":      &c.Loader.Workers,
		"RETRY_MAX_ATTEMPTS":  &c.Retry.MaxAttempts,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", types.ErrInvalidConfig, key, v)
		}
		*dst = n
	}

	floats := map[string]*float64{
		"LLM_TEMPERATURE":    &c.LLM.Sampling.Temperature,
		"LLM_TOP_P":          &c.LLM.Sampling.TopP,
		"LOADER_CROP_TOP":    &c.Loader.CropTop,
		"LOADER_CROP_BOTTOM": &c.Loader.CropBottom,
	}
	for key, dst := range floats {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", types.ErrInvalidConfig, key, v)
		}
		*dst = f
	}

	durations := map[string]*time.Duration{
		"EMBEDDING_TIMEOUT":      &c.Embedding.Timeout,
		"INDEX_TIMEOUT":          &c.Index.Timeout,
		"LLM_TIMEOUT":            &c.LLM.Timeout,
		"LOADER_MONITORING_TIME": &c.Loader.MonitoringTime,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a duration", types.ErrInvalidConfig, key, v)
		}
		*dst = d
	}

	if c.Index.URL == "" && c.Index.Provider == store.ProviderPgvector {
		c.Index.URL = postgresDSN(lookup)
	}
	return nil
}

// postgresDSN assembles a connection string from the PG_* variables, or
// returns "" when PG_HOST is unset.
func postgresDSN(lookup lookupFunc) string {
	host, ok := lookup("PG_HOST")
	if !ok || host == "" {
		return ""
	}
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, get("PG_PORT", "5432"), get("PG_USER", "postgres"), get("PG_PASS", ""), get("PG_DB_NAME", "postgres"))
}

// Validate checks every setting that would otherwise fail late.
func (c Config) Validate() error {
	err := validate.Struct(providers{
		Embedding: c.Embedding.Provider,
		Index:     c.Index.Provider,
		LLM:       c.LLM.Provider,
		LogLevel:  strings.ToLower(c.Log.Level),
		LogFormat: strings.ToLower(c.Log.Format),
	})
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: unsupported %s %q", types.ErrInvalidConfig,
				strings.ToLower(verrs[0].Field()), verrs[0].Value())
		}
		return fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}
	if err := service.ValidateChunking(c.Chunk.Size, c.Chunk.Overlap); err != nil {
		return err
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("%w: top_k must be at least 1, got %d", types.ErrInvalidConfig, c.Retrieval.TopK)
	}
	if c.Embedding.Dimension < 0 || c.Embedding.BatchSize < 0 {
		return fmt.Errorf("%w: embedding dimension and batch size must not be negative", types.ErrInvalidConfig)
	}
	if c.Index.Collection == "" {
		return fmt.Errorf("%w: index collection is required", types.ErrInvalidConfig)
	}
	if c.Loader.CropTop < 0 || c.Loader.CropBottom < 0 {
		return fmt.Errorf("%w: crop margins must not be negative", types.ErrInvalidConfig)
	}
	return agent.ValidateTemplate(c.Prompt.Template)
}

// Public returns a copy with credentials removed, suitable for display.
func (c Config) Public() Config {
	c.Index.APIKey = redact(c.Index.APIKey)
	c.Index.URL = redactDSN(c.Index.URL)
	c.LLM.APIKey = redact(c.LLM.APIKey)
	return c
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// redactDSN hides the password of a URL or key=value connection string.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if i := strings.Index(dsn, "://"); i >= 0 {
		rest := dsn[i+3:]
		at := strings.LastIndex(rest, "@")
		if at < 0 {
			return dsn
		}
		user, _, _ := strings.Cut(rest[:at], ":")
		return dsn[:i+3] + user + ":***" + rest[at:]
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}

// NewLogger builds a slog logger writing to w in the configured format.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
