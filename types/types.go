package types

import (
	"time"

	"github.com/google/uuid"
)

// NoSource is reported in place of source text and id when retrieval found nothing.
const NoSource = "<no source>"

// Unit is one page (or whole file for plain text) of a source document.
type Unit struct {
	Index int
	Text  string
}

// Document is the ordered set of text units read from a single source file.
type Document struct {
	SourceID string // path of the file relative to the loader root
	Title    string
	Format   string // pdf, text, markdown
	Units    []Unit
	ModTime  time.Time
}

// Chunk is a window of a single unit's text.
type Chunk struct {
	SourceID   string
	UnitIndex  int
	ChunkIndex int
	Text       string
}

// Payload is what the index store keeps next to each vector.
type Payload struct {
	Text       string `json:"text"`
	SourceID   string `json:"source_id"`
	UnitIndex  int    `json:"unit_index"`
	ChunkIndex int    `json:"chunk_index"`
}

// IndexEntry is a vector with its payload, keyed by a content-derived id.
type IndexEntry struct {
	ID      uuid.UUID
	Vector  []float32
	Payload Payload
}

// Hit is a single search result. Score is a similarity: higher is closer.
type Hit struct {
	ID      string
	Payload Payload
	Score   float64
}

// CollectionSpec is the manifest stored with a collection. An index built with
// one embedding model must never be queried with vectors from another.
type CollectionSpec struct {
	Name      string `json:"name"`
	Model     string `json:"embedding_model"`
	Dimension int    `json:"dimension"`
}

// SamplingOptions are the generation parameters handed to the language model.
type SamplingOptions struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	TopP        float64 `json:"top_p" yaml:"top_p"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

type GenerateRequest struct {
	System  string
	Prompt  string
	Options SamplingOptions
}

// Completion is the validated output of a generative backend.
type Completion struct {
	Text  string
	Model string
}

// Answer is the structured result of a question.
type Answer struct {
	Answer         string  `json:"answer"`
	BestSourceText string  `json:"source_document"`
	SourceID       string  `json:"doc"`
	Score          float64 `json:"score"`
}

type IngestRequest struct {
	Root       string `json:"root"`
	Pattern    string `json:"pattern"`
	ChunkSize  int    `json:"chunk_size"`
	Overlap    int    `json:"overlap"`
	Collection string `json:"collection"`
	Rebuild    bool   `json:"rebuild"`
}

type IngestResult struct {
	DocumentsLoaded int         `json:"documents_loaded"`
	ChunksWritten   int         `json:"chunks_written"`
	Skipped         []FileError `json:"skipped,omitempty"`
}
