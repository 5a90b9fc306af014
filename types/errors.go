package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned when an input path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedFormat marks a single file that could not be parsed.
	// Ingestion logs it and moves on.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrInvalidConfig is returned for bad chunk, overlap, k or provider values.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrTemplateFieldMismatch is returned for prompt templates whose fields are
	// not exactly {context} and {question}. It also matches ErrInvalidConfig.
	ErrTemplateFieldMismatch = fmt.Errorf("template field mismatch: %w", ErrInvalidConfig)

	// ErrEmbeddingModelMismatch means the index was built by a different model
	// or dimensionality than the one configured now.
	ErrEmbeddingModelMismatch = errors.New("embedding model mismatch")

	// ErrCollectionNotFound is returned when searching a collection that was never populated.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrTimeout wraps backend calls that ran past their deadline. It is retryable.
	ErrTimeout = errors.New("timeout")

	// ErrMalformedResponse means a backend answered without the fields we need.
	ErrMalformedResponse = errors.New("malformed response")
)

// FileError records why one file was skipped during ingestion.
type FileError struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

func (e FileError) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// AsTimeout wraps deadline and network timeout errors with ErrTimeout so callers
// can tell them apart from permanent failures. Other errors are returned as is.
func AsTimeout(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Kind names the taxonomy entry of err, for logs, metrics and API bodies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTemplateFieldMismatch):
		return "template_field_mismatch"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrCollectionNotFound):
		return "collection_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrEmbeddingModelMismatch):
		return "embedding_model_mismatch"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "internal"
	}
}
