package internal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"medrag/types"
)

const (
	DefaultPattern = "**/*.pdf"
	DefaultWorkers = 4
)

// Parser extracts the text units of one file.
type Parser interface {
	Parse(ctx context.Context, path string) ([]types.Unit, error)
	Format() string
}

// Loader reads every file under a root that matches a doublestar pattern.
type Loader struct {
	logger  *slog.Logger
	parsers map[string]Parser
	workers int
}

type Option func(*Loader)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

func WithWorkers(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithParser registers p for a file extension such as ".pdf".
func WithParser(ext string, p Parser) Option {
	return func(l *Loader) { l.parsers[strings.ToLower(ext)] = p }
}

// WithCrop makes the PDF parser cut top and bottom margins (points) off each page.
func WithCrop(top, bottom float64) Option {
	return func(l *Loader) {
		l.parsers[".pdf"] = &PDFParser{CropTop: top, CropBottom: bottom}
	}
}

func NewLoader(opts ...Option) *Loader {
	text := TextParser{format: "text"}
	markdown := TextParser{format: "markdown"}
	l := &Loader{
		logger:  slog.Default(),
		workers: DefaultWorkers,
		parsers: map[string]Parser{
			".pdf":      &PDFParser{},
			".txt":      text,
			".md":       markdown,
			".markdown": markdown,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the documents matched by pattern under root in lexical path
// order. Files that cannot be parsed are reported in the second result and
// do not fail the call.
func (l *Loader) Load(ctx context.Context, root, pattern string) ([]types.Document, []types.FileError, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, nil, fmt.Errorf("%w: bad file pattern %q", types.ErrInvalidConfig, pattern)
	}
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: root %s", types.ErrNotFound, root)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: root %s is not a directory", types.ErrNotFound, root)
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, nil, fmt.Errorf("match %q under %s: %w", pattern, root, err)
	}
	sort.Strings(matches)
	l.logger.Info("[LOADER] matched files", "root", root, "pattern", pattern, "count", len(matches))

	docs := make([]types.Document, len(matches))
	failures := make([]error, len(matches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, rel := range matches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doc, err := l.loadFile(gctx, root, rel)
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				failures[i] = err
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		out     []types.Document
		skipped []types.FileError
	)
	for i, rel := range matches {
		if failures[i] != nil {
			l.logger.Warn("[LOADER] skipping file", "path", rel, "error", failures[i])
			skipped = append(skipped, types.FileError{Path: rel, Err: failures[i]})
			continue
		}
		out = append(out, docs[i])
	}
	return out, skipped, nil
}

// LoadFile reads a single file. Its source id is the path relative to root.
func (l *Loader) LoadFile(ctx context.Context, root, path string) (types.Document, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	return l.loadFile(ctx, root, filepath.ToSlash(rel))
}

func (l *Loader) loadFile(ctx context.Context, root, rel string) (types.Document, error) {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.Document{}, fmt.Errorf("%w: %s", types.ErrNotFound, path)
	}
	if err != nil {
		return types.Document{}, fmt.Errorf("stat %s: %w", path, err)
	}

	parser, ok := l.parsers[strings.ToLower(filepath.Ext(rel))]
	if !ok {
		return types.Document{}, fmt.Errorf("%w: no parser for %q", types.ErrUnsupportedFormat, filepath.Ext(rel))
	}
	units, err := parser.Parse(ctx, path)
	if err != nil {
		if errors.Is(err, types.ErrUnsupportedFormat) {
			return types.Document{}, err
		}
		return types.Document{}, fmt.Errorf("%w: %w", types.ErrUnsupportedFormat, err)
	}

	return types.Document{
		SourceID: rel,
		Title:    generateTitle(rel),
		Format:   parser.Format(),
		Units:    units,
		ModTime:  info.ModTime(),
	}, nil
}

func generateTitle(filePath string) string {
	fileName := filepath.Base(filePath)
	fileName = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	fileName = strings.ReplaceAll(fileName, "_", " ")
	fileName = strings.ReplaceAll(fileName, "-", " ")
	return strings.TrimSpace(fileName)
}
