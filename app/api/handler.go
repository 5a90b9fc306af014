package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	"medrag/types"
)

type Answerer interface {
	AnswerQuestion(ctx context.Context, question string, k int) (types.Answer, error)
}

type Ingester interface {
	Ingest(ctx context.Context, req types.IngestRequest) (types.IngestResult, error)
}

type RequestHandler struct {
	agent  Answerer
	logger *slog.Logger
}

func NewRequestHandler(agent Answerer) *RequestHandler {
	return &RequestHandler{
		agent:  agent,
		logger: slog.Default(),
	}
}

// HandleRequest answers {"question", "k"}. A missing or zero k uses the
// configured default.
func (h *RequestHandler) HandleRequest(c *fiber.Ctx) error {
	var params types.QueryParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return types.NewValidationError(errors)
	}

	answer, err := h.agent.AnswerQuestion(c.UserContext(), params.Question, params.K)
	if err != nil {
		return err
	}
	h.logger.Info("[API] question answered", "doc", answer.SourceID, "score", answer.Score)
	return c.JSON(answer)
}

type IngestHandler struct {
	ingester  Ingester
	root      string
	uploadDir string
	logger    *slog.Logger
}

// NewIngestHandler serves ingestion. Requested roots must resolve inside
// root, the configured loader folder. Uploads are saved to uploadDir, the
// watch-mode source folder; an empty uploadDir disables them.
func NewIngestHandler(ingester Ingester, root, uploadDir string) *IngestHandler {
	return &IngestHandler{
		ingester:  ingester,
		root:      root,
		uploadDir: uploadDir,
		logger:    slog.Default(),
	}
}

func (h *IngestHandler) HandleIngest(c *fiber.Ctx) error {
	var params types.IngestParams
	if len(c.Body()) > 0 && c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return types.NewValidationError(errors)
	}

	root, err := confineRoot(h.root, params.Root)
	if err != nil {
		h.logger.Warn("[API] ingest root rejected", "root", params.Root, "error", err)
		return err
	}

	result, err := h.ingester.Ingest(c.UserContext(), types.IngestRequest{
		Root:       root,
		Pattern:    params.Pattern,
		ChunkSize:  params.ChunkSize,
		Overlap:    params.Overlap,
		Collection: params.Collection,
		Rebuild:    params.Rebuild,
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// HandleUpload stores a multipart "file" in the watched folder.
func (h *IngestHandler) HandleUpload(c *fiber.Ctx) error {
	if h.uploadDir == "" {
		return NewError(fiber.StatusNotFound, "uploads are disabled")
	}
	file, err := c.FormFile("file")
	if err != nil {
		return ErrBadRequest()
	}
	name := filepath.Base(file.Filename)
	if name == "." || name == string(filepath.Separator) {
		return NewError(fiber.StatusBadRequest, "invalid file name")
	}
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(h.uploadDir, name)
	if err := c.SaveFile(file, path); err != nil {
		return err
	}
	h.logger.Info("[UPLOAD] file saved", "path", path)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"path": path})
}

// confineRoot resolves requested against base and rejects anything that lands
// outside it, symlinks included. Relative requests are relative to base and
// an empty request is base itself.
func confineRoot(base, requested string) (string, error) {
	absBase, err := resolve(base)
	if err != nil {
		return "", err
	}
	if requested == "" {
		return absBase, nil
	}
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(absBase, requested)
	}
	target, err := resolve(requested)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: root %q is outside the loader root", types.ErrInvalidConfig, requested)
	}
	return target, nil
}

// resolve returns the absolute, symlink-free form of path. A path that does
// not exist yet is only cleaned; the loader reports it as not found.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: root %q: %v", types.ErrInvalidConfig, path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return abs, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: root %q: %v", types.ErrInvalidConfig, path, err)
	}
	return resolved, nil
}
