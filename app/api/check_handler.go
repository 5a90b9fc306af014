package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"medrag/types"
)

// Verifier reports whether the index can serve queries.
type Verifier interface {
	Verify(ctx context.Context) error
}

type CheckHandler struct {
	index Verifier
}

func NewCheckHandler(index Verifier) *CheckHandler {
	return &CheckHandler{index: index}
}

func (h CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"result": "ok"})
}

// HandleReady fails while the collection is missing or was built by
// another embedding model.
func (h CheckHandler) HandleReady(c *fiber.Ctx) error {
	if h.index == nil {
		return c.JSON(fiber.Map{"result": "ok"})
	}
	err := h.index.Verify(c.UserContext())
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"result": "ok"})
	case errors.Is(err, types.ErrCollectionNotFound):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"result": "empty", "kind": types.Kind(err)})
	default:
		return err
	}
}
