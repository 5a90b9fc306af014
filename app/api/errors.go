package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"medrag/types"
)

// ErrorHandler writes every failed request as {"code", "error", "kind"}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	apiErr := toError(err)
	if apiErr.Code >= fiber.StatusInternalServerError {
		slog.Default().Error("[API] request failed", "path", c.Path(), "code", apiErr.Code, "kind", apiErr.Kind, "error", err)
	} else {
		slog.Default().Warn("[API] request rejected", "path", c.Path(), "code", apiErr.Code, "kind", apiErr.Kind, "error", err)
	}
	return c.Status(apiErr.Code).JSON(apiErr)
}

type Error struct {
	Code    int               `json:"code"`
	Message string            `json:"error"`
	Kind    string            `json:"kind"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
		Kind:    "request",
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid JSON request",
		Kind:    "bad_request",
	}
}

func toError(err error) Error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var valErr types.ValidationError
	if errors.As(err, &valErr) {
		return Error{
			Code:    valErr.Status,
			Message: valErr.Error(),
			Kind:    "validation",
			Fields:  valErr.Errors,
		}
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return Error{Code: fiberErr.Code, Message: fiberErr.Message, Kind: "request"}
	}
	return Error{Code: statusFor(err), Message: err.Error(), Kind: types.Kind(err)}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidConfig):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrCollectionNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, types.ErrEmbeddingModelMismatch):
		return fiber.StatusConflict
	case errors.Is(err, types.ErrUnsupportedFormat):
		return fiber.StatusUnsupportedMediaType
	case errors.Is(err, types.ErrTimeout):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, types.ErrMalformedResponse):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
