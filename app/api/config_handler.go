package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"gopkg.in/yaml.v3"
)

// ConfigHandler shows the effective configuration with the same keys as
// the YAML file. It must be given a copy with credentials already removed.
type ConfigHandler struct {
	view map[string]any
}

func NewConfigHandler(public any) (*ConfigHandler, error) {
	raw, err := yaml.Marshal(public)
	if err != nil {
		return nil, fmt.Errorf("encode config view: %w", err)
	}
	view := make(map[string]any)
	if err := yaml.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("decode config view: %w", err)
	}
	return &ConfigHandler{view: view}, nil
}

func (h *ConfigHandler) HandleGetConfig(c *fiber.Ctx) error {
	return c.JSON(h.view)
}
