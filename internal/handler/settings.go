package handler

import (
	"strings"

	"github.com/epubpress/courier/internal/model"
	"github.com/epubpress/courier/pkg/response"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type SettingsHandler struct {
	orchestration Orchestration
	validator     *validator.Validate
}

func NewSettingsHandler(o Orchestration, v *validator.Validate) *SettingsHandler {
	return &SettingsHandler{orchestration: o, validator: v}
}

// Get handles GET /api/settings
func (h *SettingsHandler) Get(c *fiber.Ctx) error {
	s, err := h.orchestration.Settings(c.UserContext())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, s)
}

// Put handles PUT /api/settings. Empty fields fall back to their defaults.
func (h *SettingsHandler) Put(c *fiber.Ctx) error {
	var req model.Settings
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	req.Email = strings.TrimSpace(req.Email)
	req.FileType = model.FileType(strings.ToLower(strings.TrimSpace(string(req.FileType))))

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.orchestration.SaveSettings(c.UserContext(), req); err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, req)
}
