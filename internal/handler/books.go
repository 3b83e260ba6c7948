package handler

import (
	"github.com/epubpress/courier/internal/model"
	"github.com/epubpress/courier/pkg/response"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type BookHandler struct {
	orchestration Orchestration
	validator     *validator.Validate
	log           *zap.Logger
}

func NewBookHandler(o Orchestration, v *validator.Validate, log *zap.Logger) *BookHandler {
	return &BookHandler{
		orchestration: o,
		validator:     v,
		log:           log.Named("books"),
	}
}

// Publish handles POST /api/books. A running orchestration is replaced.
func (h *BookHandler) Publish(c *fiber.Ctx) error {
	var req model.PublishRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.orchestration.Submit(c.UserContext(), &req)
	if err != nil {
		h.log.Error("submit failed", zap.Error(err))
		return response.ServiceError(c, err.Error())
	}

	if result.Replaced {
		h.log.Info("replaced running orchestration", zap.String("orchestrationId", result.OrchestrationID))
	}
	return response.Accepted(c, result)
}
