package handler

import (
	"github.com/epubpress/courier/pkg/response"
	"github.com/gofiber/fiber/v2"
)

type StateHandler struct {
	orchestration Orchestration
}

func NewStateHandler(o Orchestration) *StateHandler {
	return &StateHandler{orchestration: o}
}

// Get handles GET /api/state
func (h *StateHandler) Get(c *fiber.Ctx) error {
	st, err := h.orchestration.State(c.UserContext())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, st)
}
