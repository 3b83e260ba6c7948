package handler

import (
	"github.com/gofiber/fiber/v2"
)

// Services lists which optional integrations are configured
type Services struct {
	Timers   string `json:"timers"`
	Delivery string `json:"delivery"`
	NATS     bool   `json:"nats"`
	Metrics  bool   `json:"metrics"`
}

type HealthHandler struct {
	orchestration Orchestration
	services      Services
}

func NewHealthHandler(o Orchestration, services Services) *HealthHandler {
	return &HealthHandler{orchestration: o, services: services}
}

// Get handles GET /health. The state store is read so an unreachable store
// reports degraded.
func (h *HealthHandler) Get(c *fiber.Ctx) error {
	st, err := h.orchestration.State(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":   "degraded",
			"error":    err.Error(),
			"services": h.services,
		})
	}
	return c.JSON(fiber.Map{
		"status":   "ok",
		"phase":    st.Phase.String(),
		"services": h.services,
	})
}
