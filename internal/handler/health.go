package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthMessage = "Render Server Online"

// HealthInfo is reported by GET /health?verbose=1
type HealthInfo struct {
	Status       string          `json:"status"`
	Cost         int             `json:"cost"`
	PollInterval string          `json:"pollInterval"`
	Services     map[string]bool `json:"services"`
}

type HealthHandler struct {
	cost         int
	pollInterval time.Duration
	services     map[string]bool
}

func NewHealthHandler(cost int, pollInterval time.Duration, services map[string]bool) *HealthHandler {
	return &HealthHandler{cost: cost, pollInterval: pollInterval, services: services}
}

// Health handles GET / and GET /health. Load balancers get plain text; add
// ?verbose=1 for the JSON breakdown.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	if c.QueryBool("verbose") {
		return c.JSON(HealthInfo{
			Status:       "ok",
			Cost:         h.cost,
			PollInterval: h.pollInterval.String(),
			Services:     h.services,
		})
	}
	return c.Status(fiber.StatusOK).SendString(healthMessage)
}
