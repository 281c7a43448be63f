package handlers

import (
	"github.com/gofiber/fiber/v2"

	"specgap/api-gateway/utils"
)

// ListAudits returns recently persisted analyses.
// GET /api/v1/audits?limit=20
func (h *ApplicationHandler) ListAudits(c *fiber.Ctx) error {
	if h.Audits == nil {
		return utils.RespondWithError(c, fiber.StatusServiceUnavailable, "Audit persistence is not configured")
	}

	limit := c.QueryInt("limit", 20)
	records, err := h.Audits.ListRecent(limit)
	if err != nil {
		h.Logger.WithError(err).Error("failed to list audits")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not retrieve audits")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, records)
}
