package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"specgap/api-gateway/internal/queue"
	"specgap/api-gateway/models"
	"specgap/api-gateway/utils"
)

// EnqueueRequest is the body of POST /api/v1/queue/enqueue.
type EnqueueRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Mode      string `json:"mode" validate:"required,oneof=quick deep"`
}

// EnqueueAnalysis admits a session to the analysis queue.
// POST /api/v1/queue/enqueue
func (h *ApplicationHandler) EnqueueAnalysis(c *fiber.Ctx) error {
	var req EnqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.Validate.Struct(req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest,
			strings.Join(utils.FormatValidationErrors(err), "; "))
	}

	entry, info, err := h.Orchestrator.Enqueue(req.SessionID, models.AnalysisMode(req.Mode))
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return utils.RespondWithError(c, fiber.StatusConflict, err.Error())
		}
		h.Logger.WithError(err).Error("enqueue failed")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not enqueue session")
	}

	return utils.RespondWithJSON(c, fiber.StatusCreated, fiber.Map{
		"entry":      entry,
		"queue_info": info,
	})
}

// GetQueueStatus returns the entry for a session.
// GET /api/v1/queue/status?session_id=...
func (h *ApplicationHandler) GetQueueStatus(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "session_id query parameter is required")
	}

	entry, err := h.Orchestrator.Status(sessionID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return utils.RespondWithError(c, fiber.StatusNotFound, "No queue entry for session")
		}
		h.Logger.WithError(err).Error("status lookup failed")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not retrieve status")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, entry)
}

// GetQueueInfo returns the queue/quota summary.
// GET /api/v1/queue/info
func (h *ApplicationHandler) GetQueueInfo(c *fiber.Ctx) error {
	return utils.RespondWithJSON(c, fiber.StatusOK, h.Orchestrator.Info())
}

// CancelQueueEntry cancels a waiting entry, or requests graceful cancellation
// of the session's processing entry.
// DELETE /api/v1/queue/cancel/:id?session_id=...
func (h *ApplicationHandler) CancelQueueEntry(c *fiber.Ctx) error {
	entryID := c.Params("id")
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "session_id query parameter is required")
	}

	entry, err := h.Orchestrator.Cancel(entryID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			return utils.RespondWithError(c, fiber.StatusNotFound, "Queue entry not found")
		case errors.Is(err, queue.ErrNotCancellable):
			return utils.RespondWithError(c, fiber.StatusConflict, err.Error())
		default:
			h.Logger.WithError(err).Error("cancel failed")
			return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not cancel entry")
		}
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, entry)
}

// streamHeartbeat keeps intermediaries from closing an idle SSE connection.
const streamHeartbeat = 15 * time.Second

// StreamSession is the long-lived SSE connection a client holds open while
// its session moves through the queue and pipeline. It is a passive consumer:
// all events originate from the orchestrator, and a disconnect here never
// disturbs the running analysis.
// GET /api/v1/queue/stream/:sessionId
func (h *ApplicationHandler) StreamSession(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "sessionId is required")
	}

	ch, unsubscribe := h.Orchestrator.Subscribe(sessionID)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					h.Logger.WithError(err).Error("failed to encode stream event")
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					// Client went away; the pipeline keeps running.
					return
				}
				if ev.Terminal() {
					return
				}
			case <-heartbeat.C:
				fmt.Fprint(w, ": keepalive\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}
