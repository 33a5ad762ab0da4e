package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"ticket-queue/internal/services"
	"ticket-queue/internal/status"

	"github.com/pocketbase/pocketbase/core"
)

type QueueHandler struct {
	admission *services.AdmissionService
	status    *services.StatusService
	health    func(ctx context.Context) error
}

func NewQueueHandler(admission *services.AdmissionService, statusService *services.StatusService, health func(ctx context.Context) error) *QueueHandler {
	return &QueueHandler{
		admission: admission,
		status:    statusService,
		health:    health,
	}
}

type enterRequest struct {
	EventID string `json:"eventId"`
}

type tokenRequest struct {
	EventID string `json:"eventId"`
	Token   string `json:"token"`
}

// EnterQueue - POST /api/v1/queue/enter
func (h *QueueHandler) EnterQueue(e *core.RequestEvent) error {
	var req enterRequest
	if err := e.BindBody(&req); err != nil {
		return errorResponse(e, http.StatusBadRequest, "invalid_request", "Invalid request body")
	}

	token, err := h.admission.Enter(e.Request.Context(), req.EventID, authID(e))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"token": token})
}

// GetStatus - GET /api/v1/queue/status?eventId=&token=
func (h *QueueHandler) GetStatus(e *core.RequestEvent) error {
	query := e.Request.URL.Query()
	report, err := h.status.GetStatus(e.Request.Context(), query.Get("eventId"), query.Get("token"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, report)
}

// CompleteEntry - POST /api/v1/queue/complete
func (h *QueueHandler) CompleteEntry(e *core.RequestEvent) error {
	userID := authID(e)
	if userID == "" {
		return respondError(e, status.ErrUnauthorized)
	}

	var req tokenRequest
	if err := e.BindBody(&req); err != nil {
		return errorResponse(e, http.StatusBadRequest, "invalid_request", "Invalid request body")
	}

	if err := h.status.Complete(e.Request.Context(), req.EventID, userID, req.Token); err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "completed"})
}

// GetPreQueue - GET /api/v1/events/{eventId}/pre-queue
func (h *QueueHandler) GetPreQueue(e *core.RequestEvent) error {
	info, err := h.admission.PreQueue(e.Request.Context(), e.Request.PathValue("eventId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, info)
}

func (h *QueueHandler) Health(e *core.RequestEvent) error {
	if h.health != nil {
		if err := h.health(e.Request.Context()); err != nil {
			return e.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func authID(e *core.RequestEvent) string {
	if e.Auth == nil {
		return ""
	}
	return e.Auth.Id
}

func errorResponse(e *core.RequestEvent, code int, kind, msg string) error {
	return e.JSON(code, map[string]string{"error": msg, "code": kind})
}

// respondError maps service errors to a status code. Unknown errors are
// logged and reported as internal without their details.
func respondError(e *core.RequestEvent, err error) error {
	switch {
	case errors.Is(err, status.ErrEventNotFound):
		return errorResponse(e, http.StatusNotFound, "event_not_found", "Event not found")
	case errors.Is(err, status.ErrSaleNotOpen):
		return errorResponse(e, http.StatusForbidden, "sale_not_open", "Sale window is not open")
	case errors.Is(err, status.ErrUnauthorized):
		return errorResponse(e, http.StatusUnauthorized, "unauthorized", "Authentication required")
	case errors.Is(err, status.ErrEntryNotFound):
		return errorResponse(e, http.StatusNotFound, "entry_not_found", "Queue entry not found")
	case errors.Is(err, status.ErrEntryNotActive):
		return errorResponse(e, http.StatusConflict, "entry_not_active", "Queue entry is not active")
	case errors.Is(err, status.ErrPublishFailed),
		errors.Is(err, status.ErrBreakerOpen),
		errors.Is(err, status.ErrNotConnected):
		slog.Warn("Queue temporarily unavailable", "path", e.Request.URL.Path, "error", err)
		return errorResponse(e, http.StatusServiceUnavailable, "unavailable", "Queue temporarily unavailable, please retry")
	}

	slog.Error("Request failed", "path", e.Request.URL.Path, "error", err)
	return errorResponse(e, http.StatusInternalServerError, "internal", "Internal error")
}
