package handlers

import (
	"net/http"
	"strconv"
	"time"

	"ticket-queue/internal/services"
	"ticket-queue/internal/store"
	"ticket-queue/models"

	"github.com/pocketbase/pocketbase/core"
)

const defaultDetailsLimit = 100

type AdminHandler struct {
	entries   *store.QueueStore
	events    services.EventSource
	scheduler *services.Scheduler
	status    *services.StatusService
}

func NewAdminHandler(entries *store.QueueStore, events services.EventSource, scheduler *services.Scheduler, statusService *services.StatusService) *AdminHandler {
	return &AdminHandler{
		entries:   entries,
		events:    events,
		scheduler: scheduler,
		status:    statusService,
	}
}

type dashboardRow struct {
	EventID   string            `json:"eventId"`
	EventName string            `json:"eventName"`
	Worker    services.JobState `json:"worker"`
	FireAt    time.Time         `json:"fireAt"`
	Counts    map[string]int64  `json:"counts"`
}

// GetQueueDashboard - one row per scheduled event
func (h *AdminHandler) GetQueueDashboard(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return errorResponse(e, http.StatusForbidden, "forbidden", "Superuser access required")
	}
	ctx := e.Request.Context()

	rows := []dashboardRow{}
	for _, job := range h.scheduler.Jobs() {
		row := dashboardRow{
			EventID: job.EventID,
			Worker:  job.State,
			FireAt:  job.FireAt,
			Counts:  map[string]int64{},
		}
		if event, err := h.events.FindEvent(ctx, job.EventID); err == nil {
			row.EventName = event.Name
		}
		counts, err := h.entries.CountByStatus(ctx, job.EventID)
		if err != nil {
			return respondError(e, err)
		}
		for s, n := range counts {
			row.Counts[string(s)] = n
		}
		rows = append(rows, row)
	}
	return e.JSON(http.StatusOK, rows)
}

// GetQueueDetails - GET /api/v1/admin/queue-details?eventId=&limit=
func (h *AdminHandler) GetQueueDetails(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return errorResponse(e, http.StatusForbidden, "forbidden", "Superuser access required")
	}

	query := e.Request.URL.Query()
	eventID := query.Get("eventId")
	if eventID == "" {
		return errorResponse(e, http.StatusBadRequest, "invalid_request", "eventId required")
	}
	limit := defaultDetailsLimit
	if v, err := strconv.Atoi(query.Get("limit")); err == nil && v > 0 {
		limit = v
	}

	entries, err := h.entries.ListByEvent(e.Request.Context(), eventID, limit)
	if err != nil {
		return respondError(e, err)
	}
	if entries == nil {
		entries = []*models.QueueEntry{}
	}
	return e.JSON(http.StatusOK, entries)
}

// GetScheduler - GET /api/v1/admin/scheduler
func (h *AdminHandler) GetScheduler(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return errorResponse(e, http.StatusForbidden, "forbidden", "Superuser access required")
	}
	return e.JSON(http.StatusOK, h.scheduler.Jobs())
}

// ForcePromote - promote the head of an event's line without waiting for its poll
func (h *AdminHandler) ForcePromote(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return errorResponse(e, http.StatusForbidden, "forbidden", "Superuser access required")
	}

	var req enterRequest
	if err := e.BindBody(&req); err != nil || req.EventID == "" {
		return errorResponse(e, http.StatusBadRequest, "invalid_request", "eventId required")
	}

	promoted, err := h.status.PromoteHead(e.Request.Context(), req.EventID)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]bool{"promoted": promoted})
}
