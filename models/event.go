package models

import (
	"time"
)

// EventStatus values mirror the "status" select field of the events collection.
const (
	EventStatusDraft     = "draft"
	EventStatusActive    = "active"
	EventStatusSoldOut   = "sold_out"
	EventStatusCancelled = "cancelled"
	EventStatusCompleted = "completed"
)

type Event struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SaleStartTime time.Time `json:"sale_start_time"`
	Status        string    `json:"status"` // draft, active, sold_out, cancelled, completed
}

// IsActive reports whether the event is open for queueing.
func (e Event) IsActive() bool {
	return e.Status == EventStatusActive
}

// AdmissionOpensAt is the moment the pre-queue ends: sale start minus the lead window.
func (e Event) AdmissionOpensAt(lead time.Duration) time.Time {
	return e.SaleStartTime.Add(-lead)
}

// EventChange is the lifecycle input consumed by the scheduler whenever an
// event is created, updated or deleted.
type EventChange struct {
	EventID       string    `json:"event_id"`
	SaleStartTime time.Time `json:"sale_start_time"`
	Status        string    `json:"status"`
	Deleted       bool      `json:"deleted,omitempty"`
}

// Active reports whether the change leaves the event in the active state.
func (c EventChange) Active() bool {
	return !c.Deleted && c.Status == EventStatusActive
}
