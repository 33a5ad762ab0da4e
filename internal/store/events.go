package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ticket-queue/internal/status"
	"ticket-queue/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

const EventsCollection = "events"

// EventStore reads events from the pocketbase "events" collection.
type EventStore struct {
	app core.App
}

func NewEventStore(app core.App) *EventStore {
	return &EventStore{app: app}
}

func (s *EventStore) FindEvent(_ context.Context, eventID string) (*models.Event, error) {
	record, err := s.app.FindRecordById(EventsCollection, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.ErrEventNotFound
		}
		return nil, fmt.Errorf("find event %s: %w", eventID, err)
	}
	event := EventFromRecord(record)
	return &event, nil
}

// ListActive returns every event whose sale is live or upcoming.
func (s *EventStore) ListActive(_ context.Context) ([]models.Event, error) {
	records, err := s.app.FindAllRecords(EventsCollection, dbx.HashExp{"status": models.EventStatusActive})
	if err != nil {
		return nil, fmt.Errorf("list active events: %w", err)
	}

	events := make([]models.Event, 0, len(records))
	for _, record := range records {
		events = append(events, EventFromRecord(record))
	}
	return events, nil
}

func EventFromRecord(record *core.Record) models.Event {
	return models.Event{
		ID:            record.Id,
		Name:          record.GetString("name"),
		SaleStartTime: record.GetDateTime("sale_start_time").Time(),
		Status:        record.GetString("status"),
	}
}

// ChangeFromRecord builds the scheduler notification for a record hook.
func ChangeFromRecord(record *core.Record, deleted bool) models.EventChange {
	return models.EventChange{
		EventID:       record.Id,
		SaleStartTime: record.GetDateTime("sale_start_time").Time(),
		Status:        record.GetString("status"),
		Deleted:       deleted,
	}
}
