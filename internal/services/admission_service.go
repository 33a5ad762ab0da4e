package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// AdmissionService registers a user's intent to join an event's line.
type AdmissionService struct {
	events     EventSource
	entries    EntryStore
	publisher  Publisher
	clock      clock.PassiveClock
	leadWindow time.Duration
	monitor    *monitoring.Monitor
	logger     *slog.Logger
}

func NewAdmissionService(events EventSource, entries EntryStore, publisher Publisher, leadWindow time.Duration) *AdmissionService {
	return &AdmissionService{
		events:     events,
		entries:    entries,
		publisher:  publisher,
		clock:      clock.RealClock{},
		leadWindow: leadWindow,
		logger:     slog.Default(),
	}
}

func (s *AdmissionService) WithClock(c clock.PassiveClock) *AdmissionService {
	s.clock = c
	return s
}

func (s *AdmissionService) WithMonitor(m *monitoring.Monitor) *AdmissionService {
	s.monitor = m
	return s
}

func (s *AdmissionService) WithLogger(l *slog.Logger) *AdmissionService {
	s.logger = l
	return s
}

// Enter returns the token of the caller's entry for the event, creating the
// entry and publishing its admission message when none is open yet.
func (s *AdmissionService) Enter(ctx context.Context, eventID, userID string) (string, error) {
	if eventID == "" {
		return "", status.ErrEventNotFound
	}
	event, err := s.events.FindEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	if !event.IsActive() || now.Before(event.AdmissionOpensAt(s.leadWindow)) {
		return "", status.ErrSaleNotOpen
	}
	if userID == "" {
		return "", status.ErrUnauthorized
	}

	existing, err := s.entries.FindOpen(ctx, eventID, userID)
	if err == nil {
		s.monitor.TrackQueueOperation("admit", eventID, "existing")
		return existing.Token, nil
	}
	if !errors.Is(err, status.ErrEntryNotFound) {
		return "", err
	}

	entry := &models.QueueEntry{
		EventID:   eventID,
		UserID:    userID,
		Token:     uuid.NewString(),
		Position:  models.Unresolved(),
		Status:    models.StatusWaiting,
		CreatedAt: now.UTC(),
	}
	if err := s.entries.Insert(ctx, entry); err != nil {
		if errors.Is(err, status.ErrDuplicateEntry) {
			// a concurrent request for the same user won the insert
			existing, findErr := s.entries.FindOpen(ctx, eventID, userID)
			if findErr == nil {
				s.monitor.TrackQueueOperation("admit", eventID, "existing")
				return existing.Token, nil
			}
		}
		s.monitor.TrackQueueOperation("admit", eventID, "error")
		return "", err
	}

	_, err = s.publisher.Publish(ctx, models.AdmissionMessage{
		UserID:    userID,
		EventID:   eventID,
		Token:     entry.Token,
		Timestamp: entry.CreatedAt,
	})
	if err != nil {
		if delErr := s.entries.Delete(context.WithoutCancel(ctx), entry.ID); delErr != nil {
			s.logger.Error("Failed to remove entry after publish failure",
				"eventID", eventID,
				"entryID", entry.ID,
				"error", delErr,
			)
		}
		s.monitor.TrackQueueOperation("admit", eventID, "error")
		return "", err
	}

	s.monitor.TrackQueueOperation("admit", eventID, "success")
	s.logger.Info("User admitted", "eventID", eventID, "userID", userID)
	return entry.Token, nil
}

// PreQueueInfo describes the countdown shown before admission opens.
type PreQueueInfo struct {
	EventID          string    `json:"eventId"`
	Name             string    `json:"name"`
	SaleStartTime    time.Time `json:"saleStartTime"`
	AdmissionOpensAt time.Time `json:"admissionOpensAt"`
	SecondsLeft      int64     `json:"secondsLeft"`
	Open             bool      `json:"open"`
}

func (s *AdmissionService) PreQueue(ctx context.Context, eventID string) (*PreQueueInfo, error) {
	event, err := s.events.FindEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !event.IsActive() {
		return nil, status.ErrSaleNotOpen
	}

	opensAt := event.AdmissionOpensAt(s.leadWindow)
	left := opensAt.Sub(s.clock.Now())
	info := &PreQueueInfo{
		EventID:          event.ID,
		Name:             event.Name,
		SaleStartTime:    event.SaleStartTime,
		AdmissionOpensAt: opensAt,
		Open:             left <= 0,
	}
	if left > 0 {
		// round up so the countdown never shows 0 before admission opens
		info.SecondsLeft = int64((left + time.Second - 1) / time.Second)
	}
	return info, nil
}
