package services

import (
	"context"
	"errors"
	"log/slog"

	"ticket-queue/internal/notify"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"

	"github.com/shopspring/decimal"
	"k8s.io/utils/clock"
)

// StatusService answers waiting clients and promotes the head of the line.
type StatusService struct {
	entries        EntryStore
	notifier       notify.Notifier
	clock          clock.PassiveClock
	perUserSeconds decimal.Decimal
	maxActive      int64
	monitor        *monitoring.Monitor
	logger         *slog.Logger
}

type StatusOptions struct {
	Notifier       notify.Notifier
	Clock          clock.PassiveClock
	PerUserSeconds decimal.Decimal
	MaxActiveUsers int
	Monitor        *monitoring.Monitor
	Logger         *slog.Logger
}

func NewStatusService(entries EntryStore, opts StatusOptions) *StatusService {
	s := &StatusService{
		entries:        entries,
		notifier:       opts.Notifier,
		clock:          opts.Clock,
		perUserSeconds: opts.PerUserSeconds,
		maxActive:      int64(opts.MaxActiveUsers),
		monitor:        opts.Monitor,
		logger:         opts.Logger,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.maxActive < 1 {
		s.maxActive = 1
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// GetStatus reports the entry behind token. A waiting entry at the head of
// its line is promoted to active as a side effect.
func (s *StatusService) GetStatus(ctx context.Context, eventID, token string) (*models.StatusReport, error) {
	entry, err := s.lookup(ctx, eventID, token)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()

	if entry.Status.IsTerminal() {
		return &models.StatusReport{
			Status:        entry.Status,
			Position:      entry.Position,
			LastUpdatedAt: now,
		}, nil
	}

	ahead, err := s.entries.CountAhead(ctx, entry.EventID, entry.Position)
	if err != nil {
		return nil, err
	}

	if entry.Status == models.StatusWaiting && entry.Position.IsResolved() && s.hasRoom(ahead) {
		entry, err = s.promote(ctx, entry)
		if err != nil {
			return nil, err
		}
		if entry.Status.IsTerminal() {
			return &models.StatusReport{Status: entry.Status, Position: entry.Position, LastUpdatedAt: now}, nil
		}
	}

	report := &models.StatusReport{
		Status:        entry.Status,
		Position:      entry.Position,
		LastUpdatedAt: now,
	}
	if entry.Status == models.StatusWaiting {
		report.UsersAhead = ahead.Total()
		report.EstimatedWaitSeconds = s.EstimateWait(report.UsersAhead)
	}
	return report, nil
}

// EstimateWait converts a number of users ahead into seconds.
func (s *StatusService) EstimateWait(usersAhead int64) int64 {
	return s.perUserSeconds.Mul(decimal.NewFromInt(usersAhead)).Round(0).IntPart()
}

// Complete finishes the active entry of userID. Only the owner can complete
// an entry, and only while it is active.
func (s *StatusService) Complete(ctx context.Context, eventID, userID, token string) error {
	done, err := s.entries.Complete(ctx, eventID, userID, token)
	if err != nil {
		return err
	}
	if !done {
		entry, err := s.lookup(ctx, eventID, token)
		if err != nil {
			return err
		}
		if entry.UserID != userID {
			return status.ErrEntryNotFound
		}
		return status.ErrEntryNotActive
	}

	s.monitor.TrackQueueOperation("complete", eventID, "success")
	s.logger.Info("Entry completed", "eventID", eventID, "userID", userID)
	s.notifyAdvanced(ctx, eventID)
	return nil
}

// PromoteHead promotes the lowest waiting entry of an event when there is
// room, without waiting for its client to poll.
func (s *StatusService) PromoteHead(ctx context.Context, eventID string) (bool, error) {
	head, err := s.entries.Head(ctx, eventID)
	if errors.Is(err, status.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ahead, err := s.entries.CountAhead(ctx, eventID, head.Position)
	if err != nil {
		return false, err
	}
	if !s.hasRoom(ahead) {
		return false, nil
	}

	entry, err := s.promote(ctx, head)
	if err != nil {
		return false, err
	}
	return entry.Status == models.StatusActive, nil
}

// hasRoom reports whether an entry with ahead in front of it may become
// active: nobody ahead is still waiting and an active slot is free.
func (s *StatusService) hasRoom(ahead models.Ahead) bool {
	return ahead.Waiting == 0 && ahead.Active < s.maxActive
}

func (s *StatusService) promote(ctx context.Context, entry *models.QueueEntry) (*models.QueueEntry, error) {
	now := s.clock.Now().UTC()
	promoted, err := s.entries.Promote(ctx, entry.Token, now)
	if err != nil {
		return nil, err
	}
	if !promoted {
		// another poll got there first, or the entry moved on
		return s.entries.FindByToken(ctx, entry.Token)
	}

	entry.Status = models.StatusActive
	entry.ActivatedAt = &now
	s.monitor.TrackQueueOperation("promote", entry.EventID, "success")
	s.logger.Info("Entry activated", "eventID", entry.EventID, "position", entry.Position.String())

	update := models.Update{
		Type:     models.UpdateActivated,
		EventID:  entry.EventID,
		Status:   models.StatusActive,
		Position: entry.Position,
		At:       now,
	}
	if err := s.notifier.Notify(ctx, notify.EntryChannel(entry.Token), update); err != nil {
		s.logger.Warn("Failed to push activation", "eventID", entry.EventID, "error", err)
	}
	return entry, nil
}

func (s *StatusService) notifyAdvanced(ctx context.Context, eventID string) {
	update := models.Update{
		Type:    models.UpdateAdvanced,
		EventID: eventID,
		At:      s.clock.Now().UTC(),
	}
	if err := s.notifier.Notify(ctx, notify.EventChannel(eventID), update); err != nil {
		s.logger.Warn("Failed to push line advance", "eventID", eventID, "error", err)
	}
}

func (s *StatusService) lookup(ctx context.Context, eventID, token string) (*models.QueueEntry, error) {
	// a token only counts together with the event it was issued for
	if token == "" || eventID == "" {
		return nil, status.ErrEntryNotFound
	}
	entry, err := s.entries.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if entry.EventID != eventID {
		return nil, status.ErrEntryNotFound
	}
	return entry, nil
}
