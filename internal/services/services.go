package services

import (
	"context"
	"errors"
	"time"

	"ticket-queue/models"
)

// EntryStore is the persistence the queue services need. *store.QueueStore
// implements it.
type EntryStore interface {
	Insert(ctx context.Context, entry *models.QueueEntry) error
	FindByToken(ctx context.Context, token string) (*models.QueueEntry, error)
	FindOpen(ctx context.Context, eventID, userID string) (*models.QueueEntry, error)
	Delete(ctx context.Context, id string) error
	AssignNextPosition(ctx context.Context, eventID, token string) (models.Position, bool, error)
	CountAhead(ctx context.Context, eventID string, pos models.Position) (models.Ahead, error)
	Promote(ctx context.Context, token string, at time.Time) (bool, error)
	Complete(ctx context.Context, eventID, userID, token string) (bool, error)
	ExpireActiveBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Head(ctx context.Context, eventID string) (*models.QueueEntry, error)
	CountByStatus(ctx context.Context, eventID string) (map[models.EntryStatus]int64, error)
	ListByEvent(ctx context.Context, eventID string, limit int) ([]*models.QueueEntry, error)
}

type EventSource interface {
	FindEvent(ctx context.Context, eventID string) (*models.Event, error)
	ListActive(ctx context.Context) ([]models.Event, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg models.AdmissionMessage) (string, error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that retrying cannot fix. The worker rejects
// such messages instead of leaving them for redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
