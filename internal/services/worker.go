package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticket-queue/internal/broker"
	"ticket-queue/internal/notify"
	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/monitoring"

	"k8s.io/utils/clock"
)

// Consumer is the read side of an event topic. *broker.Consumer implements it.
type Consumer interface {
	Topic() string
	Next(ctx context.Context) (*broker.Delivery, error)
	Ack(ctx context.Context, d *broker.Delivery) error
	Reject(ctx context.Context, d *broker.Delivery, reason error) error
	Reset()
}

// Worker turns the admission messages of one event into final positions.
// Exactly one worker consumes a topic, and it handles one message at a time.
type Worker struct {
	eventID      string
	consumer     Consumer
	entries      EntryStore
	notifier     notify.Notifier
	clock        clock.Clock
	retryBackoff time.Duration
	monitor      *monitoring.Monitor
	logger       *slog.Logger
}

type WorkerOptions struct {
	Notifier     notify.Notifier
	Clock        clock.Clock
	RetryBackoff time.Duration
	Monitor      *monitoring.Monitor
	Logger       *slog.Logger
}

func NewWorker(eventID string, consumer Consumer, entries EntryStore, opts WorkerOptions) *Worker {
	w := &Worker{
		eventID:      eventID,
		consumer:     consumer,
		entries:      entries,
		notifier:     opts.Notifier,
		clock:        opts.Clock,
		retryBackoff: opts.RetryBackoff,
		monitor:      opts.Monitor,
		logger:       opts.Logger,
	}
	if w.notifier == nil {
		w.notifier = notify.Nop{}
	}
	if w.clock == nil {
		w.clock = clock.RealClock{}
	}
	if w.retryBackoff <= 0 {
		w.retryBackoff = time.Second
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("eventID", eventID, "topic", consumer.Topic())
	return w
}

// Run consumes until ctx is cancelled. Connection failures never end the
// loop; the consumer reconnects on the next read.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Position worker started")
	defer w.logger.Info("Position worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := w.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("Failed to read topic", "error", err)
			w.wait(ctx)
			continue
		}
		if d == nil {
			continue
		}

		if err := w.Process(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.wait(ctx)
		}
	}
}

// Process handles a single delivery. Transient failures leave it
// unacknowledged and rewind the consumer so the same delivery comes back
// next.
func (w *Worker) Process(ctx context.Context, d *broker.Delivery) error {
	err := w.assign(ctx, d)
	switch {
	case err == nil:
		return nil

	case IsPermanent(err):
		w.logger.Error("Dropping admission message", "id", d.ID, "error", err)
		w.monitor.TrackQueueOperation("assign", w.eventID, "rejected")
		if rejectErr := w.consumer.Reject(ctx, d, err); rejectErr != nil {
			w.consumer.Reset()
			return rejectErr
		}
		return nil

	default:
		w.logger.Warn("Admission message left for redelivery", "id", d.ID, "error", err)
		w.monitor.TrackRetry(w.eventID)
		w.consumer.Reset()
		return err
	}
}

func (w *Worker) assign(ctx context.Context, d *broker.Delivery) error {
	if d.Malformed != nil {
		return Permanent(d.Malformed)
	}
	msg := d.Message
	if msg.EventID != w.eventID {
		return Permanent(fmt.Errorf("message for event %s on topic of event %s", msg.EventID, w.eventID))
	}

	entry, err := w.entries.FindByToken(ctx, msg.Token)
	if errors.Is(err, status.ErrEntryNotFound) {
		return Permanent(fmt.Errorf("token %s: %w", msg.Token, err))
	}
	if err != nil {
		return err
	}
	if entry.EventID != msg.EventID || entry.UserID != msg.UserID {
		return Permanent(fmt.Errorf("token %s does not belong to user %s of event %s", msg.Token, msg.UserID, msg.EventID))
	}

	if entry.Position.IsResolved() || entry.Status.IsTerminal() {
		w.logger.Info("Duplicate admission message skipped", "id", d.ID, "token", msg.Token)
		return w.consumer.Ack(ctx, d)
	}

	pos, assigned, err := w.entries.AssignNextPosition(ctx, w.eventID, msg.Token)
	if err != nil {
		return err
	}
	if err := w.consumer.Ack(ctx, d); err != nil {
		return err
	}
	if !assigned {
		// resolved or finished between the read and the update
		return nil
	}

	w.monitor.TrackQueueOperation("assign", w.eventID, "success")
	w.monitor.TrackAssignment(w.eventID, msg.Timestamp)
	w.logger.Debug("Position assigned", "userID", msg.UserID, "position", pos.String())

	update := models.Update{
		Type:     models.UpdatePositionAssigned,
		EventID:  w.eventID,
		Status:   entry.Status,
		Position: pos,
		At:       w.clock.Now().UTC(),
	}
	if err := w.notifier.Notify(ctx, notify.EntryChannel(msg.Token), update); err != nil {
		w.logger.Warn("Failed to push position", "token", msg.Token, "error", err)
	}
	return nil
}

func (w *Worker) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.clock.After(w.retryBackoff):
	}
}
