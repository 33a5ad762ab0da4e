// Package notify pushes queue updates to waiting clients over PubNub.
// Delivery is best effort: clients always fall back to polling the status
// endpoint, so a lost update only delays what they see.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ticket-queue/config"
	"ticket-queue/models"

	pubnub "github.com/pubnub/go"
)

// EntryChannel carries updates for a single queue entry.
func EntryChannel(token string) string {
	return "queue-" + token
}

// EventChannel carries updates that concern everyone waiting for an event.
func EventChannel(eventID string) string {
	return "queue-event-" + eventID
}

type Notifier interface {
	Notify(ctx context.Context, channel string, update models.Update) error
}

// NewPubNub builds the shared PubNub client from configuration.
func NewPubNub(cfg *config.Config, uuid string) *pubnub.PubNub {
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	pnConfig.UUID = uuid

	return pubnub.NewPubNub(pnConfig)
}

type PubNubNotifier struct {
	pn     *pubnub.PubNub
	logger *slog.Logger
}

func NewPubNubNotifier(pn *pubnub.PubNub, logger *slog.Logger) *PubNubNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubNubNotifier{pn: pn, logger: logger}
}

func (n *PubNubNotifier) Notify(_ context.Context, channel string, update models.Update) error {
	_, _, err := n.pn.Publish().
		Channel(channel).
		Message(update).
		Execute()
	if err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	n.logger.Debug("Update published", "channel", channel, "type", update.Type)
	return nil
}

// Nop drops every update. Used when PubNub keys are not configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, models.Update) error { return nil }

// Sent is one update captured by a Recorder.
type Sent struct {
	Channel string
	Update  models.Update
}

// Recorder keeps updates in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) Notify(_ context.Context, channel string, update models.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Channel: channel, Update: update})
	return nil
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// OnChannel returns the updates published on one channel, oldest first.
func (r *Recorder) OnChannel(channel string) []models.Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updates []models.Update
	for _, s := range r.sent {
		if s.Channel == channel {
			updates = append(updates, s.Update)
		}
	}
	return updates
}
