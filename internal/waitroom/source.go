package waitroom

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ticket-queue/internal/notify"
	"ticket-queue/models"

	pubnub "github.com/pubnub/go"
	"k8s.io/utils/clock"
)

// Source tells the waiting room when an entry may have changed. Every value
// received triggers a fresh status read, so a source may signal spuriously.
// The channel is closed once ctx is done.
type Source interface {
	Watch(ctx context.Context, eventID, token string) (<-chan models.Update, error)
}

// Poller signals on a fixed interval.
type Poller struct {
	Interval time.Duration
	Clock    clock.WithTicker
}

func (p *Poller) Watch(ctx context.Context, _, _ string) (<-chan models.Update, error) {
	c := p.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}

	out := make(chan models.Update)
	ticker := c.NewTicker(interval)
	go func() {
		defer close(out)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				select {
				case out <- models.Update{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PubNubSource listens on the entry channel and the event channel. Pushes
// are best effort, so it also signals on a slow fallback interval.
type PubNubSource struct {
	pn       *pubnub.PubNub
	fallback time.Duration
	clock    clock.WithTicker
	logger   *slog.Logger
}

func NewPubNubSource(pn *pubnub.PubNub, fallback time.Duration, logger *slog.Logger) *PubNubSource {
	if fallback <= 0 {
		fallback = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PubNubSource{pn: pn, fallback: fallback, clock: clock.RealClock{}, logger: logger}
}

func (s *PubNubSource) Watch(ctx context.Context, eventID, token string) (<-chan models.Update, error) {
	channels := []string{notify.EntryChannel(token), notify.EventChannel(eventID)}

	listener := pubnub.NewListener()
	s.pn.AddListener(listener)
	s.pn.Subscribe().Channels(channels).Execute()

	out := make(chan models.Update, 1)
	ticker := s.clock.NewTicker(s.fallback)
	go func() {
		defer close(out)
		defer ticker.Stop()
		defer func() {
			s.pn.Unsubscribe().Channels(channels).Execute()
			s.pn.RemoveListener(listener)
		}()

		for {
			var update models.Update
			select {
			case <-ctx.Done():
				return
			case st := <-listener.Status:
				switch st.Category {
				case pubnub.PNConnectedCategory, pubnub.PNReconnectedCategory:
					s.logger.Debug("Subscribed to queue updates", "channels", channels)
					// catch up on anything published before the subscription
				case pubnub.PNDisconnectedCategory:
					// only the fallback ticker drives refreshes until the SDK reconnects
					s.logger.Warn("Queue updates disconnected, waiting for reconnect", "fallback", s.fallback)
					continue
				default:
					continue
				}
			case <-listener.Presence:
				continue
			case msg := <-listener.Message:
				decoded, err := decodeUpdate(msg.Message)
				if err != nil {
					s.logger.Warn("Ignoring malformed queue update", "channel", msg.Channel, "error", err)
					continue
				}
				update = decoded
			case <-ticker.C():
			}

			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodeUpdate(message any) (models.Update, error) {
	var update models.Update
	var data []byte
	switch m := message.(type) {
	case string:
		data = []byte(m)
	default:
		var err error
		if data, err = json.Marshal(m); err != nil {
			return update, err
		}
	}
	err := json.Unmarshal(data, &update)
	return update, err
}
