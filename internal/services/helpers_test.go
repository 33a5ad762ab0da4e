package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ticket-queue/internal/broker"
	"ticket-queue/internal/status"
	"ticket-queue/internal/store"
	"ticket-queue/internal/store/storetest"
	"ticket-queue/models"

	"github.com/stretchr/testify/require"
)

var saleStart = time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.QueueStore {
	return store.NewQueueStore(storetest.NewDB(t))
}

type fakeEvents struct {
	mu     sync.Mutex
	events map[string]models.Event
}

func newFakeEvents(events ...models.Event) *fakeEvents {
	f := &fakeEvents{events: make(map[string]models.Event)}
	for _, e := range events {
		f.events[e.ID] = e
	}
	return f
}

func (f *fakeEvents) FindEvent(_ context.Context, eventID string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.events[eventID]
	if !ok {
		return nil, status.ErrEventNotFound
	}
	return &e, nil
}

func (f *fakeEvents) ListActive(_ context.Context) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var active []models.Event
	for _, e := range f.events {
		if e.IsActive() {
			active = append(active, e)
		}
	}
	return active, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []models.AdmissionMessage
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, msg models.AdmissionMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return "", fmt.Errorf("%w: %v", status.ErrPublishFailed, p.err)
	}
	p.msgs = append(p.msgs, msg)
	return fmt.Sprintf("%d-0", len(p.msgs)), nil
}

func (p *fakePublisher) Messages() []models.AdmissionMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.AdmissionMessage(nil), p.msgs...)
}

// memConsumer replays deliveries from a slice. After Reset the in-flight
// delivery is handed out again, like a pending-list read.
type memConsumer struct {
	mu        sync.Mutex
	queue     []*broker.Delivery
	inflight  *broker.Delivery
	redeliver bool
	acked     []string
	rejected  []string
	resets    int
	onEmpty   func()
}

func (c *memConsumer) Topic() string { return "memory" }

func (c *memConsumer) Next(_ context.Context) (*broker.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.redeliver && c.inflight != nil {
		c.redeliver = false
		return c.inflight, nil
	}
	if len(c.queue) == 0 {
		if c.onEmpty != nil {
			c.onEmpty()
		}
		return nil, nil
	}
	d := c.queue[0]
	c.queue = c.queue[1:]
	c.inflight = d
	return d, nil
}

func (c *memConsumer) Ack(_ context.Context, d *broker.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, d.ID)
	c.inflight = nil
	return nil
}

func (c *memConsumer) Reject(_ context.Context, d *broker.Delivery, _ error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, d.ID)
	c.inflight = nil
	return nil
}

func (c *memConsumer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	c.redeliver = true
}

func delivery(id string, msg models.AdmissionMessage) *broker.Delivery {
	return &broker.Delivery{ID: id, Message: msg}
}

// flakyStore fails the first n position assignments.
type flakyStore struct {
	EntryStore
	mu         sync.Mutex
	failAssign int
}

func (f *flakyStore) AssignNextPosition(ctx context.Context, eventID, token string) (models.Position, bool, error) {
	f.mu.Lock()
	if f.failAssign > 0 {
		f.failAssign--
		f.mu.Unlock()
		return models.Unresolved(), false, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.EntryStore.AssignNextPosition(ctx, eventID, token)
}

// admit inserts waiting entries the way the admission service does and
// returns their messages keyed by user.
func admit(t *testing.T, qs EntryStore, eventID string, users ...string) map[string]models.AdmissionMessage {
	t.Helper()

	msgs := make(map[string]models.AdmissionMessage, len(users))
	for _, user := range users {
		entry := &models.QueueEntry{
			EventID:   eventID,
			UserID:    user,
			Token:     "token-" + eventID + "-" + user,
			Position:  models.Unresolved(),
			Status:    models.StatusWaiting,
			CreatedAt: saleStart,
		}
		require.NoError(t, qs.Insert(context.Background(), entry))
		msgs[user] = models.AdmissionMessage{
			UserID:    user,
			EventID:   eventID,
			Token:     entry.Token,
			Timestamp: saleStart,
		}
	}
	return msgs
}

func position(t *testing.T, qs EntryStore, token string) int64 {
	t.Helper()

	entry, err := qs.FindByToken(context.Background(), token)
	require.NoError(t, err)
	n, ok := entry.Position.Get()
	require.True(t, ok, "position of %s is unresolved", token)
	return n
}
