package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"ticket-queue/internal/broker"
	"ticket-queue/internal/notify"
	"ticket-queue/internal/status"
	"ticket-queue/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_AssignsInDeliveryOrder(t *testing.T) {
	qs := newTestStore(t)
	msgs := admit(t, qs, "E1", "A", "B", "C")
	rec := &notify.Recorder{}

	consumer := &memConsumer{queue: []*broker.Delivery{
		delivery("1-0", msgs["B"]),
		delivery("2-0", msgs["A"]),
		delivery("3-0", msgs["C"]),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	consumer.onEmpty = cancel

	w := NewWorker("E1", consumer, qs, WorkerOptions{Notifier: rec})
	require.NoError(t, w.Run(ctx))

	assert.Equal(t, int64(1), position(t, qs, msgs["B"].Token))
	assert.Equal(t, int64(2), position(t, qs, msgs["A"].Token))
	assert.Equal(t, int64(3), position(t, qs, msgs["C"].Token))
	assert.Equal(t, []string{"1-0", "2-0", "3-0"}, consumer.acked)

	updates := rec.OnChannel(notify.EntryChannel(msgs["A"].Token))
	require.Len(t, updates, 1)
	assert.Equal(t, models.UpdatePositionAssigned, updates[0].Type)
	assert.Equal(t, "2", updates[0].Position.String())
}

// Any delivery order, with duplicates, yields exactly the ranks 1..N.
func TestWorker_PositionsDenseForAnyOrder(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			qs := newTestStore(t)
			users := make([]string, 25)
			for i := range users {
				users[i] = fmt.Sprintf("user%02d", i)
			}
			msgs := admit(t, qs, "E1", users...)

			rnd := rand.New(rand.NewSource(seed))
			var deliveries []*broker.Delivery
			for i, user := range users {
				deliveries = append(deliveries, delivery(fmt.Sprintf("%d-0", i), msgs[user]))
				// at-least-once delivery repeats some messages
				if rnd.Intn(4) == 0 {
					deliveries = append(deliveries, delivery(fmt.Sprintf("%d-1", i), msgs[user]))
				}
			}
			rnd.Shuffle(len(deliveries), func(i, j int) {
				deliveries[i], deliveries[j] = deliveries[j], deliveries[i]
			})

			consumer := &memConsumer{queue: deliveries}
			ctx, cancel := context.WithCancel(context.Background())
			consumer.onEmpty = cancel
			require.NoError(t, NewWorker("E1", consumer, qs, WorkerOptions{}).Run(ctx))

			seen := make(map[int64]bool)
			for _, user := range users {
				seen[position(t, qs, msgs[user].Token)] = true
			}
			for n := int64(1); n <= int64(len(users)); n++ {
				assert.True(t, seen[n], "rank %d missing", n)
			}
			assert.Len(t, seen, len(users))
			assert.Len(t, consumer.acked, len(deliveries))
			assert.Empty(t, consumer.rejected)
		})
	}
}

func TestWorker_DuplicateMessageIsAckedAndSkipped(t *testing.T) {
	qs := newTestStore(t)
	msgs := admit(t, qs, "E1", "A", "B")
	rec := &notify.Recorder{}
	consumer := &memConsumer{}
	w := NewWorker("E1", consumer, qs, WorkerOptions{Notifier: rec})
	ctx := context.Background()

	require.NoError(t, w.Process(ctx, delivery("1-0", msgs["A"])))
	require.NoError(t, w.Process(ctx, delivery("2-0", msgs["A"])))
	require.NoError(t, w.Process(ctx, delivery("3-0", msgs["B"])))

	assert.Equal(t, int64(1), position(t, qs, msgs["A"].Token))
	assert.Equal(t, int64(2), position(t, qs, msgs["B"].Token))
	assert.Equal(t, []string{"1-0", "2-0", "3-0"}, consumer.acked)
	assert.Len(t, rec.OnChannel(notify.EntryChannel(msgs["A"].Token)), 1)
}

func TestWorker_TransientErrorLeavesMessageForRedelivery(t *testing.T) {
	qs := &flakyStore{EntryStore: newTestStore(t), failAssign: 1}
	msgs := admit(t, qs, "E1", "A")

	consumer := &memConsumer{queue: []*broker.Delivery{delivery("1-0", msgs["A"])}}
	ctx, cancel := context.WithCancel(context.Background())
	consumer.onEmpty = cancel

	w := NewWorker("E1", consumer, qs, WorkerOptions{RetryBackoff: time.Millisecond})
	require.NoError(t, w.Run(ctx))

	assert.Equal(t, 1, consumer.resets)
	assert.Equal(t, []string{"1-0"}, consumer.acked)
	assert.Equal(t, int64(1), position(t, qs, msgs["A"].Token))
}

func TestWorker_PermanentErrorsAreRejected(t *testing.T) {
	qs := newTestStore(t)
	msgs := admit(t, qs, "E1", "A")
	admit(t, qs, "E2", "A")

	wrongUser := msgs["A"]
	wrongUser.UserID = "mallory"

	tests := []struct {
		name string
		d    *broker.Delivery
	}{
		{"malformed payload", &broker.Delivery{ID: "1-0", Malformed: models.ErrInvalidMessage}},
		{"unknown token", delivery("2-0", models.AdmissionMessage{UserID: "A", EventID: "E1", Token: "nope"})},
		{"other event", delivery("3-0", models.AdmissionMessage{UserID: "A", EventID: "E2", Token: "token-E2-A"})},
		{"user mismatch", delivery("4-0", wrongUser)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer := &memConsumer{}
			w := NewWorker("E1", consumer, qs, WorkerOptions{})

			require.NoError(t, w.Process(context.Background(), tt.d))
			assert.Equal(t, []string{tt.d.ID}, consumer.rejected)
			assert.Empty(t, consumer.acked)
		})
	}

	entry, err := qs.FindByToken(context.Background(), msgs["A"].Token)
	require.NoError(t, err)
	assert.False(t, entry.Position.IsResolved())
}

func TestPermanent(t *testing.T) {
	base := status.ErrEntryNotFound
	err := Permanent(fmt.Errorf("lookup: %w", base))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.Nil(t, Permanent(nil))
}

// A worker that dies before acknowledging loses nothing: its replacement
// reads the pending message first.
func TestWorker_RestartResumesUnackedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	conn := broker.NewConnection(broker.DialURL(mr.Addr()), nil)
	t.Cleanup(func() { conn.Close() })
	publisher := broker.NewPublisher(conn, nil)

	qs := newTestStore(t)
	msgs := admit(t, qs, "E1", "A", "B", "C")
	ctx := context.Background()
	for _, user := range []string{"B", "A", "C"} {
		_, err := publisher.Publish(ctx, msgs[user])
		require.NoError(t, err)
	}

	// first worker reads B and crashes before processing it
	crashed := broker.NewConsumer(conn, broker.TopicName("E1"), "E1-worker", 10*time.Millisecond, nil)
	d, err := crashed.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "B", d.Message.UserID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	consumer := broker.NewConsumer(conn, broker.TopicName("E1"), "E1-worker", 10*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() {
		done <- NewWorker("E1", consumer, qs, WorkerOptions{RetryBackoff: time.Millisecond}).Run(runCtx)
	}()

	assert.Eventually(t, func() bool {
		entry, err := qs.FindByToken(ctx, msgs["C"].Token)
		return err == nil && entry.Position.IsResolved()
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int64(1), position(t, qs, msgs["B"].Token))
	assert.Equal(t, int64(2), position(t, qs, msgs["A"].Token))
	assert.Equal(t, int64(3), position(t, qs, msgs["C"].Token))

	pending, err := consumer.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
