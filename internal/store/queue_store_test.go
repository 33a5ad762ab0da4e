package store_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"ticket-queue/internal/status"
	"ticket-queue/internal/store"
	"ticket-queue/internal/store/storetest"
	"ticket-queue/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(eventID, userID string) *models.QueueEntry {
	return &models.QueueEntry{
		EventID: eventID,
		UserID:  userID,
		Token:   uuid.NewString(),
		Status:  models.StatusWaiting,
	}
}

func TestQueueStore_InsertAndFind(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	entry := newEntry("evt1", "user1")
	require.NoError(t, qs.Insert(ctx, entry))
	assert.Len(t, entry.ID, 15)

	byToken, err := qs.FindByToken(ctx, entry.Token)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, byToken.ID)
	assert.False(t, byToken.Position.IsResolved())
	assert.Equal(t, models.StatusWaiting, byToken.Status)
	assert.Nil(t, byToken.ActivatedAt)

	open, err := qs.FindOpen(ctx, "evt1", "user1")
	require.NoError(t, err)
	assert.Equal(t, entry.Token, open.Token)

	_, err = qs.FindByToken(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrEntryNotFound)

	_, err = qs.FindOpen(ctx, "evt1", "someone-else")
	assert.ErrorIs(t, err, status.ErrEntryNotFound)
}

func TestQueueStore_InsertRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	entry := newEntry("evt1", "user1")
	entry.Status = "processing"
	assert.Error(t, qs.Insert(ctx, entry))

	_, err := qs.FindOpen(ctx, "evt1", "user1")
	assert.ErrorIs(t, err, status.ErrEntryNotFound)
}

func TestQueueStore_InsertRejectsSecondOpenEntry(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	require.NoError(t, qs.Insert(ctx, newEntry("evt1", "user1")))
	err := qs.Insert(ctx, newEntry("evt1", "user1"))
	assert.ErrorIs(t, err, status.ErrDuplicateEntry)

	// same user in another event is fine
	require.NoError(t, qs.Insert(ctx, newEntry("evt2", "user1")))
}

func TestQueueStore_InsertAllowedAfterTerminal(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	first := newEntry("evt1", "user1")
	require.NoError(t, qs.Insert(ctx, first))
	_, _, err := qs.AssignNextPosition(ctx, "evt1", first.Token)
	require.NoError(t, err)
	promoted, err := qs.Promote(ctx, first.Token, time.Now())
	require.NoError(t, err)
	require.True(t, promoted)
	done, err := qs.Complete(ctx, "evt1", "user1", first.Token)
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, qs.Insert(ctx, newEntry("evt1", "user1")))
}

func TestQueueStore_Delete(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	entry := newEntry("evt1", "user1")
	require.NoError(t, qs.Insert(ctx, entry))
	require.NoError(t, qs.Delete(ctx, entry.ID))

	_, err := qs.FindByToken(ctx, entry.Token)
	assert.ErrorIs(t, err, status.ErrEntryNotFound)
}

func TestQueueStore_AssignNextPosition(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	a := newEntry("evt1", "A")
	b := newEntry("evt1", "B")
	other := newEntry("evt2", "A")
	for _, e := range []*models.QueueEntry{a, b, other} {
		require.NoError(t, qs.Insert(ctx, e))
	}

	// B is processed first even though A was admitted first
	pos, ok, err := qs.AssignNextPosition(ctx, "evt1", b.Token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", pos.String())

	pos, ok, err = qs.AssignNextPosition(ctx, "evt1", a.Token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", pos.String())

	// events are ranked independently
	pos, ok, err = qs.AssignNextPosition(ctx, "evt2", other.Token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", pos.String())

	// a resolved position is never reassigned
	_, ok, err = qs.AssignNextPosition(ctx, "evt1", a.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := qs.FindByToken(ctx, a.Token)
	require.NoError(t, err)
	assert.Equal(t, "2", stored.Position.String())
}

func TestQueueStore_AssignNextPositionSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	db := storetest.NewDB(t)
	qs := store.NewQueueStore(db)

	entry := newEntry("evt1", "A")
	require.NoError(t, qs.Insert(ctx, entry))
	_, err := db.NewQuery("UPDATE queue_entries SET status = 'expired'").Execute()
	require.NoError(t, err)

	_, ok, err := qs.AssignNextPosition(ctx, "evt1", entry.Token)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Any processing order yields exactly the ranks 1..N.
func TestQueueStore_PositionsStayDense(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	const n = 40
	tokens := make([]string, 0, n)
	for i := 0; i < n; i++ {
		e := newEntry("evt1", fmt.Sprintf("user%d", i))
		require.NoError(t, qs.Insert(ctx, e))
		tokens = append(tokens, e.Token)
	}
	rand.New(rand.NewSource(42)).Shuffle(len(tokens), func(i, j int) {
		tokens[i], tokens[j] = tokens[j], tokens[i]
	})

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			_, _, err := qs.AssignNextPosition(ctx, "evt1", token)
			assert.NoError(t, err)
		}(token)
	}
	wg.Wait()

	entries, err := qs.ListByEvent(ctx, "evt1", n)
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		got, ok := e.Position.Get()
		require.True(t, ok)
		assert.Equal(t, int64(i+1), got)
	}
}

func TestQueueStore_CountAhead(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	entries := make([]*models.QueueEntry, 4)
	for i := range entries {
		entries[i] = newEntry("evt1", fmt.Sprintf("user%d", i))
		require.NoError(t, qs.Insert(ctx, entries[i]))
	}
	for _, e := range entries[:3] {
		_, _, err := qs.AssignNextPosition(ctx, "evt1", e.Token)
		require.NoError(t, err)
	}

	ahead, err := qs.CountAhead(ctx, "evt1", models.Resolved(3))
	require.NoError(t, err)
	assert.Equal(t, models.Ahead{Waiting: 2}, ahead)

	// an unresolved entry has every resolved open entry ahead
	ahead, err = qs.CountAhead(ctx, "evt1", models.Unresolved())
	require.NoError(t, err)
	assert.Equal(t, int64(3), ahead.Total())

	// active entries are counted apart from waiting ones
	_, err = qs.Promote(ctx, entries[0].Token, time.Now())
	require.NoError(t, err)
	ahead, err = qs.CountAhead(ctx, "evt1", models.Resolved(3))
	require.NoError(t, err)
	assert.Equal(t, models.Ahead{Waiting: 1, Active: 1}, ahead)

	// finished entries no longer count
	_, err = qs.Complete(ctx, "evt1", "user0", entries[0].Token)
	require.NoError(t, err)

	ahead, err = qs.CountAhead(ctx, "evt1", models.Resolved(3))
	require.NoError(t, err)
	assert.Equal(t, models.Ahead{Waiting: 1}, ahead)
}

func TestQueueStore_PromoteIsConditional(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	entry := newEntry("evt1", "user1")
	require.NoError(t, qs.Insert(ctx, entry))

	at := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	ok, err := qs.Promote(ctx, entry.Token, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = qs.Promote(ctx, entry.Token, at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := qs.FindByToken(ctx, entry.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
	require.NotNil(t, stored.ActivatedAt)
	assert.True(t, at.Equal(*stored.ActivatedAt))
}

func TestQueueStore_CompleteRequiresOwnerAndActive(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	entry := newEntry("evt1", "user1")
	require.NoError(t, qs.Insert(ctx, entry))

	ok, err := qs.Complete(ctx, "evt1", "user1", entry.Token)
	require.NoError(t, err)
	assert.False(t, ok, "waiting entries cannot complete")

	_, err = qs.Promote(ctx, entry.Token, time.Now())
	require.NoError(t, err)

	ok, err = qs.Complete(ctx, "evt1", "intruder", entry.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = qs.Complete(ctx, "evt1", "user1", entry.Token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueueStore_ExpireActiveBefore(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	stale := newEntry("evt1", "stale")
	fresh := newEntry("evt2", "fresh")
	waiting := newEntry("evt3", "waiting")
	for _, e := range []*models.QueueEntry{stale, fresh, waiting} {
		require.NoError(t, qs.Insert(ctx, e))
	}
	_, err := qs.Promote(ctx, stale.Token, now.Add(-20*time.Minute))
	require.NoError(t, err)
	_, err = qs.Promote(ctx, fresh.Token, now.Add(-time.Minute))
	require.NoError(t, err)

	events, err := qs.ExpireActiveBefore(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"evt1"}, events)

	got, err := qs.FindByToken(ctx, stale.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	got, err = qs.FindByToken(ctx, fresh.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)

	got, err = qs.FindByToken(ctx, waiting.Token)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)

	events, err = qs.ExpireActiveBefore(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueueStore_HeadAndCounts(t *testing.T) {
	ctx := context.Background()
	qs := store.NewQueueStore(storetest.NewDB(t))

	_, err := qs.Head(ctx, "evt1")
	assert.ErrorIs(t, err, status.ErrEntryNotFound)

	a := newEntry("evt1", "A")
	b := newEntry("evt1", "B")
	c := newEntry("evt1", "C")
	for _, e := range []*models.QueueEntry{a, b, c} {
		require.NoError(t, qs.Insert(ctx, e))
	}
	for _, e := range []*models.QueueEntry{a, b} {
		_, _, err := qs.AssignNextPosition(ctx, "evt1", e.Token)
		require.NoError(t, err)
	}
	_, err = qs.Promote(ctx, a.Token, time.Now())
	require.NoError(t, err)

	head, err := qs.Head(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, b.Token, head.Token)

	counts, err := qs.CountByStatus(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.StatusActive])
	assert.Equal(t, int64(2), counts[models.StatusWaiting])
	assert.Zero(t, counts[models.StatusCompleted])

	list, err := qs.ListByEvent(ctx, "evt1", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, c.Token, list[2].Token, "unresolved entries are listed last")
}
