package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticket-queue/internal/status"
	"ticket-queue/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/security"
	"github.com/pocketbase/pocketbase/tools/types"
)

const QueueTable = "queue_entries"

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

type entryRow struct {
	ID        string          `db:"id"`
	EventID   string          `db:"event_id"`
	UserID    string          `db:"user_id"`
	Token     string          `db:"token"`
	Position  models.Position `db:"position"`
	Status    string          `db:"status"`
	Created   types.DateTime  `db:"created"`
	Activated types.DateTime  `db:"activated"`
}

func (r entryRow) toModel() *models.QueueEntry {
	entry := &models.QueueEntry{
		ID:        r.ID,
		EventID:   r.EventID,
		UserID:    r.UserID,
		Token:     r.Token,
		Position:  r.Position,
		Status:    models.EntryStatus(r.Status),
		CreatedAt: r.Created.Time(),
	}
	if !r.Activated.IsZero() {
		activated := r.Activated.Time()
		entry.ActivatedAt = &activated
	}
	return entry
}

const selectEntry = "SELECT id, event_id, user_id, token, position, status, created, activated FROM " + QueueTable

// QueueStore persists queue entries in the queue_entries table through dbx.
type QueueStore struct {
	db dbx.Builder
}

func NewQueueStore(db dbx.Builder) *QueueStore {
	return &QueueStore{db: db}
}

// Insert writes a new entry. A second open entry for the same (event, user)
// pair is rejected by the partial unique index and reported as
// status.ErrDuplicateEntry.
func (s *QueueStore) Insert(ctx context.Context, entry *models.QueueEntry) error {
	if !entry.Status.Valid() {
		return fmt.Errorf("insert queue entry: unknown status %q", entry.Status)
	}
	if entry.ID == "" {
		entry.ID = security.RandomStringWithAlphabet(15, idAlphabet)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	created, err := types.ParseDateTime(entry.CreatedAt)
	if err != nil {
		return err
	}

	_, err = s.db.Insert(QueueTable, dbx.Params{
		"id":        entry.ID,
		"event_id":  entry.EventID,
		"user_id":   entry.UserID,
		"token":     entry.Token,
		"position":  entry.Position,
		"status":    string(entry.Status),
		"created":   created,
		"activated": "",
	}).WithContext(ctx).Execute()
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", status.ErrDuplicateEntry, err)
		}
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (s *QueueStore) FindByToken(ctx context.Context, token string) (*models.QueueEntry, error) {
	var row entryRow
	err := s.db.NewQuery(selectEntry + " WHERE token = {:token} LIMIT 1").
		WithContext(ctx).
		Bind(dbx.Params{"token": token}).
		One(&row)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

// FindOpen returns the waiting or active entry of a user for an event.
func (s *QueueStore) FindOpen(ctx context.Context, eventID, userID string) (*models.QueueEntry, error) {
	var row entryRow
	err := s.db.NewQuery(selectEntry+
		" WHERE event_id = {:event} AND user_id = {:user} AND status IN ('waiting', 'active') LIMIT 1").
		WithContext(ctx).
		Bind(dbx.Params{"event": eventID, "user": userID}).
		One(&row)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

// Delete removes an entry. Only used to compensate for a failed publish.
func (s *QueueStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Delete(QueueTable, dbx.HashExp{"id": id}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("delete queue entry %s: %w", id, err)
	}
	return nil
}

// AssignNextPosition gives the entry identified by token the next rank of
// its event. The max+1 read and the write happen in one statement, so the
// sequence stays dense even if two writers ever overlap. It reports false
// when the entry is missing, terminal or already resolved.
func (s *QueueStore) AssignNextPosition(ctx context.Context, eventID, token string) (models.Position, bool, error) {
	res, err := s.db.NewQuery(`UPDATE ` + QueueTable + ` SET position = (
			SELECT COALESCE(MAX(position), 0) + 1 FROM ` + QueueTable + ` WHERE event_id = {:event}
		)
		WHERE token = {:token} AND event_id = {:event} AND position = 0 AND status IN ('waiting', 'active')`).
		WithContext(ctx).
		Bind(dbx.Params{"event": eventID, "token": token}).
		Execute()
	if err != nil {
		return models.Unresolved(), false, fmt.Errorf("assign position: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Unresolved(), false, fmt.Errorf("assign position: %w", err)
	}
	if affected == 0 {
		return models.Unresolved(), false, nil
	}

	entry, err := s.FindByToken(ctx, token)
	if err != nil {
		return models.Unresolved(), false, err
	}
	return entry.Position, true, nil
}

// CountAhead counts the resolved waiting and active entries ranked before
// pos. For an unresolved pos every resolved open entry is ahead.
func (s *QueueStore) CountAhead(ctx context.Context, eventID string, pos models.Position) (models.Ahead, error) {
	n, _ := pos.Get()
	var ahead models.Ahead
	err := s.db.NewQuery(`SELECT
			COALESCE(SUM(CASE WHEN status = 'waiting' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0)
		FROM ` + QueueTable + `
		WHERE event_id = {:event} AND status IN ('waiting', 'active') AND position > 0
		AND ({:pos} = 0 OR position < {:pos})`).
		WithContext(ctx).
		Bind(dbx.Params{"event": eventID, "pos": n}).
		Row(&ahead.Waiting, &ahead.Active)
	if err != nil {
		return models.Ahead{}, fmt.Errorf("count ahead: %w", err)
	}
	return ahead, nil
}

// Promote moves a waiting entry to active. It reports false if the entry was
// not waiting anymore, which makes concurrent polls harmless.
func (s *QueueStore) Promote(ctx context.Context, token string, at time.Time) (bool, error) {
	activated, err := types.ParseDateTime(at.UTC())
	if err != nil {
		return false, err
	}
	res, err := s.db.Update(QueueTable,
		dbx.Params{"status": string(models.StatusActive), "activated": activated},
		dbx.HashExp{"token": token, "status": string(models.StatusWaiting)},
	).WithContext(ctx).Execute()
	if err != nil {
		return false, fmt.Errorf("promote entry: %w", err)
	}
	return rowsChanged(res)
}

// Complete marks the active entry of a user as completed.
func (s *QueueStore) Complete(ctx context.Context, eventID, userID, token string) (bool, error) {
	res, err := s.db.Update(QueueTable,
		dbx.Params{"status": string(models.StatusCompleted)},
		dbx.HashExp{
			"event_id": eventID,
			"user_id":  userID,
			"token":    token,
			"status":   string(models.StatusActive),
		},
	).WithContext(ctx).Execute()
	if err != nil {
		return false, fmt.Errorf("complete entry: %w", err)
	}
	return rowsChanged(res)
}

// ExpireActiveBefore expires active entries activated before cutoff and
// returns the ids of the events whose line moved.
func (s *QueueStore) ExpireActiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	limit, err := types.ParseDateTime(cutoff.UTC())
	if err != nil {
		return nil, err
	}
	params := dbx.Params{"cutoff": limit}
	where := " WHERE status = 'active' AND activated != '' AND activated < {:cutoff}"

	var eventIDs []string
	err = s.db.NewQuery("SELECT DISTINCT event_id FROM " + QueueTable + where).
		WithContext(ctx).
		Bind(params).
		Column(&eventIDs)
	if err != nil {
		return nil, fmt.Errorf("find stale entries: %w", err)
	}
	if len(eventIDs) == 0 {
		return nil, nil
	}

	_, err = s.db.NewQuery("UPDATE " + QueueTable + " SET status = 'expired'" + where).
		WithContext(ctx).
		Bind(params).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("expire stale entries: %w", err)
	}
	return eventIDs, nil
}

// Head returns the lowest-ranked waiting entry of an event.
func (s *QueueStore) Head(ctx context.Context, eventID string) (*models.QueueEntry, error) {
	var row entryRow
	err := s.db.NewQuery(selectEntry +
		" WHERE event_id = {:event} AND status = 'waiting' AND position > 0 ORDER BY position ASC LIMIT 1").
		WithContext(ctx).
		Bind(dbx.Params{"event": eventID}).
		One(&row)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

// ListByEvent returns entries of an event ordered by rank, unresolved last.
func (s *QueueStore) ListByEvent(ctx context.Context, eventID string, limit int) ([]*models.QueueEntry, error) {
	var rows []entryRow
	err := s.db.NewQuery(selectEntry +
		" WHERE event_id = {:event} ORDER BY position = 0, position ASC, created ASC LIMIT {:limit}").
		WithContext(ctx).
		Bind(dbx.Params{"event": eventID, "limit": limit}).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}

	entries := make([]*models.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toModel())
	}
	return entries, nil
}

// CountByStatus returns the number of entries per status for an event.
func (s *QueueStore) CountByStatus(ctx context.Context, eventID string) (map[models.EntryStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Total  int64  `db:"total"`
	}
	err := s.db.NewQuery("SELECT status, COUNT(*) AS total FROM " + QueueTable + " WHERE event_id = {:event} GROUP BY status").
		WithContext(ctx).
		Bind(dbx.Params{"event": eventID}).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}

	counts := make(map[models.EntryStatus]int64, len(rows))
	for _, row := range rows {
		counts[models.EntryStatus(row.Status)] = row.Total
	}
	return counts, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return status.ErrEntryNotFound
	}
	return err
}

func rowsChanged(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
