// Package storetest opens an in-memory sqlite database carrying the
// queue_entries schema created by the migrations.
package storetest

import (
	"testing"

	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"
)

var schema = []string{`
CREATE TABLE queue_entries (
	id        TEXT PRIMARY KEY NOT NULL,
	event_id  TEXT DEFAULT '' NOT NULL,
	user_id   TEXT DEFAULT '' NOT NULL,
	token     TEXT DEFAULT '' NOT NULL,
	position  NUMERIC DEFAULT 0 NOT NULL,
	status    TEXT DEFAULT '' NOT NULL,
	created   TEXT DEFAULT '' NOT NULL,
	activated TEXT DEFAULT '' NOT NULL
)`,
	"CREATE UNIQUE INDEX idx_queue_entries_token ON queue_entries (token)",
	"CREATE UNIQUE INDEX idx_queue_entries_open_user ON queue_entries (event_id, user_id) WHERE status IN ('waiting', 'active')",
	"CREATE INDEX idx_queue_entries_event_position ON queue_entries (event_id, position)",
}

func NewDB(tb testing.TB) *dbx.DB {
	tb.Helper()

	db, err := dbx.Open("sqlite", ":memory:")
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	// every connection to :memory: is a separate database
	db.DB().SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.NewQuery(stmt).Execute(); err != nil {
			tb.Fatalf("create schema: %v", err)
		}
	}
	tb.Cleanup(func() { db.Close() })
	return db
}
