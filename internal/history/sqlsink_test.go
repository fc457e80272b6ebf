package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestSQLSinkSQLiteAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := NewSQLSinkFromDSN(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	ctx := context.Background()

	events := []Event{
		{
			Action: "update", InstanceID: 7, ReleaseID: 70, Username: "collector",
			Outcome: OutcomeDone, Attempts: 1, OccurredAt: time.Now().UTC(),
		},
		{
			Action: "wantlist_add", InstanceID: 8, ReleaseID: 80, Username: "collector",
			Outcome: OutcomeError, Attempts: 2, Error: "wantlist add failed: http 503",
			OccurredAt: time.Now().UTC(),
		},
	}
	for i, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close() }()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM push_history;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	var outcome string
	var errStr sql.NullString
	err = db.QueryRow(
		`SELECT outcome, error FROM push_history WHERE instance_id=8;`).Scan(&outcome, &errStr)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if outcome != string(OutcomeError) {
		t.Fatalf("outcome: %q", outcome)
	}
	if !errStr.Valid || errStr.String != "wantlist add failed: http 503" {
		t.Fatalf("error column: %+v", errStr)
	}

	// success rows store NULL, not empty string
	err = db.QueryRow(
		`SELECT error FROM push_history WHERE instance_id=7;`).Scan(&errStr)
	if err != nil {
		t.Fatalf("select2: %v", err)
	}
	if errStr.Valid {
		t.Fatalf("expected NULL error for success, got %q", errStr.String)
	}
}

func TestSQLSinkEmptyDSN(t *testing.T) {
	if _, err := NewSQLSinkFromDSN("   "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestSQLSinkSQLiteSchemePrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := NewSQLSinkFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if sink.dialect != "sqlite" {
		t.Fatalf("dialect: %q", sink.dialect)
	}
	if err := sink.Send(context.Background(), Event{
		Action: "update", InstanceID: 1, ReleaseID: 10, Username: "u",
		Outcome: OutcomeDone, Attempts: 1, OccurredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
}
