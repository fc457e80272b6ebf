package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dhelbig/cratesync/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	// a single writer connection avoids SQLITE_BUSY between drain workers
	d.SetMaxOpenConns(1)
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS push_queue(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id INTEGER NOT NULL,
			release_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			folder_id INTEGER NOT NULL DEFAULT 1,
			rating INTEGER NULL,
			notes TEXT NULL,
			notes_field_id INTEGER NULL,
			media_condition TEXT NULL,
			sleeve_condition TEXT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_push_queue_status ON push_queue(status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_push_queue_pending_key
			ON push_queue(instance_id, release_id, action) WHERE status='pending';`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// --- KV ---

func (s *DB) GetKV(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *DB) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, key, value)
	return err
}

// SwapKV conditionally writes next: when old is empty the key is
// created only if absent, otherwise the value is replaced only if it
// still equals old. Reports whether the write happened.
func (s *DB) SwapKV(ctx context.Context, key, old, next string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == "" {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO kv(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO NOTHING;`, key, next)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv SET value=? WHERE key=? AND value=?;`, next, key, old)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrKV increments the integer stored at key by delta in a single
// upsert statement and returns the new value. Missing keys start at 0.
func (s *DB) IncrKV(ctx context.Context, key string, delta int64) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CAST(CAST(value AS INTEGER) + ? AS TEXT)
		RETURNING CAST(value AS INTEGER);`,
		key, strconv.FormatInt(delta, 10), delta).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// --- Queue ---

const jobColumns = `id, instance_id, release_id, username, folder_id, rating, notes,
	notes_field_id, media_condition, sleeve_condition, action, status, attempts,
	last_error, created_at, updated_at`

func (s *DB) UpsertPending(ctx context.Context, job store.Job) (store.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO push_queue(instance_id, release_id, username, folder_id, rating,
			notes, notes_field_id, media_condition, sleeve_condition, action, status,
			attempts, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, NULL, ?, ?)
		ON CONFLICT(instance_id, release_id, action) WHERE status='pending' DO UPDATE SET
			username=excluded.username,
			folder_id=excluded.folder_id,
			rating=excluded.rating,
			notes=excluded.notes,
			notes_field_id=excluded.notes_field_id,
			media_condition=excluded.media_condition,
			sleeve_condition=excluded.sleeve_condition,
			attempts=0,
			last_error=NULL,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at
		RETURNING `+jobColumns+`;`,
		job.InstanceID, job.ReleaseID, job.Username, job.FolderID, job.Rating,
		job.Notes, job.NotesFieldID, job.MediaCondition, job.SleeveCondition,
		string(job.Action), now, now)
	return scanJobRow(row)
}

// ClaimNext flips the oldest pending job to processing. The inner
// status='pending' predicate makes the claim atomic: when two workers
// race, only one UPDATE matches.
func (s *DB) ClaimNext(ctx context.Context) (store.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE push_queue SET status='processing', updated_at=?
		WHERE id = (
			SELECT id FROM push_queue WHERE status='pending'
			ORDER BY created_at ASC, id ASC LIMIT 1
		) AND status='pending'
		RETURNING `+jobColumns+`;`, time.Now().UTC())
	job, err := scanJobRow(row)
	if errors.Is(err, store.ErrNotFound) {
		return store.Job{}, false, nil
	}
	if err != nil {
		return store.Job{}, false, err
	}
	return job, true, nil
}

func (s *DB) MarkDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE push_queue SET status='done', last_error=NULL, updated_at=?
		WHERE id=?;`, time.Now().UTC(), id)
	return err
}

func (s *DB) MarkError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE push_queue SET status='error', attempts=attempts+1, last_error=?, updated_at=?
		WHERE id=?;`, msg, time.Now().UTC(), id)
	return err
}

func (s *DB) GetJob(ctx context.Context, id int64) (store.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM push_queue WHERE id=?;`, id)
	return scanJobRow(row)
}

func (s *DB) ListByStatus(ctx context.Context, status store.JobStatus, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM push_queue
		WHERE status=? ORDER BY created_at ASC, id ASC LIMIT ?;`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (s *DB) Requeue(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE push_queue SET status='pending', last_error=NULL, updated_at=?
		WHERE id=? AND status='error';`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) RequeueErrored(ctx context.Context, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE push_queue SET status='pending', last_error=NULL, updated_at=?
		WHERE status='error' AND attempts < ?;`, time.Now().UTC(), maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) PurgeDone(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_queue WHERE status='done' AND updated_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (store.Job, error) {
	var j store.Job
	var action, status string
	err := r.Scan(&j.ID, &j.InstanceID, &j.ReleaseID, &j.Username, &j.FolderID,
		&j.Rating, &j.Notes, &j.NotesFieldID, &j.MediaCondition, &j.SleeveCondition,
		&action, &status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return store.Job{}, err
	}
	j.Action = store.Action(action)
	j.Status = store.JobStatus(status)
	return j, nil
}

func scanJobRow(row *sql.Row) (store.Job, error) {
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Job{}, store.ErrNotFound
	}
	return j, err
}

func scanJobs(rows *sql.Rows) ([]store.Job, error) {
	out := make([]store.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
