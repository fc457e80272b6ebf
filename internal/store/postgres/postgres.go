package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dhelbig/cratesync/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS push_queue(
			id BIGSERIAL PRIMARY KEY,
			instance_id BIGINT NOT NULL,
			release_id BIGINT NOT NULL,
			username TEXT NOT NULL,
			folder_id BIGINT NOT NULL DEFAULT 1,
			rating INTEGER NULL,
			notes TEXT NULL,
			notes_field_id INTEGER NULL,
			media_condition TEXT NULL,
			sleeve_condition TEXT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_push_queue_status ON push_queue(status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_push_queue_pending_key
			ON push_queue(instance_id, release_id, action) WHERE status='pending';`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

// --- KV ---

func (p *DB) GetKV(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (p *DB) SetKV(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv(key, value) VALUES($1, $2)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, key, value)
	return err
}

// IncrKV increments atomically in a single upsert. The delta is bound
// twice with explicit BIGINT casts on each use so parameter type
// deduction stays consistent between the VALUES list and the conflict
// expression.
func (p *DB) IncrKV(ctx context.Context, key string, delta int64) (int64, error) {
	var v int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO kv(key, value) VALUES($1, ($2::BIGINT)::TEXT)
		ON CONFLICT(key) DO UPDATE SET
			value = ((kv.value)::BIGINT + $3::BIGINT)::TEXT
		RETURNING (value)::BIGINT;`, key, delta, delta).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// SwapKV conditionally writes next: when old is empty the key is
// created only if absent, otherwise the value is replaced only if it
// still equals old. Reports whether the write happened.
func (p *DB) SwapKV(ctx context.Context, key, old, next string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == "" {
		res, err = p.db.ExecContext(ctx, `
			INSERT INTO kv(key, value) VALUES($1, $2)
			ON CONFLICT(key) DO NOTHING;`, key, next)
	} else {
		res, err = p.db.ExecContext(ctx,
			`UPDATE kv SET value=$1 WHERE key=$2 AND value=$3;`, next, key, old)
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

// --- Queue ---

const jobColumns = `id, instance_id, release_id, username, folder_id, rating, notes,
	notes_field_id, media_condition, sleeve_condition, action, status, attempts,
	last_error, created_at, updated_at`

func (p *DB) UpsertPending(ctx context.Context, job store.Job) (store.Job, error) {
	now := time.Now().UTC()
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO push_queue(instance_id, release_id, username, folder_id, rating,
			notes, notes_field_id, media_condition, sleeve_condition, action, status,
			attempts, last_error, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', 0, NULL, $11, $12)
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

func (p *DB) ClaimNext(ctx context.Context) (store.Job, bool, error) {
	// FOR UPDATE SKIP LOCKED keeps concurrent drain workers from
	// blocking on (or double-claiming) the same row.
	row := p.db.QueryRowContext(ctx, `
		UPDATE push_queue SET status='processing', updated_at=$1
		WHERE id = (
			SELECT id FROM push_queue WHERE status='pending'
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
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

func (p *DB) MarkDone(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE push_queue SET status='done', last_error=NULL, updated_at=$1
		WHERE id=$2;`, time.Now().UTC(), id)
	return err
}

func (p *DB) MarkError(ctx context.Context, id int64, msg string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE push_queue SET status='error', attempts=attempts+1, last_error=$1, updated_at=$2
		WHERE id=$3;`, msg, time.Now().UTC(), id)
	return err
}

func (p *DB) GetJob(ctx context.Context, id int64) (store.Job, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM push_queue WHERE id=$1;`, id)
	return scanJobRow(row)
}

func (p *DB) ListByStatus(ctx context.Context, status store.JobStatus, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM push_queue
		WHERE status=$1 ORDER BY created_at ASC, id ASC LIMIT $2;`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (p *DB) Requeue(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE push_queue SET status='pending', last_error=NULL, updated_at=$1
		WHERE id=$2 AND status='error';`, time.Now().UTC(), id)
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

func (p *DB) RequeueErrored(ctx context.Context, maxAttempts int) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE push_queue SET status='pending', last_error=NULL, updated_at=$1
		WHERE status='error' AND attempts < $2;`, time.Now().UTC(), maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) PurgeDone(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM push_queue WHERE status='done' AND updated_at < $1;`, olderThan.UTC())
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
