package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a push-queue job.
// Transitions: pending -> processing -> done | error.
// Errored jobs stay in the table with last_error set and may be
// requeued explicitly; rows are never deleted by the drain path.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobError      JobStatus = "error"
)

// Action identifies what a push-queue job does against the remote
// collection service.
type Action string

const (
	// ActionUpdate pushes rating and/or notes for a collection instance.
	ActionUpdate Action = "update"
	// ActionWantlistAdd / ActionWantlistRemove toggle wantlist membership.
	ActionWantlistAdd    Action = "wantlist_add"
	ActionWantlistRemove Action = "wantlist_remove"
	// ActionCollectionAdd adds a release to a collection folder.
	ActionCollectionAdd Action = "collection_add"
)

// ErrNotFound is returned when a job row does not exist.
var ErrNotFound = errors.New("store: not found")

// Job is one buffered mutation destined for the remote API.
// At most one pending row exists per (InstanceID, ReleaseID, Action)
// key; a new edit for the same key replaces the payload of the pending
// row. ReleaseID is part of the key because wantlist and collection
// actions carry no instance, so distinct releases must not collapse
// into one row.
type Job struct {
	ID              int64
	InstanceID      int64
	ReleaseID       int64
	Username        string
	FolderID        int64
	Rating          sql.NullInt64
	Notes           sql.NullString
	NotesFieldID    sql.NullInt64
	MediaCondition  sql.NullString
	SleeveCondition sql.NullString
	Action          Action
	Status          JobStatus
	Attempts        int
	LastError       sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store is the shared persistence substrate: a string key/value table
// with atomic increment (rate-limit counters and timestamps) plus the
// durable push-queue rows.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// KV operations. IncrKV must be atomic (single-statement
	// upsert-increment), never a read-modify-write round trip.
	// SwapKV is a conditional write: with old=="" the key is created
	// only if absent, otherwise the value is replaced only if it still
	// equals old. The bool reports whether the write happened.
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
	SwapKV(ctx context.Context, key, old, next string) (bool, error)
	IncrKV(ctx context.Context, key string, delta int64) (int64, error)

	// Queue operations. ClaimNext atomically flips the oldest pending
	// row to processing so that concurrent drain workers never pick
	// the same job twice.
	UpsertPending(ctx context.Context, job Job) (Job, error)
	ClaimNext(ctx context.Context) (Job, bool, error)
	MarkDone(ctx context.Context, id int64) error
	MarkError(ctx context.Context, id int64, msg string) error
	GetJob(ctx context.Context, id int64) (Job, error)
	ListByStatus(ctx context.Context, status JobStatus, limit int) ([]Job, error)
	Requeue(ctx context.Context, id int64) error
	RequeueErrored(ctx context.Context, maxAttempts int) (int64, error)
	PurgeDone(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
