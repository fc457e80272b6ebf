package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhelbig/cratesync/internal/history"
	"github.com/dhelbig/cratesync/internal/metrics"
	"github.com/dhelbig/cratesync/internal/remote"
	"github.com/dhelbig/cratesync/internal/store"
)

// RemoteAPI is the slice of the HTTP client façade the drain needs.
// All methods return structured results; none unwind on HTTP errors.
type RemoteAPI interface {
	SetRating(ctx context.Context, username string, folderID, releaseID, instanceID int64, rating int) remote.Result
	SetNotes(ctx context.Context, username string, folderID, releaseID, instanceID, fieldID int64, text string) remote.Result
	AddToWantlist(ctx context.Context, username string, releaseID int64) remote.Result
	RemoveFromWantlist(ctx context.Context, username string, releaseID int64) remote.Result
	AddToCollection(ctx context.Context, username string, folderID, releaseID int64) remote.Result
}

// EditRequest is the external input shape accepted from the web
// handlers. Optional fields are pointers; nil means "not part of this
// edit".
type EditRequest struct {
	InstanceID      int64        `json:"instance_id"`
	ReleaseID       int64        `json:"release_id"`
	Username        string       `json:"username"`
	FolderID        int64        `json:"folder_id"`
	Rating          *int         `json:"rating,omitempty"`
	Notes           *string      `json:"notes,omitempty"`
	NotesFieldID    *int64       `json:"notes_field_id,omitempty"`
	MediaCondition  *string      `json:"media_condition,omitempty"`
	SleeveCondition *string      `json:"sleeve_condition,omitempty"`
	Action          store.Action `json:"action"`
}

// Outcome reports one drained job.
type Outcome struct {
	Job     store.Job
	Done    bool
	LastErr string
}

// Queue buffers user edits durably and drains them against the remote
// API. Enqueue returns as soon as the row is persisted; the remote
// call happens later in a drain.
type Queue struct {
	st   store.Store
	api  RemoteAPI
	sink history.Sink
	log  *slog.Logger
}

func New(st store.Store, api RemoteAPI, sink history.Sink, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{st: st, api: api, sink: sink, log: log}
}

func (q *Queue) validate(req EditRequest) error {
	if req.InstanceID == 0 && req.Action == store.ActionUpdate {
		return fmt.Errorf("queue: instance_id required for %s", req.Action)
	}
	if req.ReleaseID == 0 {
		return fmt.Errorf("queue: release_id required")
	}
	if req.Username == "" {
		return fmt.Errorf("queue: username required")
	}
	switch req.Action {
	case store.ActionUpdate:
		if req.Rating == nil && req.Notes == nil {
			return fmt.Errorf("queue: update needs a rating or notes")
		}
		if req.Rating != nil && (*req.Rating < 0 || *req.Rating > 5) {
			return fmt.Errorf("queue: rating %d out of range 0..5", *req.Rating)
		}
	case store.ActionWantlistAdd, store.ActionWantlistRemove, store.ActionCollectionAdd:
	default:
		return fmt.Errorf("queue: unknown action %q", req.Action)
	}
	return nil
}

// Enqueue persists the edit, replacing an existing pending row for the
// same (instance_id, action) pair: the newer payload wins, attempts
// and last_error reset.
func (q *Queue) Enqueue(ctx context.Context, req EditRequest) (store.Job, error) {
	if err := q.validate(req); err != nil {
		return store.Job{}, err
	}
	job := store.Job{
		InstanceID: req.InstanceID,
		ReleaseID:  req.ReleaseID,
		Username:   req.Username,
		FolderID:   req.FolderID,
		Action:     req.Action,
	}
	if job.FolderID == 0 {
		job.FolderID = 1
	}
	if req.Rating != nil {
		job.Rating = sql.NullInt64{Int64: int64(*req.Rating), Valid: true}
	}
	if req.Notes != nil {
		job.Notes = sql.NullString{String: *req.Notes, Valid: true}
	}
	if req.NotesFieldID != nil {
		job.NotesFieldID = sql.NullInt64{Int64: *req.NotesFieldID, Valid: true}
	}
	if req.MediaCondition != nil {
		job.MediaCondition = sql.NullString{String: *req.MediaCondition, Valid: true}
	}
	if req.SleeveCondition != nil {
		job.SleeveCondition = sql.NullString{String: *req.SleeveCondition, Valid: true}
	}
	out, err := q.st.UpsertPending(ctx, job)
	if err != nil {
		return store.Job{}, err
	}
	metrics.IncEnqueued(string(req.Action))
	q.log.Debug("enqueued", "id", out.ID, "instance", out.InstanceID, "action", out.Action)
	return out, nil
}

// DrainOne claims the oldest pending job and pushes it to the remote
// API. It returns (outcome, true, nil) when a job was processed and
// (_, false, nil) when the queue is empty. A remote failure is not an
// error here: it is recorded on the row and in the outcome, and the
// caller keeps draining.
func (q *Queue) DrainOne(ctx context.Context) (Outcome, bool, error) {
	job, ok, err := q.st.ClaimNext(ctx)
	if err != nil || !ok {
		return Outcome{}, false, err
	}
	pushErr := q.push(ctx, job)
	out := Outcome{Job: job}
	if pushErr == "" {
		out.Done = true
		if err := q.st.MarkDone(ctx, job.ID); err != nil {
			return out, true, err
		}
		metrics.IncDrained(string(job.Action), "done")
	} else {
		out.LastErr = pushErr
		if err := q.st.MarkError(ctx, job.ID, pushErr); err != nil {
			return out, true, err
		}
		metrics.IncDrained(string(job.Action), "error")
		q.log.Warn("push failed", "id", job.ID, "instance", job.InstanceID,
			"action", job.Action, "err", pushErr)
	}
	q.record(ctx, job, out)
	return out, true, nil
}

// push issues the remote calls for one job. The empty string means
// success; otherwise the return names exactly the portion that failed
// so a later retry re-attempts both halves (idempotent server-side).
func (q *Queue) push(ctx context.Context, job store.Job) string {
	switch job.Action {
	case store.ActionUpdate:
		if job.Rating.Valid {
			res := q.api.SetRating(ctx, job.Username, job.FolderID, job.ReleaseID,
				job.InstanceID, int(job.Rating.Int64))
			if !res.OK {
				return "rating update failed: " + res.Err()
			}
		}
		if job.Notes.Valid {
			fieldID := int64(1)
			if job.NotesFieldID.Valid {
				fieldID = job.NotesFieldID.Int64
			}
			res := q.api.SetNotes(ctx, job.Username, job.FolderID, job.ReleaseID,
				job.InstanceID, fieldID, job.Notes.String)
			if !res.OK {
				return "notes update failed: " + res.Err()
			}
		}
		return ""
	case store.ActionWantlistAdd:
		if res := q.api.AddToWantlist(ctx, job.Username, job.ReleaseID); !res.OK {
			return "wantlist add failed: " + res.Err()
		}
		return ""
	case store.ActionWantlistRemove:
		if res := q.api.RemoveFromWantlist(ctx, job.Username, job.ReleaseID); !res.OK {
			return "wantlist remove failed: " + res.Err()
		}
		return ""
	case store.ActionCollectionAdd:
		if res := q.api.AddToCollection(ctx, job.Username, job.FolderID, job.ReleaseID); !res.OK {
			return "collection add failed: " + res.Err()
		}
		return ""
	default:
		return fmt.Sprintf("unknown action %q", job.Action)
	}
}

func (q *Queue) record(ctx context.Context, job store.Job, out Outcome) {
	if q.sink == nil {
		return
	}
	e := history.Event{
		Action:     string(job.Action),
		InstanceID: job.InstanceID,
		ReleaseID:  job.ReleaseID,
		Username:   job.Username,
		Outcome:    history.OutcomeDone,
		Attempts:   job.Attempts + 1,
		OccurredAt: time.Now().UTC(),
	}
	if !out.Done {
		e.Outcome = history.OutcomeError
		e.Error = out.LastErr
	}
	if err := q.sink.Send(ctx, e); err != nil {
		q.log.Warn("history sink send failed", "err", err)
	}
}

func (q *Queue) ListPending(ctx context.Context, limit int) ([]store.Job, error) {
	return q.st.ListByStatus(ctx, store.JobPending, limit)
}

func (q *Queue) ListErrored(ctx context.Context, limit int) ([]store.Job, error) {
	return q.st.ListByStatus(ctx, store.JobError, limit)
}

// RetryErrored resets errored jobs with fewer than maxAttempts back to
// pending. Retry scheduling is an explicit policy, not an implicit
// side effect of draining.
func (q *Queue) RetryErrored(ctx context.Context, maxAttempts int) (int64, error) {
	n, err := q.st.RequeueErrored(ctx, maxAttempts)
	if err == nil && n > 0 {
		q.log.Info("requeued errored jobs", "count", n)
	}
	return n, err
}

// Retry resets a single errored job back to pending.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	return q.st.Requeue(ctx, id)
}
