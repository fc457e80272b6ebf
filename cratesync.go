package cratesync

import (
	"log/slog"

	cfg "github.com/dhelbig/cratesync/internal/config"
	"github.com/dhelbig/cratesync/internal/fetchcache"
	"github.com/dhelbig/cratesync/internal/history"
	"github.com/dhelbig/cratesync/internal/queue"
	"github.com/dhelbig/cratesync/internal/ratelimit"
	"github.com/dhelbig/cratesync/internal/remote"
	"github.com/dhelbig/cratesync/internal/runner"
	"github.com/dhelbig/cratesync/internal/store"
	"github.com/dhelbig/cratesync/internal/store/factory"
)

// Re-export core types for external consumers (the web application
// embeds the sync subsystem through this package).

type EditRequest = queue.EditRequest

type Job = store.Job

type Action = store.Action

const (
	ActionUpdate         = store.ActionUpdate
	ActionWantlistAdd    = store.ActionWantlistAdd
	ActionWantlistRemove = store.ActionWantlistRemove
	ActionCollectionAdd  = store.ActionCollectionAdd
)

type Result = remote.Result

type Progress = runner.Progress

type FileConfig = cfg.FileConfig

type HistorySink = history.Sink

// Sync bundles the composed subsystem: shared store, rate limiter,
// remote client, push queue and fetch cache.
type Sync struct {
	Store   store.Store
	Limiter *ratelimit.Limiter
	Client  *remote.Client
	Queue   *queue.Queue
	Images  *fetchcache.Fetcher
}

// New composes the sync subsystem from a file config. The caller owns
// Store.Close.
func New(c FileConfig, sink HistorySink, log *slog.Logger) (*Sync, error) {
	st, err := factory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(st, c.RateLimiterConfig())
	client := remote.NewClient(c.RemoteClientConfig(), limiter, remote.DefaultPolicy(), log)
	return &Sync{
		Store:   st,
		Limiter: limiter,
		Client:  client,
		Queue:   queue.New(st, client, sink, log),
		Images:  fetchcache.New(limiter, "images", log),
	}, nil
}

// ReadProgress loads a background job's progress record.
func ReadProgress(progressDir, jobID string) (Progress, error) {
	return runner.ReadProgress(runner.ProgressPath(progressDir, jobID))
}
