package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhelbig/cratesync/internal/metrics"
	"github.com/dhelbig/cratesync/internal/ratelimit"
)

// Config describes the remote collection API endpoint.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	// Resource is the shared rate-limit budget this client consumes,
	// e.g. "api".
	Resource string
}

// Client is the single gateway for outbound calls to the collection
// service. Every call passes, in order, the in-process smoothing
// limiter, the shared KV-backed gate, and the retry policy, and comes
// back as a structured Result.
type Client struct {
	cfg    Config
	http   *http.Client
	gate   *ratelimit.Limiter
	local  *rate.Limiter
	policy Policy
	log    *slog.Logger
}

func NewClient(cfg Config, gate *ratelimit.Limiter, policy Policy, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Resource == "" {
		cfg.Resource = "api"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		gate:   gate,
		local:  rate.NewLimiter(rate.Every(time.Second), 1),
		policy: policy,
		log:    log,
	}
}

// SetRating updates the 0..5 rating on a collection instance.
// Re-sending an unchanged rating is a server-side no-op, which keeps
// queue retries idempotent.
func (c *Client) SetRating(ctx context.Context, username string, folderID, releaseID, instanceID int64, rating int) Result {
	path := fmt.Sprintf("/users/%s/collection/folders/%d/releases/%d/instances/%d",
		username, folderID, releaseID, instanceID)
	return c.do(ctx, "set_rating", http.MethodPost, path, map[string]any{"rating": rating})
}

// SetNotes writes free-text notes into a collection-instance field.
func (c *Client) SetNotes(ctx context.Context, username string, folderID, releaseID, instanceID, fieldID int64, text string) Result {
	path := fmt.Sprintf("/users/%s/collection/folders/%d/releases/%d/instances/%d/fields/%d",
		username, folderID, releaseID, instanceID, fieldID)
	return c.do(ctx, "set_notes", http.MethodPost, path, map[string]any{"value": text})
}

func (c *Client) AddToWantlist(ctx context.Context, username string, releaseID int64) Result {
	path := fmt.Sprintf("/users/%s/wants/%d", username, releaseID)
	return c.do(ctx, "wantlist_add", http.MethodPut, path, nil)
}

func (c *Client) RemoveFromWantlist(ctx context.Context, username string, releaseID int64) Result {
	path := fmt.Sprintf("/users/%s/wants/%d", username, releaseID)
	return c.do(ctx, "wantlist_remove", http.MethodDelete, path, nil)
}

func (c *Client) AddToCollection(ctx context.Context, username string, folderID, releaseID int64) Result {
	path := fmt.Sprintf("/users/%s/collection/folders/%d/releases/%d", username, folderID, releaseID)
	return c.do(ctx, "collection_add", http.MethodPost, path, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) Result {
	if err := c.local.Wait(ctx); err != nil {
		return Result{OK: false, Code: 0, Body: err.Error()}
	}
	if c.gate != nil {
		if err := c.gate.Acquire(ctx, c.cfg.Resource); err != nil {
			c.log.Warn("remote call refused", "op", op, "err", err)
			metrics.IncRemoteRequest(op, "refused")
			return Result{OK: false, Code: 0, Body: err.Error()}
		}
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return Result{OK: false, Code: 0, Body: err.Error()}
		}
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path

	res := c.policy.Do(ctx, op, func(ctx context.Context) (*http.Response, error) {
		var rd *bytes.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		} else {
			rd = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept-Encoding", "gzip")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Discogs token="+c.cfg.Token)
		}
		return c.http.Do(req)
	})

	if c.gate != nil {
		if _, err := c.gate.Consume(ctx, c.cfg.Resource); err != nil {
			c.log.Warn("recording request against quota failed", "op", op, "err", err)
		}
	}
	if res.OK {
		metrics.IncRemoteRequest(op, "ok")
	} else {
		metrics.IncRemoteRequest(op, "error")
		c.log.Debug("remote call failed", "op", op, "code", res.Code)
	}
	return res
}
