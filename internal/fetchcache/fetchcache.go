package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dhelbig/cratesync/internal/metrics"
	"github.com/dhelbig/cratesync/internal/ratelimit"
)

// ErrQuotaExceeded mirrors the limiter's hard stop so callers can
// branch without importing ratelimit.
var ErrQuotaExceeded = ratelimit.ErrQuotaExceeded

// HTTPError reports a fetch that reached the network but did not
// yield a usable response. Code 0 means a transport-level failure.
type HTTPError struct {
	URL  string
	Code int
	Err  error
}

func (e *HTTPError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Code)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// FileError reports a local I/O failure after a good HTTP response.
// Distinct from HTTPError so callers can tell "remote broken" from
// "disk broken"; a FileError does not consume quota.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Fetcher downloads binary assets (cover images) to local paths under
// the same rate/quota discipline as API calls. Resource names the
// shared daily budget, typically "images".
type Fetcher struct {
	gate     *ratelimit.Limiter
	client   *http.Client
	resource string
	log      *slog.Logger
}

func New(gate *ratelimit.Limiter, resource string, log *slog.Logger) *Fetcher {
	if resource == "" {
		resource = "images"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		gate: gate,
		client: &http.Client{
			Timeout: 30 * time.Second,
			// redirects are not followed; anything but a direct 200 is a miss
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resource: resource,
		log:      log,
	}
}

// Fetch downloads sourceURL to localPath. An already-present localPath
// is returned as-is; staleness is the caller's decision. Only HTTP 200
// counts as success and the body lands via temp file + rename, so no
// partial file ever exists at localPath. Quota is consumed only after
// a successful rename.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, localPath string) error {
	if _, err := os.Stat(localPath); err == nil {
		metrics.IncFetch("cached")
		return nil
	}
	if err := f.gate.Acquire(ctx, f.resource); err != nil {
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			metrics.IncFetch("quota")
		}
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return &HTTPError{URL: sourceURL, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.IncFetch("error")
		return &HTTPError{URL: sourceURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		metrics.IncFetch("error")
		f.log.Debug("asset fetch miss", "url", sourceURL, "code", resp.StatusCode)
		return &HTTPError{URL: sourceURL, Code: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		metrics.IncFetch("io_error")
		return &FileError{Op: "mkdir", Path: filepath.Dir(localPath), Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".fetch-*")
	if err != nil {
		metrics.IncFetch("io_error")
		return &FileError{Op: "create", Path: localPath, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		metrics.IncFetch("io_error")
		return &FileError{Op: "write", Path: localPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		metrics.IncFetch("io_error")
		return &FileError{Op: "close", Path: localPath, Err: err}
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		_ = os.Remove(tmpName)
		metrics.IncFetch("io_error")
		return &FileError{Op: "rename", Path: localPath, Err: err}
	}

	if _, err := f.gate.Consume(ctx, f.resource); err != nil {
		f.log.Warn("recording fetch against quota failed", "err", err)
	}
	metrics.IncFetch("ok")
	return nil
}
