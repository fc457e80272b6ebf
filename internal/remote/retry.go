package remote

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dhelbig/cratesync/internal/metrics"
)

// Policy wraps a single outbound request attempt and retries transient
// failures with jittered exponential backoff.
//
// Transient: transport errors (no response), HTTP 5xx and 429.
// Permanent: any other 4xx -- surfaced immediately, no retry.
// A 429 carrying a Retry-After hint waits at least that long.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy mirrors the upstream API's documented expectations: a
// small fixed attempt bound with sub-second initial backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 15 * time.Second}
}

const maxBodyBytes = 1 << 20

// Do issues send up to MaxAttempts times and returns a structured
// Result. The response body is fully read and closed on every attempt.
func (p Policy) Do(ctx context.Context, op string, send func(ctx context.Context) (*http.Response, error)) Result {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	bo.Reset()

	var last Result
	for attempt := 1; ; attempt++ {
		resp, err := send(ctx)
		var retryAfter time.Duration
		if err != nil {
			last = Result{OK: false, Code: 0, Body: err.Error()}
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			_ = resp.Body.Close()
			last = Result{
				OK:   resp.StatusCode >= 200 && resp.StatusCode < 300,
				Code: resp.StatusCode,
				Body: string(body),
			}
			if last.OK {
				return last
			}
			if !transient(resp.StatusCode) {
				return last
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			}
		}
		if attempt >= attempts {
			return last
		}
		wait := bo.NextBackOff()
		if retryAfter > wait {
			wait = retryAfter
		}
		metrics.IncRemoteRetry(op)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{OK: false, Code: 0, Body: ctx.Err().Error()}
		case <-t.C:
		}
	}
}

func transient(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
