package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dhelbig/cratesync/internal/ratelimit"
	"github.com/dhelbig/cratesync/internal/store/sqlite"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func newCaptureServer(t *testing.T) (*httptest.Server, *captured) {
	t.Helper()
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.header = r.Header.Clone()
		got.body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func newTestClient(srvURL string) *Client {
	return NewClient(Config{
		BaseURL:   srvURL,
		Token:     "sekrit",
		UserAgent: "cratesync/1.0 +https://example.org",
		Timeout:   5 * time.Second,
	}, nil, fastPolicy(1), nil)
}

func TestSetRatingRequestShape(t *testing.T) {
	srv, got := newCaptureServer(t)
	c := newTestClient(srv.URL)

	res := c.SetRating(context.Background(), "collector", 1, 42, 7, 4)
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if got.method != http.MethodPost {
		t.Fatalf("method: %s", got.method)
	}
	if want := "/users/collector/collection/folders/1/releases/42/instances/7"; got.path != want {
		t.Fatalf("path: %s", got.path)
	}
	if ua := got.header.Get("User-Agent"); ua != "cratesync/1.0 +https://example.org" {
		t.Fatalf("user agent: %q", ua)
	}
	if auth := got.header.Get("Authorization"); auth != "Discogs token=sekrit" {
		t.Fatalf("auth: %q", auth)
	}
	if ct := got.header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type: %q", ct)
	}
	var payload map[string]int
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("body: %v", err)
	}
	if payload["rating"] != 4 {
		t.Fatalf("payload: %v", payload)
	}
}

func TestSetNotesRequestShape(t *testing.T) {
	srv, got := newCaptureServer(t)
	c := newTestClient(srv.URL)

	res := c.SetNotes(context.Background(), "collector", 1, 42, 7, 3, "first pressing")
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if want := "/users/collector/collection/folders/1/releases/42/instances/7/fields/3"; got.path != want {
		t.Fatalf("path: %s", got.path)
	}
	var payload map[string]string
	_ = json.Unmarshal(got.body, &payload)
	if payload["value"] != "first pressing" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestWantlistAndCollectionPaths(t *testing.T) {
	srv, got := newCaptureServer(t)

	c := newTestClient(srv.URL)
	if res := c.AddToWantlist(context.Background(), "collector", 42); !res.OK {
		t.Fatalf("wantlist add: %+v", res)
	}
	if got.method != http.MethodPut || got.path != "/users/collector/wants/42" {
		t.Fatalf("wantlist add request: %s %s", got.method, got.path)
	}

	c = newTestClient(srv.URL)
	if res := c.RemoveFromWantlist(context.Background(), "collector", 42); !res.OK {
		t.Fatalf("wantlist remove: %+v", res)
	}
	if got.method != http.MethodDelete {
		t.Fatalf("wantlist remove method: %s", got.method)
	}

	c = newTestClient(srv.URL)
	if res := c.AddToCollection(context.Background(), "collector", 1, 42); !res.OK {
		t.Fatalf("collection add: %+v", res)
	}
	if got.method != http.MethodPost || got.path != "/users/collector/collection/folders/1/releases/42" {
		t.Fatalf("collection add request: %s %s", got.method, got.path)
	}
}

func TestQuotaRefusalSkipsNetwork(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	gate := ratelimit.New(db, ratelimit.Config{
		MinInterval: time.Millisecond,
		DailyCaps:   map[string]int{"api": 0},
	})

	c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, gate, fastPolicy(1), nil)
	res := c.AddToWantlist(context.Background(), "collector", 1)
	if res.OK || res.Code != 0 {
		t.Fatalf("expected refusal as transport-level failure, got %+v", res)
	}
	if calls != 0 {
		t.Fatalf("refused call must not reach the network, saw %d requests", calls)
	}
}
