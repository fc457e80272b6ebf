package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dhelbig/cratesync/internal/store/sqlite"
)

// fakeClock drives the limiter without real sleeping. Sleeps advance
// the clock instead of blocking. The mutex makes it safe for tests
// that Acquire from several goroutines.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	slept  time.Duration
	sleeps int
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slept += d
	c.sleeps++
	return nil
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	l := New(db, cfg)
	clock := &fakeClock{t: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.now
	l.sleep = clock.sleep
	return l, clock
}

func TestAcquireFirstRequestNoWait(t *testing.T) {
	l, clock := newTestLimiter(t, Config{MinInterval: time.Second})
	if err := l.Acquire(context.Background(), "api"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if clock.sleeps != 0 {
		t.Fatalf("expected no sleep on first request, got %d", clock.sleeps)
	}
}

func TestAcquireEnforcesSpacing(t *testing.T) {
	l, clock := newTestLimiter(t, Config{MinInterval: time.Second})
	ctx := context.Background()

	if err := l.Acquire(ctx, "api"); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	// 300ms later the second request must wait out the remainder.
	clock.t = clock.t.Add(300 * time.Millisecond)
	if err := l.Acquire(ctx, "api"); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if clock.sleeps == 0 {
		t.Fatalf("expected a wait for the second request")
	}
	if clock.slept < 700*time.Millisecond {
		t.Fatalf("expected at least 700ms waited, got %v", clock.slept)
	}
}

func TestAcquireSpacingIsPerResource(t *testing.T) {
	l, clock := newTestLimiter(t, Config{MinInterval: time.Second})
	ctx := context.Background()

	if err := l.Acquire(ctx, "api"); err != nil {
		t.Fatalf("acquire api: %v", err)
	}
	if err := l.Acquire(ctx, "images"); err != nil {
		t.Fatalf("acquire images: %v", err)
	}
	if clock.sleeps != 0 {
		t.Fatalf("independent resources must not wait on each other, slept %d times", clock.sleeps)
	}
}

func TestAcquireSerializesConcurrentCallers(t *testing.T) {
	l, clock := newTestLimiter(t, Config{MinInterval: time.Second})
	ctx := context.Background()
	start := clock.now()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(ctx, "api")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}

	// The first caller sets the baseline for free; each of the other
	// three has to wait out a full interval beyond the previous one.
	if clock.slept != 3*time.Second {
		t.Fatalf("expected 3s total waited, got %v", clock.slept)
	}
	raw, ok, err := l.kv.GetKV(ctx, lastFetchKey("api"))
	if err != nil || !ok {
		t.Fatalf("read baseline: ok=%v err=%v", ok, err)
	}
	if want := strconv.FormatInt(start.Add(3*time.Second).Unix(), 10); raw != want {
		t.Fatalf("baseline %s, want %s", raw, want)
	}
}

func TestQuotaFailsFastWithoutWaiting(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		MinInterval: time.Second,
		DailyCaps:   map[string]int{"images": 2},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx, "images"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if _, err := l.Consume(ctx, "images"); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	sleepsBefore := clock.sleeps
	err := l.Acquire(ctx, "images")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if clock.sleeps != sleepsBefore {
		t.Fatalf("quota refusal must not wait for the spacing window")
	}
}

func TestQuotaResetsNextDay(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		MinInterval: time.Second,
		DailyCaps:   map[string]int{"images": 1},
	})
	ctx := context.Background()

	if err := l.Acquire(ctx, "images"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Consume(ctx, "images"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := l.Acquire(ctx, "images"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota exhausted, got %v", err)
	}

	// The counter key carries the UTC date, so midnight starts fresh.
	clock.t = clock.t.Add(24 * time.Hour)
	if err := l.Acquire(ctx, "images"); err != nil {
		t.Fatalf("expected fresh budget after midnight, got %v", err)
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		MinInterval: time.Second,
		DailyCaps:   map[string]int{"images": 3},
	})
	ctx := context.Background()

	if n, err := l.Remaining(ctx, "api"); err != nil || n != -1 {
		t.Fatalf("uncapped resource: n=%d err=%v", n, err)
	}
	if n, err := l.Remaining(ctx, "images"); err != nil || n != 3 {
		t.Fatalf("fresh budget: n=%d err=%v", n, err)
	}
	if _, err := l.Consume(ctx, "images"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if n, _ := l.Remaining(ctx, "images"); n != 2 {
		t.Fatalf("expected 2 remaining, got %d", n)
	}
}

func TestAcquireCancelledMidWait(t *testing.T) {
	l, clock := newTestLimiter(t, Config{MinInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Acquire(ctx, "api"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	clock.t = clock.t.Add(100 * time.Millisecond)
	if err := l.Acquire(ctx, "api"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
