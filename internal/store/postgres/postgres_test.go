package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dhelbig/cratesync/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests and
// returns a DSN suitable for pgx stdlib. It skips the test if Docker is
// unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	// KV increment is atomic under concurrency
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := db.IncrKV(ctx, "rate:api:daily_count:20260901", 1); err != nil {
					t.Errorf("incr: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	v, ok, err := db.GetKV(ctx, "rate:api:daily_count:20260901")
	if err != nil || !ok || v != "80" {
		t.Fatalf("counter after concurrent increments: %q ok=%v err=%v", v, ok, err)
	}

	// conditional swap: create-if-absent, replace-only-from-current
	if ok, err := db.SwapKV(ctx, "rate:api:last_fetch_epoch", "", "1700000000"); err != nil || !ok {
		t.Fatalf("initial swap: ok=%v err=%v", ok, err)
	}
	if ok, err := db.SwapKV(ctx, "rate:api:last_fetch_epoch", "bogus", "1700000001"); err != nil || ok {
		t.Fatalf("swap from stale value must lose: ok=%v err=%v", ok, err)
	}
	if ok, err := db.SwapKV(ctx, "rate:api:last_fetch_epoch", "1700000000", "1700000001"); err != nil || !ok {
		t.Fatalf("swap from current: ok=%v err=%v", ok, err)
	}

	// pending dedupe, claim, error, requeue
	job := store.Job{
		InstanceID: 7, ReleaseID: 70, Username: "collector", FolderID: 1,
		Rating: sql.NullInt64{Int64: 3, Valid: true}, Action: store.ActionUpdate,
	}
	first, err := db.UpsertPending(ctx, job)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	job.Rating.Int64 = 5
	second, err := db.UpsertPending(ctx, job)
	if err != nil {
		t.Fatalf("upsert2: %v", err)
	}
	if second.ID != first.ID || second.Rating.Int64 != 5 {
		t.Fatalf("expected in-place replacement: %+v", second)
	}

	// wantlist rows carry no instance; distinct releases stay separate
	wlA, err := db.UpsertPending(ctx, store.Job{
		ReleaseID: 100, Username: "collector", FolderID: 1, Action: store.ActionWantlistAdd,
	})
	if err != nil {
		t.Fatalf("upsert wantlist 100: %v", err)
	}
	wlB, err := db.UpsertPending(ctx, store.Job{
		ReleaseID: 200, Username: "collector", FolderID: 1, Action: store.ActionWantlistAdd,
	})
	if err != nil {
		t.Fatalf("upsert wantlist 200: %v", err)
	}
	if wlA.ID == wlB.ID {
		t.Fatalf("distinct releases must not share a pending row")
	}
	pending, err := db.ListByStatus(ctx, store.JobPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected update plus both wantlist rows, got %d", len(pending))
	}
	if err := db.MarkDone(ctx, wlA.ID); err != nil {
		t.Fatalf("clear wantlist row: %v", err)
	}
	if err := db.MarkDone(ctx, wlB.ID); err != nil {
		t.Fatalf("clear wantlist row: %v", err)
	}

	claimed, ok, err := db.ClaimNext(ctx)
	if err != nil || !ok || claimed.ID != first.ID {
		t.Fatalf("claim: %+v ok=%v err=%v", claimed, ok, err)
	}
	if claimed.Status != store.JobProcessing {
		t.Fatalf("claim status: %s", claimed.Status)
	}
	if _, ok, _ := db.ClaimNext(ctx); ok {
		t.Fatalf("expected empty queue after claim")
	}

	if err := db.MarkError(ctx, claimed.ID, "wantlist add failed: http 503"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	got, err := db.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.JobError || got.Attempts != 1 || !got.LastError.Valid {
		t.Fatalf("unexpected errored row: %+v", got)
	}

	n, err := db.RequeueErrored(ctx, 3)
	if err != nil || n != 1 {
		t.Fatalf("requeue errored: n=%d err=%v", n, err)
	}
	if _, ok, _ := db.ClaimNext(ctx); !ok {
		t.Fatalf("requeued job not claimable")
	}
	if err := db.MarkDone(ctx, claimed.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	got, _ = db.GetJob(ctx, claimed.ID)
	if got.Status != store.JobDone {
		t.Fatalf("expected done, got %s", got.Status)
	}

	// the update row plus the two cleared wantlist rows
	n, err = db.PurgeDone(ctx, time.Now().UTC().Add(time.Second))
	if err != nil || n != 3 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
}
