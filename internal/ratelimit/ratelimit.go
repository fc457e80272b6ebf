package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dhelbig/cratesync/internal/metrics"
)

// ErrQuotaExceeded is the hard-stop signal: today's request budget for
// the resource is spent. Callers must not attempt the network call.
var ErrQuotaExceeded = errors.New("ratelimit: daily request quota exceeded")

// KV is the narrow slice of the store the limiter needs. SwapKV
// carries the conditional-write semantics of store.Store.SwapKV.
type KV interface {
	GetKV(ctx context.Context, key string) (string, bool, error)
	SwapKV(ctx context.Context, key, old, next string) (bool, error)
	IncrKV(ctx context.Context, key string, delta int64) (int64, error)
}

// Config controls the shared outbound throttle.
// MinInterval is the floor between consecutive requests per resource
// key (default 1s). DailyCaps maps resource key -> hard daily ceiling;
// resources without an entry are uncapped.
type Config struct {
	MinInterval time.Duration
	DailyCaps   map[string]int
}

// Limiter enforces a minimum inter-request spacing and a rolling daily
// cap per resource key, with all state in the shared KV store so the
// throttle is visible across processes.
type Limiter struct {
	kv  KV
	cfg Config

	// gates serialize in-process Acquire calls per resource so that
	// concurrent callers line up behind the baseline one at a time
	// instead of all observing the same elapsed interval.
	mu    sync.Mutex
	gates map[string]*sync.Mutex

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(kv KV, cfg Config) *Limiter {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	return &Limiter{
		kv:    kv,
		cfg:   cfg,
		gates: make(map[string]*sync.Mutex),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func (l *Limiter) gate(resource string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[resource]
	if !ok {
		g = &sync.Mutex{}
		l.gates[resource] = g
	}
	return g
}

func lastFetchKey(resource string) string {
	return "rate:" + resource + ":last_fetch_epoch"
}

func dailyCountKey(resource string, day time.Time) string {
	return "rate:" + resource + ":daily_count:" + day.UTC().Format("20060102")
}

// Acquire blocks until a request on resource may proceed, then records
// the post-wait time as the new baseline. It fails fast with
// ErrQuotaExceeded when the daily cap is reached and returns the ctx
// error if the caller is cancelled mid-wait.
//
// In-process callers are serialized through a per-resource gate, and
// the baseline is advanced with a conditional swap so that a second
// process racing on the same store loses the swap and retries rather
// than proceeding on a stale read.
func (l *Limiter) Acquire(ctx context.Context, resource string) error {
	if err := l.checkQuota(ctx, resource); err != nil {
		return err
	}
	g := l.gate(resource)
	g.Lock()
	defer g.Unlock()
	start := l.now()
	key := lastFetchKey(resource)
	// Loop-check rather than sleep-once: the wait is not assumed exact
	// and another process may have refreshed the baseline meanwhile.
	for {
		raw, ok, err := l.kv.GetKV(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			swapped, err := l.kv.SwapKV(ctx, key, "",
				strconv.FormatInt(l.now().Unix(), 10))
			if err != nil {
				return err
			}
			if swapped {
				break
			}
			continue
		}
		last, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("ratelimit: bad last_fetch_epoch %q: %w", raw, err)
		}
		elapsed := l.now().Sub(time.Unix(last, 0))
		if elapsed >= l.cfg.MinInterval {
			swapped, err := l.kv.SwapKV(ctx, key, raw,
				strconv.FormatInt(l.now().Unix(), 10))
			if err != nil {
				return err
			}
			if swapped {
				break
			}
			continue
		}
		if err := l.sleep(ctx, l.cfg.MinInterval-elapsed); err != nil {
			return err
		}
	}
	if waited := l.now().Sub(start); waited > 0 {
		metrics.ObserveRateWait(resource, waited.Seconds())
	}
	return nil
}

// Consume atomically increments today's counter for resource and
// returns the new count. Callers invoke it once per unit of quota
// actually spent; the fetch cache only consumes after a successful
// local write so that a disk failure does not burn budget.
func (l *Limiter) Consume(ctx context.Context, resource string) (int64, error) {
	return l.kv.IncrKV(ctx, dailyCountKey(resource, l.now()), 1)
}

// Remaining reports how much of today's budget is left, or -1 when the
// resource is uncapped.
func (l *Limiter) Remaining(ctx context.Context, resource string) (int, error) {
	cap, ok := l.cfg.DailyCaps[resource]
	if !ok {
		return -1, nil
	}
	n, err := l.count(ctx, resource)
	if err != nil {
		return 0, err
	}
	if n >= cap {
		return 0, nil
	}
	return cap - n, nil
}

func (l *Limiter) checkQuota(ctx context.Context, resource string) error {
	cap, ok := l.cfg.DailyCaps[resource]
	if !ok {
		return nil
	}
	n, err := l.count(ctx, resource)
	if err != nil {
		return err
	}
	if n >= cap {
		metrics.IncQuotaExceeded(resource)
		return ErrQuotaExceeded
	}
	return nil
}

func (l *Limiter) count(ctx context.Context, resource string) (int, error) {
	raw, ok, err := l.kv.GetKV(ctx, dailyCountKey(resource, l.now()))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: bad daily counter %q: %w", raw, err)
	}
	return n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
