package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DrainerConfig controls the background drain loop.
// Interval is how often the loop wakes to empty the queue.
// SweepInterval, when > 0, re-queues errored jobs below MaxAttempts on
// that cadence. Workers bounds concurrent DrainOne calls; the atomic
// claim in the store keeps them off each other's rows.
type DrainerConfig struct {
	Interval      time.Duration
	SweepInterval time.Duration
	MaxAttempts   int
	Workers       int
}

// Drainer periodically empties the push queue. Ticks do not overlap:
// if a previous drain pass is still running, the tick is skipped.
type Drainer struct {
	q   *Queue
	cfg DrainerConfig
	log *slog.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	draining bool
}

func NewDrainer(q *Queue, cfg DrainerConfig, log *slog.Logger) *Drainer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Drainer{q: q, cfg: cfg, log: log}
}

// Start launches the drain loop. It is a no-op when already running.
func (d *Drainer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	go d.loop(loopCtx)
	d.log.Info("drainer started", "interval", d.cfg.Interval,
		"workers", d.cfg.Workers, "sweep", d.cfg.SweepInterval)
}

// Stop cancels the loop and waits for it to exit.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.running = false
	done := d.done
	d.mu.Unlock()
	<-done
}

func (d *Drainer) loop(ctx context.Context) {
	defer close(d.done)
	tick := time.NewTicker(d.cfg.Interval)
	defer tick.Stop()
	var sweep <-chan time.Time
	if d.cfg.SweepInterval > 0 {
		st := time.NewTicker(d.cfg.SweepInterval)
		defer st.Stop()
		sweep = st.C
	}
	// drain once at startup to pick up rows buffered while down
	d.drainAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			d.drainAll(ctx)
		case <-sweep:
			if _, err := d.q.RetryErrored(ctx, d.cfg.MaxAttempts); err != nil {
				d.log.Warn("retry sweep failed", "err", err)
			}
		}
	}
}

// drainAll empties the queue with cfg.Workers concurrent workers.
// Skips the pass when the previous one is still in flight.
func (d *Drainer) drainAll(ctx context.Context) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.draining = false
		d.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				_, ok, err := d.q.DrainOne(ctx)
				if err != nil {
					d.log.Error("drain failed", "err", err)
					return
				}
				if !ok {
					return
				}
			}
		}()
	}
	wg.Wait()
}
