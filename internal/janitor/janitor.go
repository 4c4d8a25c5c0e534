// Package janitor runs the periodic maintenance sweeps: session expiry, idle-session
// reaping, attempt-ledger pruning and counter eviction. Each sweep has its own interval
// and never overlaps with itself.
package janitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"careerpilot/backend/internal/platform/clock"
	"careerpilot/backend/internal/telemetry"
)

// Sweep names, used in logs and metrics.
const (
	SweepExpireSessions = "expire_sessions"
	SweepReapIdle       = "reap_idle_sessions"
	SweepPruneAttempts  = "prune_attempts"
	SweepEvictCounters  = "evict_counters"
)

// SessionSweeper deactivates sessions in bulk.
type SessionSweeper interface {
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
	DeactivateIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// AttemptPruner deletes old ledger rows.
type AttemptPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// CounterEvictor drops stale rate-limit windows.
type CounterEvictor interface {
	EvictStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Intervals are the tick periods per sweep. A zero interval disables the ticker for that sweep.
type Intervals struct {
	Expire time.Duration
	Idle   time.Duration
	Prune  time.Duration
	Evict  time.Duration
}

// Options tunes the cutoffs. Zero values take defaults.
type Options struct {
	IdleTimeout  time.Duration // default 30m
	Retention    time.Duration // default 30 days
	EvictGrace   time.Duration // default 1h
	SweepTimeout time.Duration // per-run bound, default 1m
	Intervals    Intervals
}

// Deps are the sweep targets. A nil target disables its sweeps.
type Deps struct {
	Sessions SessionSweeper
	Attempts AttemptPruner
	Counters CounterEvictor
	Clock    clock.Clock
	Log      zerolog.Logger
	Metrics  *telemetry.Metrics
}

// Result describes one sweep run.
type Result struct {
	Name     string
	Affected int64
	Duration time.Duration
	Err      error
	Skipped  bool // another run of the same sweep was in progress
}

type sweep struct {
	name     string
	interval time.Duration
	running  atomic.Bool
	run      func(ctx context.Context, now time.Time) (int64, error)
}

// Janitor owns the sweeps.
type Janitor struct {
	clock   clock.Clock
	log     zerolog.Logger
	metrics *telemetry.Metrics
	timeout time.Duration
	sweeps  map[string]*sweep
	order   []string
}

// New returns a Janitor with a sweep for every non-nil target.
func New(deps Deps, opts Options) *Janitor {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.EvictGrace <= 0 {
		opts.EvictGrace = time.Hour
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = time.Minute
	}
	j := &Janitor{
		clock:   deps.Clock,
		log:     deps.Log,
		metrics: deps.Metrics,
		timeout: opts.SweepTimeout,
		sweeps:  map[string]*sweep{},
	}
	if s := deps.Sessions; s != nil {
		j.add(SweepExpireSessions, opts.Intervals.Expire, func(ctx context.Context, now time.Time) (int64, error) {
			return s.ExpireBefore(ctx, now)
		})
		idle := opts.IdleTimeout
		j.add(SweepReapIdle, opts.Intervals.Idle, func(ctx context.Context, now time.Time) (int64, error) {
			return s.DeactivateIdleSince(ctx, now.Add(-idle))
		})
	}
	if a := deps.Attempts; a != nil {
		retention := opts.Retention
		j.add(SweepPruneAttempts, opts.Intervals.Prune, func(ctx context.Context, now time.Time) (int64, error) {
			return a.Prune(ctx, now.Add(-retention))
		})
	}
	if c := deps.Counters; c != nil {
		grace := opts.EvictGrace
		j.add(SweepEvictCounters, opts.Intervals.Evict, func(ctx context.Context, now time.Time) (int64, error) {
			n, err := c.EvictStale(ctx, now.Add(-grace))
			return int64(n), err
		})
	}
	return j
}

func (j *Janitor) add(name string, interval time.Duration, run func(context.Context, time.Time) (int64, error)) {
	j.sweeps[name] = &sweep{name: name, interval: interval, run: run}
	j.order = append(j.order, name)
}

// Sweeps lists the enabled sweep names in registration order.
func (j *Janitor) Sweeps() []string {
	return append([]string(nil), j.order...)
}

// ExpireSessions deactivates active sessions past their absolute expiry.
func (j *Janitor) ExpireSessions(ctx context.Context) Result { return j.RunSweep(ctx, SweepExpireSessions) }

// ReapIdleSessions deactivates active sessions idle longer than the idle timeout.
func (j *Janitor) ReapIdleSessions(ctx context.Context) Result { return j.RunSweep(ctx, SweepReapIdle) }

// PruneAttempts deletes ledger rows older than the retention period.
func (j *Janitor) PruneAttempts(ctx context.Context) Result { return j.RunSweep(ctx, SweepPruneAttempts) }

// EvictCounters drops counter windows whose reset is more than the grace period past.
func (j *Janitor) EvictCounters(ctx context.Context) Result { return j.RunSweep(ctx, SweepEvictCounters) }

// RunSweep runs the named sweep once unless a run of it is already in progress.
// Failures are logged, counted and reported in the Result; they never panic or propagate.
func (j *Janitor) RunSweep(ctx context.Context, name string) Result {
	sw, ok := j.sweeps[name]
	if !ok {
		return Result{Name: name, Skipped: true}
	}
	if !sw.running.CompareAndSwap(false, true) {
		j.log.Debug().Str("sweep", name).Msg("janitor: previous run still in progress, skipping")
		return Result{Name: name, Skipped: true}
	}
	defer sw.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	start := time.Now()
	n, err := sw.run(runCtx, j.clock.Now())
	res := Result{Name: name, Affected: n, Duration: time.Since(start), Err: err}

	j.metrics.Sweep(ctx, name, n, res.Duration, err != nil)
	if err != nil {
		j.log.Error().Err(err).Str("sweep", name).Msg("janitor: sweep failed")
	} else if n > 0 {
		j.log.Info().Str("sweep", name).Int64("affected", n).Dur("took", res.Duration).Msg("janitor: sweep done")
	}
	return res
}

// RunOnce runs every enabled sweep once, sequentially.
func (j *Janitor) RunOnce(ctx context.Context) []Result {
	out := make([]Result, 0, len(j.order))
	for _, name := range j.order {
		out = append(out, j.RunSweep(ctx, name))
	}
	return out
}

// Run starts one ticker per sweep with a positive interval and blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range j.order {
		sw := j.sweeps[name]
		if sw.interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(sw.interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					j.RunSweep(ctx, sw.name)
				}
			}
		}()
	}
	j.log.Info().Strs("sweeps", j.order).Msg("janitor: started")
	<-ctx.Done()
	wg.Wait()
	j.log.Info().Msg("janitor: stopped")
}
