package exporter

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper periodically re-drives jobs that stopped making progress.
type Sweeper struct {
	svc        *Service
	interval   time.Duration
	staleAfter time.Duration
}

// NewSweeper creates a Sweeper that runs every interval and picks up jobs
// idle for longer than staleAfter.
func NewSweeper(svc *Service, interval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, staleAfter: staleAfter}
}

// Run sweeps on every tick until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep re-drives every job idle for longer than the staleness threshold and
// returns how many were picked up.
func (sw *Sweeper) Sweep(ctx context.Context) int {
	return sw.sweep(ctx, time.Now().Add(-sw.staleAfter), false)
}

// Recover re-drives every job a previous process left PENDING or IN_PROGRESS,
// regardless of age. It is run once at startup.
func (sw *Sweeper) Recover(ctx context.Context) int {
	return sw.sweep(ctx, time.Now(), true)
}

// sweep never fails: errors are logged per job so one broken job cannot hold
// back the others.
func (sw *Sweeper) sweep(ctx context.Context, cutoff time.Time, unfinishedOnly bool) int {
	ids, err := sw.svc.store.FindStale(ctx, cutoff, sw.svc.opts.MaxRetries)
	if err != nil {
		slog.Error("sweeper: find stale jobs", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}
	slog.Info("sweeper: stale jobs found", "count", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sw.svc.queue.Workers())
	picked := 0
	for _, id := range ids {
		if unfinishedOnly {
			j, err := sw.svc.store.GetJob(ctx, id)
			if err != nil || j == nil || j.Status.IsTerminal() {
				continue
			}
		}
		picked++
		g.Go(func() error {
			if err := sw.svc.Recover(gctx, id); err != nil {
				slog.Error("sweeper: recover job", "job_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return picked
}

// RunCleanup deletes terminal jobs older than ttl every interval until ctx is
// done. A zero ttl disables it.
func (s *Service) RunCleanup(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Cleanup(ctx, time.Now().Add(-ttl))
			if err != nil {
				slog.Error("cleanup: delete expired jobs", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("cleanup: expired jobs deleted", "count", n)
			}
		}
	}
}
