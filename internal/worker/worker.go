// Package worker executes single export batches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/sheetgate/sheetgate/internal/export"
	"github.com/sheetgate/sheetgate/internal/render"
	"github.com/sheetgate/sheetgate/internal/source"
)

// CancelledMessage is stored on a batch whose attempt was cut short.
const CancelledMessage = "batch attempt cancelled"

// FragmentRenderer writes a batch's records to a fragment file.
type FragmentRenderer interface {
	RenderFragment(ctx context.Context, path string, records []source.Salary, startRow int) error
}

// SettledFunc is called after a batch attempt has been recorded.
type SettledFunc func(b *export.Batch)

// Processor runs one batch: fetch, render, record.
type Processor struct {
	store    export.Store
	src      source.Source
	renderer FragmentRenderer
	basePath string
	timeout  time.Duration

	// OnSettled, when set, is called with the batch after each attempt.
	OnSettled SettledFunc
}

// NewProcessor creates a Processor writing fragments under basePath. A zero
// timeout disables the per-batch deadline.
func NewProcessor(store export.Store, src source.Source, renderer FragmentRenderer, basePath string, timeout time.Duration) *Processor {
	return &Processor{
		store:    store,
		src:      src,
		renderer: renderer,
		basePath: basePath,
		timeout:  timeout,
	}
}

// Process runs one attempt of the batch. It never returns an error or
// panics: every failure is recorded on the batch row. A batch that is already
// COMPLETED is left untouched, and nothing is recorded when ctx is done before
// the attempt starts. An attempt cut short by ctx goes back to PENDING without
// using up a retry.
func (p *Processor) Process(ctx context.Context, batchID string) {
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		slog.Error("worker: load batch", "batch_id", batchID, "error", err)
		return
	}
	if b == nil {
		slog.Warn("worker: batch not found (deleted?)", "batch_id", batchID)
		return
	}
	if b.Status == export.BatchCompleted {
		slog.Debug("worker: batch already completed", "job_id", b.JobID, "batch", b.Number)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err := p.store.MarkBatchInProgress(ctx, b.ID); err != nil {
		slog.Error("worker: mark in progress", "job_id", b.JobID, "batch", b.Number, "error", err)
		return
	}

	// Outcomes are recorded even if the job was cancelled mid-attempt.
	recordCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker: batch panicked", "job_id", b.JobID, "batch", b.Number,
				"panic", r, "stack", string(debug.Stack()))
			p.fail(recordCtx, b, fmt.Sprintf("batch panicked: %v", r))
		}
	}()

	path := export.FragmentPath(p.basePath, b.JobID, b.Number)
	start := time.Now()

	if err := p.run(ctx, b, path); err != nil {
		if ctx.Err() != nil {
			p.release(recordCtx, b)
			return
		}
		p.fail(recordCtx, b, p.failureMessage(err))
		return
	}

	changed, err := p.store.CompleteBatch(recordCtx, b.ID, path)
	if err != nil {
		slog.Error("worker: record completion", "job_id", b.JobID, "batch", b.Number, "error", err)
		return
	}
	if !changed {
		slog.Debug("worker: batch completed concurrently", "job_id", b.JobID, "batch", b.Number)
		return
	}
	slog.Info("worker: batch completed", "job_id", b.JobID, "batch", b.Number,
		"records", b.Size(), "duration_ms", time.Since(start).Milliseconds())
	b.Status = export.BatchCompleted
	b.FragmentPath = path
	b.ErrorMessage = ""
	p.settled(b)
}

func (p *Processor) fail(ctx context.Context, b *export.Batch, msg string) {
	if err := p.store.FailBatch(ctx, b.ID, msg); err != nil {
		slog.Error("worker: record failure", "job_id", b.JobID, "batch", b.Number, "error", err)
		return
	}
	slog.Warn("worker: batch failed", "job_id", b.JobID, "batch", b.Number, "attempt", b.RetryCount+1, "error", msg)
	b.Status = export.BatchFailed
	b.ErrorMessage = msg
	b.RetryCount++
	p.settled(b)
}

// release puts a cancelled attempt back to PENDING.
func (p *Processor) release(ctx context.Context, b *export.Batch) {
	if err := p.store.ReleaseBatch(ctx, b.ID, export.BatchPending, CancelledMessage); err != nil {
		slog.Error("worker: release batch", "job_id", b.JobID, "batch", b.Number, "error", err)
		return
	}
	slog.Info("worker: batch attempt cancelled", "job_id", b.JobID, "batch", b.Number)
	b.Status = export.BatchPending
	b.ErrorMessage = CancelledMessage
	p.settled(b)
}

// run fetches the batch's records and writes the fragment. The fragment is on
// disk when run returns nil.
func (p *Processor) run(ctx context.Context, b *export.Batch, path string) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("job directory: %w", err)
	}
	records, err := p.src.FetchRange(ctx, b.StartOffset, b.Size())
	if err != nil {
		return err
	}
	if len(records) != b.Size() {
		slog.Warn("worker: source returned a short range", "job_id", b.JobID, "batch", b.Number,
			"want", b.Size(), "got", len(records))
	}
	if err := p.renderer.RenderFragment(ctx, path, records, render.HeaderRows); err != nil {
		return fmt.Errorf("render fragment: %w", err)
	}
	return nil
}

func (p *Processor) failureMessage(err error) string {
	if p.timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("batch timed out after %s", p.timeout)
	}
	return err.Error()
}

func (p *Processor) settled(b *export.Batch) {
	if p.OnSettled != nil {
		p.OnSettled(b)
	}
}
