// Package exporter orchestrates batch export jobs: it partitions a job into
// batches, dispatches them onto the worker pool, reconciles job status once
// every batch has settled and combines the fragments into the final artifact.
package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetgate/sheetgate/internal/export"
	"github.com/sheetgate/sheetgate/internal/queue"
	"github.com/sheetgate/sheetgate/internal/render"
	"github.com/sheetgate/sheetgate/internal/source"
	"github.com/sheetgate/sheetgate/internal/webhook"
	"github.com/sheetgate/sheetgate/internal/worker"
)

var (
	// ErrDirectory is returned when the job output directory cannot be created.
	ErrDirectory = errors.New("provision job directory")
	// ErrCombine wraps every failure to build a job's combined artifact.
	ErrCombine = errors.New("combine fragments")
	// ErrTerminal is returned when cancelling a job that already finished.
	ErrTerminal = errors.New("job already finished")
	// ErrActive is returned when deleting a job that has not finished.
	ErrActive = errors.New("job still running")
	// ErrQueueFull is returned when the worker pool cannot accept more work.
	ErrQueueFull = queue.ErrFull
)

// Options configures a Service.
type Options struct {
	BasePath     string
	BatchSize    int
	MaxRetries   int
	BatchTimeout time.Duration
	// Strategy is StrategyXLSX (default) or StrategyZip.
	Strategy        string
	MaxRowsPerSheet int
	// Notifier delivers completion callbacks. Defaults to webhook.New().
	Notifier *webhook.Notifier
}

// Service runs export jobs.
type Service struct {
	store    export.Store
	src      source.Source
	queue    *queue.Queue
	proc     *worker.Processor
	combiner *Combiner
	hub      *queue.Hub
	notifier *webhook.Notifier
	opts     Options

	// base is the service lifetime context set by Start.
	base context.Context

	mu       sync.Mutex
	inFlight map[string]struct{} // batch ids claimed by a running round
	runs     map[string]*run     // per-job dispatch contexts
	locks    jobLocks

	rounds sync.WaitGroup
}

// run is the dispatch context shared by every round of one job.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// New creates a Service. Start must be called before jobs are processed.
func New(store export.Store, src source.Source, q *queue.Queue, opts Options) *Service {
	if opts.Notifier == nil {
		opts.Notifier = webhook.New()
	}
	s := &Service{
		store:    store,
		src:      src,
		queue:    q,
		combiner: NewCombiner(opts.Strategy, opts.MaxRowsPerSheet),
		hub:      queue.NewHub(),
		notifier: opts.Notifier,
		opts:     opts,
		base:     context.Background(),
		inFlight: make(map[string]struct{}),
		runs:     make(map[string]*run),
	}
	s.proc = worker.NewProcessor(store, src, render.Renderer{}, opts.BasePath, opts.BatchTimeout)
	s.proc.OnSettled = s.batchSettled
	return s
}

// Start launches the worker pool. Rounds started afterwards stop when ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.base = ctx
	s.queue.Start(ctx)
}

// Wait blocks until every running round, worker and callback has finished.
func (s *Service) Wait() {
	s.rounds.Wait()
	s.queue.Wait()
	s.notifier.Wait()
}

// Events returns the hub publishing job progress.
func (s *Service) Events() *queue.Hub { return s.hub }

// QueueDepth returns the number of batches waiting for a worker.
func (s *Service) QueueDepth() int { return s.queue.Depth() }

// InFlight returns the number of batches currently being processed.
func (s *Service) InFlight() int { return s.queue.InFlight() }

// CreateJob snapshots the record count, partitions it into batches, provisions
// the job directory and persists the job with all of its batches. Processing
// starts in the background.
func (s *Service) CreateJob(ctx context.Context, req export.CreateRequest) (*export.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.queue.Depth() >= s.queue.Cap() {
		return nil, ErrQueueFull
	}
	total, err := s.src.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	ranges, err := export.Plan(total, s.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	exportType := req.ExportType
	if exportType == "" {
		exportType = export.DefaultExportType
	}
	now := time.Now().UTC()
	j := &export.Job{
		ID:           uuid.New().String(),
		ExportType:   exportType,
		RequestedBy:  req.RequestedBy,
		CallbackURL:  req.CallbackURL,
		TotalRecords: total,
		TotalBatches: len(ranges),
		Status:       export.JobInProgress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	batches := make([]*export.Batch, len(ranges))
	for i, r := range ranges {
		batches[i] = &export.Batch{
			ID:          uuid.New().String(),
			JobID:       j.ID,
			Number:      i,
			StartOffset: r.Start,
			EndOffset:   r.End,
			Status:      export.BatchPending,
		}
	}

	dir := export.JobDir(s.opts.BasePath, j.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDirectory, dir, err)
	}
	if err := s.store.CreateJob(ctx, j, batches); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("exporter: remove job directory", "job_id", j.ID, "error", rmErr)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("exporter: job created", "job_id", j.ID, "records", total, "batches", len(batches))
	s.goDrive(j.ID, false)
	return j, nil
}

// Job returns a job by id, or export.ErrNotFound.
func (s *Service) Job(ctx context.Context, id string) (*export.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, export.ErrNotFound
	}
	return j, nil
}

// Jobs returns a page of jobs, newest first, and the total job count.
func (s *Service) Jobs(ctx context.Context, limit, offset int) ([]*export.Job, int, error) {
	return s.store.ListJobs(ctx, limit, offset)
}

// Batches returns a job's batches in batch-number order.
func (s *Service) Batches(ctx context.Context, id string) ([]*export.Batch, error) {
	if _, err := s.Job(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListBatches(ctx, id)
}

// Counts returns the number of batches per status for a job.
func (s *Service) Counts(ctx context.Context, id string) (export.Counts, error) {
	return s.store.CountBatches(ctx, id)
}

// Retry re-drives every retry-eligible batch of the job and reconciles it.
// It blocks until the round has finished. Retrying a job that has nothing left
// to retry only reconciles it.
func (s *Service) Retry(ctx context.Context, id string) error {
	return s.drive(ctx, id, true)
}

// Recover re-drives a stalled job the same way as Retry but leaves cancelled
// jobs alone.
func (s *Service) Recover(ctx context.Context, id string) error {
	return s.drive(ctx, id, false)
}

// RetryAsync checks that the job exists and retries it in the background.
func (s *Service) RetryAsync(ctx context.Context, id string) error {
	if _, err := s.Job(ctx, id); err != nil {
		return err
	}
	s.goDrive(id, true)
	return nil
}

func (s *Service) goDrive(id string, explicit bool) {
	s.rounds.Add(1)
	go func() {
		defer s.rounds.Done()
		if err := s.drive(s.base, id, explicit); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("exporter: round failed", "job_id", id, "error", err)
		}
	}()
}

// drive runs one dispatch round for the job and reconciles it. Cancelled jobs
// are only re-opened by an explicit retry.
func (s *Service) drive(ctx context.Context, id string, explicit bool) error {
	unlock := s.locks.lock(id)
	defer unlock()

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return export.ErrNotFound
	}
	if j.Status == export.JobCancelled && !explicit {
		return nil
	}

	candidates, err := s.store.BatchesForRetry(ctx, id, s.opts.MaxRetries)
	if err != nil {
		return err
	}
	if err := s.abandonExhausted(ctx, id); err != nil {
		return err
	}
	batches := s.claim(candidates)
	if len(batches) == 0 {
		unlock()
		return s.Reconcile(ctx, id)
	}
	defer s.release(batches)

	if j.Status != export.JobInProgress {
		if err := s.store.ReopenJob(ctx, id); err != nil {
			return err
		}
		slog.Info("exporter: job reopened", "job_id", id, "from", j.Status)
	}
	r := s.acquireRun(ctx, id)
	defer s.releaseRun(id, r)
	unlock()

	slog.Info("exporter: dispatching round", "job_id", id, "batches", len(batches))
	if err := s.dispatch(r.ctx, batches); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.Reconcile(ctx, id)
}

// abandonExhausted fails the job's IN_PROGRESS batches that no round in this
// process is running and whose retry budget is used up. Their last attempt
// never settled, so nothing else would move them out of IN_PROGRESS.
func (s *Service) abandonExhausted(ctx context.Context, id string) error {
	running, err := s.store.ListBatches(ctx, id, export.BatchInProgress)
	if err != nil {
		return err
	}
	var exhausted []*export.Batch
	for _, b := range running {
		if b.RetryCount >= s.opts.MaxRetries {
			exhausted = append(exhausted, b)
		}
	}
	claimed := s.claim(exhausted)
	defer s.release(claimed)

	for _, b := range claimed {
		msg := fmt.Sprintf("batch abandoned after %d unfinished attempts", b.RetryCount)
		if err := s.store.ReleaseBatch(ctx, b.ID, export.BatchFailed, msg); err != nil {
			return err
		}
		slog.Warn("exporter: batch abandoned", "job_id", id, "batch", b.Number, "retry_count", b.RetryCount)
	}
	return nil
}

// dispatch submits every batch to the worker pool and waits for them to
// finish. Submission blocks while the pool queue is full and stops once the
// job is cancelled.
func (s *Service) dispatch(ctx context.Context, batches []*export.Batch) error {
	done := make(chan struct{}, len(batches))
	submitted := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		id := b.ID
		err := s.queue.Submit(ctx, func() {
			defer func() { done <- struct{}{} }()
			s.proc.Process(ctx, id)
		})
		if err != nil {
			break
		}
		submitted++
	}

	// Queued tasks still run after a job is cancelled, so only service
	// shutdown can strand them.
	for range submitted {
		select {
		case <-done:
		case <-s.base.Done():
			return s.base.Err()
		}
	}
	return nil
}

// claim returns the batches not already claimed by another round and marks
// them as claimed.
func (s *Service) claim(candidates []*export.Batch) []*export.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := candidates[:0:0]
	for _, b := range candidates {
		if _, busy := s.inFlight[b.ID]; busy {
			continue
		}
		s.inFlight[b.ID] = struct{}{}
		out = append(out, b)
	}
	return out
}

func (s *Service) release(batches []*export.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range batches {
		delete(s.inFlight, b.ID)
	}
}

func (s *Service) acquireRun(ctx context.Context, id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	if r == nil || r.ctx.Err() != nil {
		rctx, cancel := context.WithCancel(ctx)
		r = &run{ctx: rctx, cancel: cancel}
		s.runs[id] = r
	}
	r.refs++
	return r
}

func (s *Service) releaseRun(id string, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.refs--
	if r.refs > 0 {
		return
	}
	r.cancel()
	if s.runs[id] == r {
		delete(s.runs, id)
	}
}

// Reconcile applies the job status decision once every batch has settled:
// no failures is COMPLETED, a mix is PARTIALLY_COMPLETED and no completions is
// FAILED. A terminal job whose batch counts have not moved since the last
// reconciliation is left untouched, so the artifact is built at most once per
// set of outcomes. Cancelled jobs are never reconciled.
func (s *Service) Reconcile(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return export.ErrNotFound
	}
	if j.Status == export.JobCancelled {
		return nil
	}

	counts, err := s.store.CountBatches(ctx, id)
	if err != nil {
		return err
	}
	completed, failed := counts[export.BatchCompleted], counts[export.BatchFailed]
	if completed+failed < j.TotalBatches {
		return nil
	}
	if j.Status.IsTerminal() && j.CompletedBatches == completed && j.FailedBatches == failed {
		return nil
	}

	j.ResultPath = ""
	switch {
	case failed == 0:
		j.Status = export.JobCompleted
		path, err := s.combine(ctx, j)
		if err != nil {
			slog.Error("exporter: combine failed", "job_id", id, "error", err)
			j.Status = export.JobFailed
		} else {
			j.ResultPath = path
		}
	case completed > 0:
		j.Status = export.JobPartiallyCompleted
		path, err := s.combine(ctx, j)
		if err != nil {
			slog.Warn("exporter: combine failed for partial job", "job_id", id, "error", err)
		} else {
			j.ResultPath = path
		}
	default:
		j.Status = export.JobFailed
	}

	now := time.Now().UTC()
	j.CompletedAt = &now
	j.CompletedBatches = completed
	j.FailedBatches = failed
	if err := s.store.FinishJob(ctx, j); err != nil {
		return err
	}
	if !j.Status.HasArtifact() {
		j.ResultPath = ""
	}

	slog.Info("exporter: job finished", "job_id", id, "status", j.Status,
		"completed_batches", completed, "failed_batches", failed)
	s.finished(j)
	return nil
}

func (s *Service) combine(ctx context.Context, j *export.Job) (string, error) {
	batches, err := s.store.ListBatches(ctx, j.ID, export.BatchCompleted)
	if err != nil {
		return "", fmt.Errorf("%w: list batches: %v", ErrCombine, err)
	}
	return s.combiner.Combine(ctx, s.opts.BasePath, j.ID, batches)
}

// Cancel stops dispatching the job's batches and moves it to CANCELLED.
func (s *Service) Cancel(ctx context.Context, id string) (*export.Job, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, export.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return j, ErrTerminal
	}

	counts, err := s.store.CountBatches(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j.Status = export.JobCancelled
	j.CompletedAt = &now
	j.CompletedBatches = counts[export.BatchCompleted]
	j.FailedBatches = counts[export.BatchFailed]
	if err := s.store.FinishJob(ctx, j); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if r := s.runs[id]; r != nil {
		r.cancel()
	}
	s.mu.Unlock()

	slog.Info("exporter: job cancelled", "job_id", id)
	s.finished(j)
	return j, nil
}

// Delete removes a finished job, its batches and its output directory.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return export.ErrNotFound
	}
	if !j.Status.IsTerminal() {
		return ErrActive
	}
	return s.remove(ctx, id)
}

// Cleanup deletes terminal jobs completed before the cutoff together with
// their output directories. It returns the number of jobs removed.
func (s *Service) Cleanup(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.store.FindExpired(ctx, before)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		ok, err := s.removeExpired(ctx, id, before)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// removeExpired deletes the job if it is still terminal and expired once its
// lock is held. A sweep or retry may have reopened it in the meantime.
func (s *Service) removeExpired(ctx context.Context, id string, before time.Time) (bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil || !j.Status.IsTerminal() || j.CompletedAt == nil || !j.CompletedAt.Before(before) {
		return false, nil
	}
	return true, s.remove(ctx, id)
}

// remove deletes the job rows and directory. The caller holds the job lock.
func (s *Service) remove(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(export.JobDir(s.opts.BasePath, id)); err != nil {
		slog.Warn("exporter: remove job directory", "job_id", id, "error", err)
	}
	return nil
}

// DownloadURL is the API path serving a job's artifact.
func DownloadURL(id string) string {
	return "/api/v1/exports/" + id + "/download"
}

func (s *Service) batchSettled(b *export.Batch) {
	data, _ := json.Marshal(map[string]any{
		"batch_number": b.Number,
		"status":       b.Status,
		"retry_count":  b.RetryCount,
		"error":        b.ErrorMessage,
	})
	s.hub.Notify(b.JobID, queue.Event{Event: "batch", Data: string(data)})

	if s.hub.Subscribers(b.JobID) == 0 {
		return
	}
	j, err := s.store.GetJob(context.WithoutCancel(s.base), b.JobID)
	if err != nil || j == nil {
		return
	}
	data, _ = json.Marshal(map[string]any{
		"status":            j.Status,
		"processed_batches": j.ProcessedBatches,
		"total_batches":     j.TotalBatches,
	})
	s.hub.Notify(b.JobID, queue.Event{Event: "status", Data: string(data)})
}

// finished publishes the terminal state of j to subscribers and its callback.
func (s *Service) finished(j *export.Job) {
	p := webhook.Payload{
		JobID:            j.ID,
		Status:           string(j.Status),
		ProcessedBatches: j.ProcessedBatches,
		TotalBatches:     j.TotalBatches,
	}
	if j.ResultPath != "" {
		p.DownloadURL = DownloadURL(j.ID)
	}
	data, _ := json.Marshal(p)
	s.hub.NotifyAndClose(j.ID, queue.Event{Event: "result", Data: string(data)})
	s.notifier.Send(s.base, j.CallbackURL, p)
}

// jobLocks serializes read-modify-write sequences on a single job.
type jobLocks struct {
	mu sync.Mutex
	m  map[string]*jobLock
}

type jobLock struct {
	sync.Mutex
	refs int
}

func (l *jobLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*jobLock)
	}
	jl := l.m[id]
	if jl == nil {
		jl = &jobLock{}
		l.m[id] = jl
	}
	jl.refs++
	l.mu.Unlock()

	jl.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			jl.Unlock()
			l.mu.Lock()
			jl.refs--
			if jl.refs == 0 {
				delete(l.m, id)
			}
			l.mu.Unlock()
		})
	}
}
