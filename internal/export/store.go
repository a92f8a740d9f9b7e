package export

import (
	"context"
	"time"
)

// Store persists and retrieves export jobs and their batches.
type Store interface {
	// CreateJob persists j and all of its batches as one unit of work.
	CreateJob(ctx context.Context, j *Job, batches []*Batch) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	// ListJobs returns a page of jobs ordered by created_at DESC, plus the total count.
	ListJobs(ctx context.Context, limit, offset int) ([]*Job, int, error)
	// ListBatches returns the job's batches in batch-number order, optionally
	// restricted to the given statuses.
	ListBatches(ctx context.Context, jobID string, statuses ...BatchStatus) ([]*Batch, error)
	// BatchesForRetry returns FAILED, PENDING and IN_PROGRESS batches whose
	// retry count is still below maxRetries.
	BatchesForRetry(ctx context.Context, jobID string, maxRetries int) ([]*Batch, error)
	CountBatches(ctx context.Context, jobID string) (Counts, error)

	// MarkBatchInProgress starts an attempt. A batch that is still
	// IN_PROGRESS had an attempt that never settled; that attempt is charged
	// to retry_count.
	MarkBatchInProgress(ctx context.Context, id string) error
	// CompleteBatch records the fragment path, marks the batch COMPLETED and
	// increments the owning job's processed counter in one transaction. It
	// reports false when the batch was already COMPLETED.
	CompleteBatch(ctx context.Context, id, fragmentPath string) (bool, error)
	// FailBatch marks the batch FAILED, stores errMsg and increments retry_count.
	// COMPLETED batches are left untouched.
	FailBatch(ctx context.Context, id, errMsg string) error
	// ReleaseBatch moves a batch to status with errMsg without charging a retry.
	ReleaseBatch(ctx context.Context, id string, status BatchStatus, errMsg string) error

	// ReopenJob moves a job back to IN_PROGRESS and clears its completion
	// timestamp and result artifact.
	ReopenJob(ctx context.Context, id string) error
	// FinishJob writes status, completed_at, result path and the reconciled
	// batch counts of j.
	FinishJob(ctx context.Context, j *Job) error

	// FindStale returns ids of jobs whose last activity is before cutoff and
	// that are either unfinished or still own a retry-eligible batch.
	FindStale(ctx context.Context, cutoff time.Time, maxRetries int) ([]string, error)
	// DeleteJob removes the job and its batches.
	DeleteJob(ctx context.Context, id string) error
	// FindExpired returns ids of terminal jobs completed before the cutoff.
	FindExpired(ctx context.Context, before time.Time) ([]string, error)
}
