package export

import (
	"errors"
	"net/url"
	"time"
)

var (
	// ErrNotFound is returned when a job or batch id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidBatchSize is returned by Plan for a non-positive batch size.
	ErrInvalidBatchSize = errors.New("batch size must be > 0")
)

// DefaultExportType is used when a create request does not name one.
const DefaultExportType = "SALARY_EXCEL"

type JobStatus string

const (
	JobPending            JobStatus = "PENDING"
	JobInProgress         JobStatus = "IN_PROGRESS"
	JobCompleted          JobStatus = "COMPLETED"
	JobPartiallyCompleted JobStatus = "PARTIALLY_COMPLETED"
	JobFailed             JobStatus = "FAILED"
	JobCancelled          JobStatus = "CANCELLED"
)

// IsTerminal returns true for statuses that represent a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobPartiallyCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// HasArtifact reports whether a job in status s may carry a result artifact.
func (s JobStatus) HasArtifact() bool {
	return s == JobCompleted || s == JobPartiallyCompleted
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchInProgress BatchStatus = "IN_PROGRESS"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

// IsTerminal returns true once a batch attempt has settled.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// RetryableBatchStatuses are the states a batch may be re-driven from.
// IN_PROGRESS is included so batches orphaned by a crash are picked up again.
var RetryableBatchStatuses = []BatchStatus{BatchFailed, BatchPending, BatchInProgress}

// Descriptions are presentation strings keyed by status tag. They are kept
// out of the status types so the domain enums stay plain.
var Descriptions = map[string]string{
	string(JobPending):            "Waiting to be processed",
	string(JobInProgress):         "Processing",
	string(JobCompleted):          "Completed",
	string(JobPartiallyCompleted): "Partially completed",
	string(JobFailed):             "Failed",
	string(JobCancelled):          "Cancelled",
}

// Describe returns the human readable label for a job or batch status tag.
func Describe[S ~string](s S) string {
	if d, ok := Descriptions[string(s)]; ok {
		return d
	}
	return string(s)
}

type Job struct {
	ID               string     `json:"job_id"`
	ExportType       string     `json:"export_type"`
	RequestedBy      string     `json:"requested_by,omitempty"`
	CallbackURL      string     `json:"callback_url,omitempty"`
	TotalRecords     int        `json:"total_records"`
	TotalBatches     int        `json:"total_batches"`
	ProcessedBatches int        `json:"processed_batches"`
	CompletedBatches int        `json:"-"`
	FailedBatches    int        `json:"-"`
	Status           JobStatus  `json:"status"`
	ResultPath       string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type Batch struct {
	ID              string      `json:"batch_id"`
	JobID           string      `json:"job_id"`
	Number          int         `json:"batch_number"`
	StartOffset     int         `json:"start_offset"`
	EndOffset       int         `json:"end_offset"`
	Status          BatchStatus `json:"status"`
	RetryCount      int         `json:"retry_count"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	LastProcessedAt *time.Time  `json:"last_processed_at,omitempty"`
	FragmentPath    string      `json:"-"`
}

// Size is the number of records the batch covers.
func (b *Batch) Size() int { return b.EndOffset - b.StartOffset }

// Range is a half-open offset range [Start, End) into the record source.
type Range struct {
	Start int
	End   int
}

// Plan splits total records into ceil(total/size) contiguous ranges that
// partition [0, total) with no gaps or overlaps.
func Plan(total, size int) ([]Range, error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if total <= 0 {
		return nil, nil
	}
	n := (total + size - 1) / size
	ranges := make([]Range, n)
	for i := range n {
		ranges[i] = Range{Start: i * size, End: min((i+1)*size, total)}
	}
	return ranges, nil
}

// Counts holds the number of batches per status for one job.
type Counts map[BatchStatus]int

// Settled is the number of batches that reached COMPLETED or FAILED.
func (c Counts) Settled() int {
	return c[BatchCompleted] + c[BatchFailed]
}

// CreateRequest is the payload used to submit a new export.
type CreateRequest struct {
	ExportType  string `json:"export_type,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if r.ExportType != "" && r.ExportType != DefaultExportType {
		return errors.New("export_type must be " + DefaultExportType)
	}
	if len(r.RequestedBy) > 255 {
		return errors.New("requested_by must be at most 255 characters")
	}
	if r.CallbackURL != "" {
		u, err := url.Parse(r.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("callback_url must be an absolute http(s) URL")
		}
	}
	return nil
}
