// Package jobstore defines the job/metadata store the pipeline reports
// into: per-job status transitions, terminal outcomes, and the upload
// records that make archive publication idempotent.
package jobstore

import (
	"context"
	"time"

	"github.com/ajitpratap0/datavault/pkg/extract"
)

// Status is a job's position in the pipeline state machine.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusExtracting Status = "extracting"
	StatusPackaging  Status = "packaging"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// JobDescriptor is the unit of work: extract one user's data from one
// source. Immutable once dequeued; owned by a single coordinator for
// the duration of one attempt.
type JobDescriptor struct {
	JobID       string              `json:"job_id"`
	UserID      string              `json:"user_id"`
	SourceID    string              `json:"source_id"`
	Credentials extract.Credentials `json:"credentials"`
	RequestedAt time.Time           `json:"requested_at"`
	// Attempt counts prior deliveries of this job, zero on the first
	Attempt int `json:"attempt"`
}

// UploadStatus tracks an archive's publication.
type UploadStatus string

const (
	// UploadPending means an upload has been claimed but not verified
	UploadPending UploadStatus = "pending"
	// UploadCommitted means the object is verified in storage
	UploadCommitted UploadStatus = "committed"
)

// UploadRecord ties an archive identity to its storage key. At most
// one committed record exists per archive ID.
type UploadRecord struct {
	ArchiveID   string
	StorageKey  string
	Status      UploadStatus
	CreatedAt   time.Time
	CommittedAt time.Time
}

// Store persists job status and upload records. Implementations must
// make CommitUploadRecord a single atomic conditional update so two
// workers racing to publish the same archive cannot both believe they
// were first.
type Store interface {
	// UpdateStatus records a stage transition for a job
	UpdateStatus(ctx context.Context, jobID string, status Status) error

	// RecordResult marks a job completed with its archive storage key
	RecordResult(ctx context.Context, jobID, storageKey string) error

	// RecordFailure marks a job failed with a terminal reason
	RecordFailure(ctx context.Context, jobID, reason string) error

	// GetUploadRecord returns the upload record for an archive, or nil
	GetUploadRecord(ctx context.Context, archiveID string) (*UploadRecord, error)

	// CreateUploadRecord inserts a pending record unless one exists
	CreateUploadRecord(ctx context.Context, archiveID, storageKey string) error

	// CommitUploadRecord flips pending to committed. It reports whether
	// this call performed the transition; false means another worker
	// already committed, or no record exists.
	CommitUploadRecord(ctx context.Context, archiveID string) (bool, error)

	// Close releases store resources
	Close()
}
