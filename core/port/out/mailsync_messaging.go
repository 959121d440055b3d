package out

import (
	"context"
	"time"
)

// Stream names
const (
	StreamMailSync       = "mail:sync"
	StreamThreadsUpdated = "mail:threads:updated"
)

// MailSyncJob asks a worker to run a sync pass. An empty CompanyID means all companies.
type MailSyncJob struct {
	JobID       string    `json:"job_id"`
	CompanyID   string    `json:"company_id,omitempty"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ThreadsUpdatedEvent is emitted after a pass stored new messages.
type ThreadsUpdatedEvent struct {
	CompanyID string    `json:"company_id"`
	ThreadIDs []string  `json:"thread_ids"`
	At        time.Time `json:"at"`
}

// SyncJobPublisher enqueues sync passes for the worker.
type SyncJobPublisher interface {
	PublishMailSync(ctx context.Context, job *MailSyncJob) error
}

// SyncJobStatus is the last known state of a queued sync job.
type SyncJobStatus struct {
	JobID          string    `json:"job_id"`
	CompanyID      string    `json:"company_id"`
	State          string    `json:"state"`
	UpdatedThreads int       `json:"updated_threads"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const (
	SyncJobQueued  = "queued"
	SyncJobRunning = "running"
	SyncJobDone    = "done"
	SyncJobFailed  = "failed"
)

// SyncStatusStore keeps SyncJobStatus per company. GetSyncStatus returns nil, nil when unknown.
type SyncStatusStore interface {
	SetSyncStatus(ctx context.Context, status *SyncJobStatus) error
	GetSyncStatus(ctx context.Context, companyID string) (*SyncJobStatus, error)
}
