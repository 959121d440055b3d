package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"mailsync_server/core/port/out"
)

// ErrPoolBusy is returned when the pool refuses a job. The stream entry
// stays pending and is redelivered.
var ErrPoolBusy = errors.New("worker pool rejected job")

// Submitter accepts jobs for asynchronous processing.
type Submitter interface {
	Submit(msg *Message) bool
}

// StreamHandler turns stream entries into pool jobs.
type StreamHandler struct {
	pool Submitter
}

func NewStreamHandler(pool Submitter) *StreamHandler {
	return &StreamHandler{pool: pool}
}

// Handle implements messaging.JobHandler.
func (h *StreamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	switch stream {
	case out.StreamMailSync:
		var job out.MailSyncJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode %s entry: %w", stream, err)
		}
		msg := NewMessage(JobMailSync, map[string]any{
			"job_id":     job.JobID,
			"company_id": job.CompanyID,
			"owner_id":   job.OwnerID,
			"reason":     job.Reason,
		})
		if job.JobID != "" {
			msg.ID = job.JobID
		}
		if !h.pool.Submit(msg) {
			return ErrPoolBusy
		}
		return nil
	default:
		return fmt.Errorf("unsupported stream %q", stream)
	}
}
