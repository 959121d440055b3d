package worker

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JobType represents the type of a job.
type JobType = string

const (
	// JobMailSync runs a reconciliation pass for one company, or all when
	// the payload names none.
	JobMailSync JobType = "mail.sync"
	// JobMailSyncDue runs the scheduled pass over companies whose interval elapsed.
	JobMailSyncDue JobType = "mail.sync_due"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// MailSyncPayload is the payload of JobMailSync.
type MailSyncPayload struct {
	JobID     string `json:"job_id,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
