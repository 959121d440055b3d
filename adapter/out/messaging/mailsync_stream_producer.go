// Package messaging provides Redis Streams adapters.
package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"mailsync_server/core/port/out"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	syncStatusKeyPrefix = "sync:status:"
	syncStatusTTL       = 24 * time.Hour

	// streamMaxLen caps every stream this service writes.
	streamMaxLen = 10000
)

// RedisProducer publishes sync jobs and tracks their status.
type RedisProducer struct {
	client *redis.Client
}

func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// PublishMailSync enqueues a sync pass and marks the company's status queued.
func (p *RedisProducer) PublishMailSync(ctx context.Context, job *out.MailSyncJob) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}

	if err := p.publish(ctx, out.StreamMailSync, job); err != nil {
		return err
	}

	if job.CompanyID != "" {
		status := &out.SyncJobStatus{
			JobID:     job.JobID,
			CompanyID: job.CompanyID,
			State:     out.SyncJobQueued,
			UpdatedAt: job.RequestedAt,
		}
		if err := p.SetSyncStatus(ctx, status); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Sync Status (Redis Hash)
// =============================================================================

func (p *RedisProducer) SetSyncStatus(ctx context.Context, status *out.SyncJobStatus) error {
	key := syncStatusKeyPrefix + status.CompanyID
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key,
		"job_id", status.JobID,
		"state", status.State,
		"updated_threads", status.UpdatedThreads,
		"error", status.Error,
		"updated_at", status.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, syncStatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

func (p *RedisProducer) GetSyncStatus(ctx context.Context, companyID string) (*out.SyncJobStatus, error) {
	result, err := p.client.HGetAll(ctx, syncStatusKeyPrefix+companyID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	status := &out.SyncJobStatus{
		JobID:     result["job_id"],
		CompanyID: companyID,
		State:     result["state"],
		Error:     result["error"],
	}
	if v, err := strconv.Atoi(result["updated_threads"]); err == nil {
		status.UpdatedThreads = v
	}
	if v, err := time.Parse(time.RFC3339Nano, result["updated_at"]); err == nil {
		status.UpdatedAt = v
	}
	return status, nil
}

// publish writes job as JSON under the "data" field.
func (p *RedisProducer) publish(ctx context.Context, stream string, job interface{}) error {
	return publishJSON(ctx, p.client, stream, job)
}

func publishJSON(ctx context.Context, client *redis.Client, stream string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

var (
	_ out.SyncJobPublisher = (*RedisProducer)(nil)
	_ out.SyncStatusStore  = (*RedisProducer)(nil)
)
