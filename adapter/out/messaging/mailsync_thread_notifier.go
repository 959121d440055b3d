package messaging

import (
	"context"
	"fmt"
	"time"

	"mailsync_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

const threadSetKeyPrefix = "mailsync:threads:"

// ThreadNotifier records updated thread ids for UI cache invalidation: a
// per-company set that expires, plus an event on the threads-updated stream.
type ThreadNotifier struct {
	client *redis.Client
	ttl    time.Duration
}

func NewThreadNotifier(client *redis.Client, ttl time.Duration) *ThreadNotifier {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ThreadNotifier{client: client, ttl: ttl}
}

func ThreadSetKey(companyID string) string {
	return threadSetKeyPrefix + companyID
}

func (n *ThreadNotifier) NotifyThreadsUpdated(ctx context.Context, companyID string, threadIDs []string) error {
	if len(threadIDs) == 0 {
		return nil
	}

	members := make([]interface{}, len(threadIDs))
	for i, id := range threadIDs {
		members[i] = id
	}

	key := ThreadSetKey(companyID)
	pipe := n.client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, n.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record updated threads: %w", err)
	}

	return publishJSON(ctx, n.client, out.StreamThreadsUpdated, &out.ThreadsUpdatedEvent{
		CompanyID: companyID,
		ThreadIDs: threadIDs,
		At:        time.Now().UTC(),
	})
}

// UpdatedThreads returns the thread ids recorded for the company since the set last expired.
func (n *ThreadNotifier) UpdatedThreads(ctx context.Context, companyID string) ([]string, error) {
	ids, err := n.client.SMembers(ctx, ThreadSetKey(companyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read updated threads: %w", err)
	}
	return ids, nil
}

var _ out.ThreadUpdateNotifier = (*ThreadNotifier)(nil)
