package worker

import (
	"context"
	"time"

	"mailsync_server/pkg/logger"
)

const schedulerLockKey = "scheduler:sync_due"

// Acquirer grants a key to one caller per window.
type Acquirer interface {
	TryAcquire(ctx context.Context, key string) bool
}

// Scheduler submits a JobMailSyncDue every interval. With a shared Acquirer
// only one instance per interval submits.
type Scheduler struct {
	pool     Submitter
	lock     Acquirer
	interval time.Duration
}

func NewScheduler(pool Submitter, lock Acquirer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{pool: pool, lock: lock, interval: interval}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("[Scheduler] started, interval=%s", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Scheduler] stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick submits one due pass if this instance holds the lock. It reports
// whether a job was submitted.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if s.lock != nil && !s.lock.TryAcquire(ctx, schedulerLockKey) {
		logger.Debug("[Scheduler] another instance holds the tick")
		return false
	}
	msg := NewMessage(JobMailSyncDue, map[string]any{"reason": "schedule"})
	if !s.pool.Submit(msg) {
		logger.Warn("[Scheduler] pool rejected due pass %s", msg.ID)
		return false
	}
	return true
}
