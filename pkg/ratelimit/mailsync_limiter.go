// Package ratelimit throttles sync triggers across processes through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// SlidingWindowLimiter - Redis sliding window
// =============================================================================

// SlidingWindowLimiter allows rate+burst requests per key within window.
// Without Redis, or when Redis fails, every request is allowed.
type SlidingWindowLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

func NewSlidingWindowLimiter(redisClient *redis.Client, limit int, window time.Duration) *SlidingWindowLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindowLimiter{redis: redisClient, limit: limit, window: window}
}

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)
	if count < max_requests then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		return -(oldest[2] + window_ms - now)
	end
	return 0
`)

// Allow reports whether the request may proceed and, if not, how long to wait.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis == nil {
		return true, 0
	}

	now := time.Now()
	result, err := slidingWindowScript.Run(ctx, l.redis, []string{"ratelimit:" + key},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.limit,
		l.window.Milliseconds(),
		fmt.Sprintf("%d", now.UnixNano()),
	).Int64()
	if err != nil {
		return true, 0
	}

	if result == 1 {
		return true, 0
	}
	if result < 0 {
		return false, time.Duration(-result) * time.Millisecond
	}
	return false, l.window
}

// =============================================================================
// Debouncer - one trigger per key per window
// =============================================================================

// Debouncer lets the first caller for a key through and rejects the rest
// until the window passes. Redis makes the window shared across processes;
// a local map covers the no-Redis case.
type Debouncer struct {
	redis    *redis.Client
	duration time.Duration
	local    map[string]time.Time
	mu       sync.Mutex
}

func NewDebouncer(redisClient *redis.Client, duration time.Duration) *Debouncer {
	return &Debouncer{
		redis:    redisClient,
		duration: duration,
		local:    make(map[string]time.Time),
	}
}

func debounceKey(key string) string {
	return "debounce:" + key
}

// TryAcquire claims key for the debounce window. It returns false when the
// key was claimed within the window.
func (d *Debouncer) TryAcquire(ctx context.Context, key string) bool {
	if d.redis != nil {
		ok, err := d.redis.SetNX(ctx, debounceKey(key), time.Now().UTC().Format(time.RFC3339), d.duration).Result()
		if err == nil {
			return ok
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.local[key]; ok && now.Sub(last) < d.duration {
		return false
	}
	d.local[key] = now
	d.cleanupLocked(now)
	return true
}

// Release lets the next TryAcquire for key succeed immediately.
func (d *Debouncer) Release(ctx context.Context, key string) {
	if d.redis != nil {
		d.redis.Del(ctx, debounceKey(key))
	}
	d.mu.Lock()
	delete(d.local, key)
	d.mu.Unlock()
}

// Remaining returns how long key stays claimed, zero when free.
func (d *Debouncer) Remaining(ctx context.Context, key string) time.Duration {
	if d.redis != nil {
		ttl, err := d.redis.PTTL(ctx, debounceKey(key)).Result()
		if err == nil {
			if ttl < 0 {
				return 0
			}
			return ttl
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.local[key]; ok {
		if left := d.duration - time.Since(last); left > 0 {
			return left
		}
	}
	return 0
}

func (d *Debouncer) cleanupLocked(now time.Time) {
	for k, v := range d.local {
		if now.Sub(v) > d.duration*2 {
			delete(d.local, k)
		}
	}
}
