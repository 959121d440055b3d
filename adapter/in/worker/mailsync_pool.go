package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers          int
	WorkerChanSize   int
	BatchSize        int // 0 hands each job to a worker as soon as it is submitted
	JobTimeout       time.Duration
	JobTimeoutByType map[JobType]time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	RatePerSecond    int
}

func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		WorkerChanSize: 100,
		BatchSize:      0,
		JobTimeout:     60 * time.Second,
		JobTimeoutByType: map[JobType]time.Duration{
			JobMailSync:    10 * time.Minute, // a full pass walks every company
			JobMailSyncDue: 10 * time.Minute,
		},
		MaxRetries:    3,
		RetryBase:     time.Second,
		RatePerSecond: 50,
	}
}

// Pool runs jobs on a go-pkgz/pool worker group with per-type timeouts,
// jittered retries and a dead letter log.
type Pool struct {
	handler *Handler
	config  *PoolConfig

	group *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics     *PoolMetrics
	log         zerolog.Logger
	rateLimiter *RateLimiter

	dlq       chan *Message
	dlqWg     sync.WaitGroup
	dlqMu     sync.Mutex
	dlqClosed bool

	started bool
	mu      sync.Mutex
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed  int64
	JobsFailed     int64
	JobsDropped    int64
	JobsRetried    int64
	AvgProcessTime int64 // milliseconds
	QueueSize      int32
}

type messageWorker struct {
	pool *Pool
}

// Do implements pool.Worker.
func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	return w.pool.processJob(ctx, msg)
}

func NewPool(handler *Handler, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 60 * time.Second
	}
	if config.BatchSize < 0 {
		config.BatchSize = 0
	}
	if config.RetryBase <= 0 {
		config.RetryBase = time.Second
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler:     handler,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		metrics:     &PoolMetrics{},
		log:         log.With().Str("component", "worker_pool").Logger(),
		rateLimiter: NewRateLimiter(config.RatePerSecond, time.Second),
		dlq:         make(chan *Message, 100),
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.group = pool.New[*Message](p.config.Workers, &messageWorker{pool: p}).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithBatchSize(p.config.BatchSize).
		WithContinueOnError()

	if err := p.group.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start worker pool")
		return
	}
	p.started = true

	p.dlqWg.Add(1)
	go p.dlqProcessor()
	go p.metricsReporter()

	p.log.Info().Int("workers", p.config.Workers).Msg("worker pool started")
}

// Stop drains submitted jobs and stops the pool.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := p.group.Close(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn().Err(err).Msg("error closing worker pool")
	}

	p.cancel()
	p.dlqMu.Lock()
	p.dlqClosed = true
	close(p.dlq)
	p.dlqMu.Unlock()
	p.dlqWg.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Submit queues msg. It returns false when the pool is stopped or rate limited.
func (p *Pool) Submit(msg *Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}

	if !p.rateLimiter.Allow() {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().Str("job_id", msg.ID).Str("job_type", msg.Type).Msg("job dropped due to rate limiting")
		return false
	}

	p.group.Submit(msg)
	atomic.AddInt32(&p.metrics.QueueSize, 1)
	return true
}

func (p *Pool) jobTimeout(jobType JobType) time.Duration {
	if timeout, ok := p.config.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.QueueSize, -1)

	timeout := p.jobTimeout(msg.Type)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.handler.Process(jobCtx, msg)
	if err == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		p.log.Warn().Str("job_id", msg.ID).Str("job_type", msg.Type).Dur("timeout", timeout).Msg("job hit its timeout")
	}

	p.updateAvgProcessTime(time.Since(start).Milliseconds())

	if err != nil {
		p.log.Error().Err(err).Str("job_id", msg.ID).Str("job_type", msg.Type).Int("retries", msg.Retries).
			Msg("job processing failed")
		p.retryOrDeadLetter(msg)
		// Errors are handled here; the group keeps running.
		return nil
	}

	atomic.AddInt64(&p.metrics.JobsProcessed, 1)
	return nil
}

// retryOrDeadLetter resubmits with exponential backoff plus jitter.
func (p *Pool) retryOrDeadLetter(msg *Message) {
	if msg.Retries < p.config.MaxRetries && p.ctx.Err() == nil {
		msg.Retries++
		atomic.AddInt64(&p.metrics.JobsRetried, 1)

		backoff := p.config.RetryBase*time.Duration(1<<msg.Retries) + time.Duration(rand.Intn(500))*time.Millisecond
		time.AfterFunc(backoff, func() {
			if !p.Submit(msg) {
				p.deadLetter(msg)
			}
		})
		return
	}

	atomic.AddInt64(&p.metrics.JobsFailed, 1)
	p.deadLetter(msg)
}

func (p *Pool) deadLetter(msg *Message) {
	p.dlqMu.Lock()
	defer p.dlqMu.Unlock()
	if p.dlqClosed {
		p.log.Error().Str("job_id", msg.ID).Str("job_type", msg.Type).Msg("DLQ: job lost during shutdown")
		return
	}
	select {
	case p.dlq <- msg:
	default:
		p.log.Error().Str("job_id", msg.ID).Msg("DLQ full, job lost")
	}
}

func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
}

func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()

	for msg := range p.dlq {
		p.log.Error().
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Int("retries", msg.Retries).
			Interface("payload", msg.Payload).
			Msg("DLQ: job permanently failed")
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dropped", m.JobsDropped).
				Int64("retried", m.JobsRetried).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("queue_size", m.QueueSize).
				Msg("worker pool metrics")
		}
	}
}

func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:    atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:    atomic.LoadInt64(&p.metrics.JobsRetried),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		QueueSize:      atomic.LoadInt32(&p.metrics.QueueSize),
	}
}

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter is a lock-free token bucket.
type RateLimiter struct {
	tokens       int64
	maxTokens    int64
	refillRate   int64
	intervalNs   int64
	lastRefillNs int64
}

func NewRateLimiter(ratePerSecond int, interval time.Duration) *RateLimiter {
	tokens := int64(ratePerSecond)
	return &RateLimiter{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

func (r *RateLimiter) Allow() bool {
	now := time.Now().UnixNano()
	lastRefill := atomic.LoadInt64(&r.lastRefillNs)

	if elapsed := now - lastRefill; elapsed >= r.intervalNs {
		toAdd := (elapsed / r.intervalNs) * r.refillRate
		if atomic.CompareAndSwapInt64(&r.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&r.tokens)
				next := current + toAdd
				if next > r.maxTokens {
					next = r.maxTokens
				}
				if atomic.CompareAndSwapInt64(&r.tokens, current, next) {
					break
				}
			}
		}
	}

	for {
		current := atomic.LoadInt64(&r.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.tokens, current, current-1) {
			return true
		}
	}
}

// MetricsMap exposes GetMetrics for the /metrics endpoint.
func (p *Pool) MetricsMap() map[string]any {
	m := p.GetMetrics()
	return map[string]any{
		"jobs_processed": m.JobsProcessed,
		"jobs_failed":    m.JobsFailed,
		"jobs_dropped":   m.JobsDropped,
		"jobs_retried":   m.JobsRetried,
		"avg_process_ms": m.AvgProcessTime,
		"queue_size":     m.QueueSize,
		"workers":        p.config.Workers,
	}
}
