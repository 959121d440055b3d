package bootstrap

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mailsync_server/adapter/in/worker"
	"mailsync_server/adapter/out/messaging"
	"mailsync_server/config"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"
)

const consumerGroup = "mailsync-workers"

type Worker struct {
	pool      *worker.Pool
	consumer  *messaging.Consumer
	scheduler *worker.Scheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(os.Stdout).With().Timestamp().Str("component", "worker").Logger()
	if cfg.IsDevelopment() {
		zlog = zlog.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	processor := worker.NewSyncProcessor(deps.SyncService, deps.Producer)
	handler := worker.NewHandler(processor)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerMax > 0 {
		poolConfig.Workers = cfg.WorkerMax
	}
	pool := worker.NewPool(handler, poolConfig, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	w.consumer = messaging.NewConsumer(deps.Redis, messaging.ConsumerConfig{
		Group:    consumerGroup,
		Consumer: cfg.WorkerID,
		Streams:  []string{out.StreamMailSync},
		Handler:  worker.NewStreamHandler(pool),
		Logger:   zlog,
		Block:    time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
	})

	if cfg.SchedulerEnabled {
		// Slightly shorter than the interval so the next tick can claim it.
		lockTTL := cfg.SyncInterval - cfg.SyncInterval/10
		w.scheduler = worker.NewScheduler(pool, ratelimit.NewDebouncer(deps.Redis, lockTTL), cfg.SyncInterval)
	}

	logger.Info("Worker configured: workers=%d, scheduler=%v", poolConfig.Workers, cfg.SchedulerEnabled)
	return w, cleanup, nil
}

// Start blocks until Stop is called.
func (w *Worker) Start() {
	w.pool.Start()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.zlog.Info().Msg("Starting Redis Stream Consumer...")
		if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
		}
	}()

	if w.scheduler != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.scheduler.Run(w.ctx)
		}()
	}

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.pool.Stop()
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
