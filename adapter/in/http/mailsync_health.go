package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"mailsync_server/infra/database"
	"mailsync_server/pkg/metrics"
)

// PoolMetricsSource reports worker pool metrics; nil in api-only mode.
type PoolMetricsSource interface {
	MetricsMap() map[string]any
}

type HealthHandler struct {
	db      *pgxpool.Pool
	sqlDB   *sqlx.DB
	redis   *redis.Client
	workers PoolMetricsSource
}

func NewHealthHandler(db *pgxpool.Pool, sqlDB *sqlx.DB, redis *redis.Client, workers PoolMetricsSource) *HealthHandler {
	return &HealthHandler{db: db, sqlDB: sqlDB, redis: redis, workers: workers}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", h.Metrics)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Metrics reports sync counters, call latencies and pool stats.
func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	latency := make(map[string]any)
	for op, stats := range metrics.GlobalRegistry().AllStats() {
		latency[op] = stats.ToMap()
	}

	body := fiber.Map{
		"sync":    metrics.Counters().Snapshot(),
		"latency": latency,
	}
	if h.db != nil {
		body["pgx_pool"] = database.GetPoolStats(h.db)
	}
	if h.sqlDB != nil {
		body["sql_pool"] = metrics.GetDBPoolStats(h.sqlDB.DB)
	}
	if h.workers != nil {
		body["worker_pool"] = h.workers.MetricsMap()
	}
	return c.JSON(body)
}
