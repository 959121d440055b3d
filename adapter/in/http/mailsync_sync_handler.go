package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/response"
)

// SyncDebouncer collapses repeated sync requests for a company.
type SyncDebouncer interface {
	TryAcquire(ctx context.Context, key string) bool
	Remaining(ctx context.Context, key string) time.Duration
}

// ThreadUpdates lists threads a recent pass changed.
type ThreadUpdates interface {
	UpdatedThreads(ctx context.Context, companyID string) ([]string, error)
}

type SyncHandler struct {
	sync      in.SyncUseCase
	publisher out.SyncJobPublisher
	status    out.SyncStatusStore
	threads   ThreadUpdates
	debouncer SyncDebouncer
}

func NewSyncHandler(
	sync in.SyncUseCase,
	publisher out.SyncJobPublisher,
	status out.SyncStatusStore,
	threads ThreadUpdates,
	debouncer SyncDebouncer,
) *SyncHandler {
	return &SyncHandler{
		sync:      sync,
		publisher: publisher,
		status:    status,
		threads:   threads,
		debouncer: debouncer,
	}
}

func (h *SyncHandler) Register(router fiber.Router) {
	router.Post("/sync", middleware.RequireService(), h.SyncAll)

	// Route-level so the middleware sees the path params.
	scoped := func(handler fiber.Handler) []fiber.Handler {
		return []fiber.Handler{
			middleware.ValidateIDParams("companyId", "threadId"),
			middleware.CompanyScope("companyId"),
			handler,
		}
	}
	router.Post("/companies/:companyId/sync", scoped(h.SyncCompany)...)
	router.Get("/companies/:companyId/sync", scoped(h.GetSyncState)...)
	router.Post("/companies/:companyId/threads/:threadId/check", scoped(h.CheckThread)...)
}

type syncAccepted struct {
	JobID     string `json:"job_id"`
	CompanyID string `json:"company_id,omitempty"`
	State     string `json:"state"`
}

// SyncAll queues a pass over every enabled company.
func (h *SyncHandler) SyncAll(c *fiber.Ctx) error {
	job := &out.MailSyncJob{Reason: "api:all"}
	if err := h.publisher.PublishMailSync(c.Context(), job); err != nil {
		return apperr.Unavailable("sync queue").WithError(err)
	}
	return response.Accepted(c, syncAccepted{JobID: job.JobID, State: out.SyncJobQueued})
}

// SyncCompany queues a pass for one company. Requests inside the debounce
// window get 429 with the time left.
func (h *SyncHandler) SyncCompany(c *fiber.Ctx) error {
	companyID := c.Params("companyId")
	key := "sync:" + companyID

	if h.debouncer != nil && !h.debouncer.TryAcquire(c.Context(), key) {
		remaining := h.debouncer.Remaining(c.Context(), key)
		return apperr.ErrSyncPending.WithDetail("retry_after", int(remaining.Seconds())+1)
	}

	userID, _ := c.Locals("user_id").(string)
	job := &out.MailSyncJob{CompanyID: companyID, OwnerID: userID, Reason: "api"}
	if err := h.publisher.PublishMailSync(c.Context(), job); err != nil {
		return apperr.Unavailable("sync queue").WithError(err)
	}

	logger.WithFields(map[string]any{"company_id": companyID, "job_id": job.JobID}).Info("sync queued")
	return response.Accepted(c, syncAccepted{JobID: job.JobID, CompanyID: companyID, State: out.SyncJobQueued})
}

type syncState struct {
	Cursor         *domain.SyncCursor `json:"cursor"`
	Job            *out.SyncJobStatus `json:"job,omitempty"`
	UpdatedThreads []string           `json:"updated_threads"`
}

// GetSyncState returns the cursor, the last job status and recently updated threads.
func (h *SyncHandler) GetSyncState(c *fiber.Ctx) error {
	companyID := c.Params("companyId")

	cursor, err := h.sync.GetCursor(c.Context(), companyID)
	if err != nil {
		return mapSyncError(err, companyID)
	}

	state := syncState{Cursor: cursor, UpdatedThreads: []string{}}
	if h.status != nil {
		if state.Job, err = h.status.GetSyncStatus(c.Context(), companyID); err != nil {
			logger.WithError(err).Warn("failed to read sync status for %s", companyID)
		}
	}
	if h.threads != nil {
		threads, err := h.threads.UpdatedThreads(c.Context(), companyID)
		if err != nil {
			logger.WithError(err).Warn("failed to read updated threads for %s", companyID)
		} else if len(threads) > 0 {
			state.UpdatedThreads = threads
		}
	}
	return response.OK(c, state)
}

// CheckThread reconciles one thread synchronously.
func (h *SyncHandler) CheckThread(c *fiber.Ctx) error {
	companyID := c.Params("companyId")
	threadID := c.Params("threadId")
	userID, _ := c.Locals("user_id").(string)

	updated, err := h.sync.CheckThread(c.Context(), companyID, threadID, userID)
	if err != nil {
		return mapSyncError(err, companyID)
	}
	return response.OK(c, fiber.Map{"thread_id": threadID, "updated": updated})
}

func mapSyncError(err error, companyID string) error {
	var remote *domain.RemoteAPIError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return apperr.NotFound("sync cursor")
	case errors.Is(err, auth.ErrNoConnection):
		return apperr.NoConnection(companyID)
	case domain.IsAuthExpired(err):
		return apperr.MailboxAuthExpired(err)
	case errors.As(err, &remote):
		return apperr.ExternalError("gmail", err)
	default:
		return apperr.InternalWithError(err)
	}
}
