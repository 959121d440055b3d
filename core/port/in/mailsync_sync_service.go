package in

import (
	"context"
	"time"

	"mailsync_server/core/domain"
)

// SyncUseCase drives reconciliation passes.
type SyncUseCase interface {
	SyncAll(ctx context.Context) (map[string]*domain.SyncResult, error)
	SyncDue(ctx context.Context, now time.Time) (map[string]*domain.SyncResult, error)
	SyncCompany(ctx context.Context, companyID, ownerID string) (*domain.SyncResult, error)
	CheckThread(ctx context.Context, companyID, threadID, ownerID string) (bool, error)
	GetCursor(ctx context.Context, companyID string) (*domain.SyncCursor, error)
}
