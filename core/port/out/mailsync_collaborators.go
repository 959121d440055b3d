package out

import (
	"context"
	"time"

	"mailsync_server/core/domain"
)

// MailboxConnectionRepository loads and refreshes stored OAuth credentials.
type MailboxConnectionRepository interface {
	// GetByCompany returns nil, nil when the company has no connection.
	// An empty ownerID selects the most recently updated connection.
	GetByCompany(ctx context.Context, companyID, ownerID string) (*domain.MailboxConnection, error)
	UpdateTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error
}

// RecordLookup is the read-only view of business records ("quotes").
// Every finder returns nil, nil when nothing matches.
type RecordLookup interface {
	FindByID(ctx context.Context, companyID, recordID string) (*domain.BusinessRecord, error)
	FindByClientEmail(ctx context.Context, companyID, email string) (*domain.BusinessRecord, error)
	FindByClientDomain(ctx context.Context, companyID, emailDomain string) (*domain.BusinessRecord, error)
	FindMostRecent(ctx context.Context, companyID string) (*domain.BusinessRecord, error)
}

// ThreadUpdateNotifier hands updated thread ids to upstream cache invalidation.
type ThreadUpdateNotifier interface {
	NotifyThreadsUpdated(ctx context.Context, companyID string, threadIDs []string) error
}
