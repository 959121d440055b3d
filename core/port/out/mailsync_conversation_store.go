package out

import (
	"context"
	"time"

	"mailsync_server/core/domain"
)

// ConversationStore persists matched messages.
type ConversationStore interface {
	// AlreadyHas returns the subset of ids already stored for the company.
	AlreadyHas(ctx context.Context, companyID string, providerMessageIDs []string) (map[string]struct{}, error)

	// Persist inserts the message unless its provider id is already stored
	// for the company. inserted is false on conflict.
	Persist(ctx context.Context, msg *domain.ConversationMessage) (inserted bool, err error)

	ListOutboundThreadIDs(ctx context.Context, companyID string) ([]string, error)

	// FindLatestInThread returns nil, nil when the thread has no stored message.
	FindLatestInThread(ctx context.Context, companyID, threadID string) (*domain.ConversationMessage, error)
}

// CursorRepository stores one SyncCursor per company.
type CursorRepository interface {
	GetByCompany(ctx context.Context, companyID string) (*domain.SyncCursor, error)
	// EnsureCursor creates the cursor with defaults when absent and returns the stored row.
	EnsureCursor(ctx context.Context, companyID, userID string) (*domain.SyncCursor, error)
	ListEnabled(ctx context.Context) ([]*domain.SyncCursor, error)
	// UpdateCursor keeps the stored last message id when lastMessageID is empty.
	UpdateCursor(ctx context.Context, companyID string, syncedAt time.Time, lastMessageID string) error
}
