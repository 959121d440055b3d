package out

import (
	"context"
	"time"

	"mailsync_server/core/domain"

	"golang.org/x/oauth2"
)

// MailboxProvider is the remote mailbox API. Pure I/O, no business logic.
type MailboxProvider interface {
	// Token management
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	GetValidToken(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) (*oauth2.Token, error)

	// Read
	FetchThreadMessages(ctx context.Context, token *oauth2.Token, threadID string) ([]domain.RawMessage, error)
	FetchRecentMessages(ctx context.Context, token *oauth2.Token, maxResults int64, query string) ([]domain.RawMessage, error)
	GetMessageDetails(ctx context.Context, token *oauth2.Token, messageID string) (*domain.RawMessage, error)

	// Modify
	MarkRead(ctx context.Context, token *oauth2.Token, messageID string) error
}
