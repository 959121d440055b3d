package auth

import (
	"context"
	"errors"
	"fmt"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var ErrNoConnection = errors.New("mailbox connection not found")

// TokenService hands out valid access tokens for mailbox connections.
// Refreshes for one connection are single-flight: concurrent callers share
// the result of one refresh instead of racing the provider.
type TokenService struct {
	provider out.MailboxProvider
	conns    out.MailboxConnectionRepository
	flight   singleflight.Group
}

func NewTokenService(provider out.MailboxProvider, conns out.MailboxConnectionRepository) *TokenService {
	return &TokenService{provider: provider, conns: conns}
}

// ValidToken returns a token for conn, refreshing and persisting it when it
// expires within the safety margin.
func (s *TokenService) ValidToken(ctx context.Context, conn *domain.MailboxConnection) (*oauth2.Token, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}

	v, err, shared := s.flight.Do(conn.ID, func() (interface{}, error) {
		current := conn
		// A flight that just finished may have stored a fresh token.
		if latest, err := s.conns.GetByCompany(ctx, conn.CompanyID, conn.OwnerID); err == nil && latest != nil && latest.ID == conn.ID {
			current = latest
		}

		token, err := s.provider.GetValidToken(ctx, current.AccessToken, current.RefreshToken, current.ExpiresAt)
		if err != nil {
			return nil, err
		}

		if token.AccessToken != current.AccessToken {
			if err := s.conns.UpdateTokens(ctx, current.ID, token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
				// The token is still usable for this pass.
				logger.WithError(err).Warn("[TokenService.ValidToken] failed to persist refreshed token for connection %s", current.ID)
			} else {
				logger.Debug("[TokenService.ValidToken] token refreshed for connection %s", current.ID)
			}
		}
		return token, nil
	})
	if err != nil {
		if domain.IsAuthExpired(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get valid token for connection %s: %w", conn.ID, err)
	}
	if shared {
		logger.Debug("[TokenService.ValidToken] shared in-flight refresh for connection %s", conn.ID)
	}
	return v.(*oauth2.Token), nil
}
