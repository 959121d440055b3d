package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/crypto"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// ConnectionAdapter - mailbox_connections
// =============================================================================

// ConnectionAdapter stores OAuth tokens sealed with a TokenCipher when one is
// configured. Plaintext rows written before encryption was enabled still read.
type ConnectionAdapter struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
}

func NewConnectionAdapter(db *sqlx.DB, cipher *crypto.TokenCipher) *ConnectionAdapter {
	return &ConnectionAdapter{db: db, cipher: cipher}
}

type connectionEntity struct {
	ID           string    `db:"id"`
	CompanyID    string    `db:"company_id"`
	OwnerID      string    `db:"owner_id"`
	Email        string    `db:"email"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

const connectionColumns = `id, company_id, owner_id, email, access_token, refresh_token, expires_at, updated_at`

func (a *ConnectionAdapter) toDomain(e *connectionEntity) (*domain.MailboxConnection, error) {
	access, err := a.decrypt(e.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := a.decrypt(e.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &domain.MailboxConnection{
		ID:           e.ID,
		CompanyID:    e.CompanyID,
		OwnerID:      e.OwnerID,
		Email:        e.Email,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    e.ExpiresAt,
		UpdatedAt:    e.UpdatedAt,
	}, nil
}

func (a *ConnectionAdapter) GetByCompany(ctx context.Context, companyID, ownerID string) (*domain.MailboxConnection, error) {
	var (
		entity connectionEntity
		err    error
	)
	if ownerID != "" {
		query := `SELECT ` + connectionColumns + ` FROM mailbox_connections WHERE company_id = $1 AND owner_id = $2`
		err = a.db.GetContext(ctx, &entity, query, companyID, ownerID)
	} else {
		query := `SELECT ` + connectionColumns + ` FROM mailbox_connections WHERE company_id = $1 ORDER BY updated_at DESC LIMIT 1`
		err = a.db.GetContext(ctx, &entity, query, companyID)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mailbox connection: %w", err)
	}
	return a.toDomain(&entity)
}

func (a *ConnectionAdapter) UpdateTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := a.encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := a.encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	query := `
		UPDATE mailbox_connections SET
			access_token = $2,
			refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
			expires_at = $4,
			updated_at = NOW()
		WHERE id = $1`
	result, err := a.db.ExecContext(ctx, query, connectionID, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("mailbox connection %s: %w", connectionID, domain.ErrNotFound)
	}
	return nil
}

func (a *ConnectionAdapter) encrypt(value string) (string, error) {
	if a.cipher == nil || value == "" {
		return value, nil
	}
	return a.cipher.Seal(value)
}

func (a *ConnectionAdapter) decrypt(value string) (string, error) {
	if a.cipher == nil || value == "" {
		return value, nil
	}
	return a.cipher.Open(value)
}
