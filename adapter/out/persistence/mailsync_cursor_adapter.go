package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// CursorAdapter - sync_cursors
// =============================================================================

type CursorAdapter struct {
	db *sqlx.DB
}

func NewCursorAdapter(db *sqlx.DB) *CursorAdapter {
	return &CursorAdapter{db: db}
}

type cursorEntity struct {
	ID                   string         `db:"id"`
	CompanyID            string         `db:"company_id"`
	UserID               string         `db:"user_id"`
	LastSyncAt           sql.NullTime   `db:"last_sync_at"`
	LastMessageID        sql.NullString `db:"last_message_id"`
	SyncEnabled          bool           `db:"sync_enabled"`
	SyncFrequencyMinutes int            `db:"sync_frequency_minutes"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

const cursorColumns = `id, company_id, user_id, last_sync_at, last_message_id,
	sync_enabled, sync_frequency_minutes, created_at, updated_at`

func (e *cursorEntity) toDomain() *domain.SyncCursor {
	cursor := &domain.SyncCursor{
		ID:                   e.ID,
		CompanyID:            e.CompanyID,
		UserID:               e.UserID,
		SyncEnabled:          e.SyncEnabled,
		SyncFrequencyMinutes: e.SyncFrequencyMinutes,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
	if e.LastSyncAt.Valid {
		t := e.LastSyncAt.Time
		cursor.LastSyncAt = &t
	}
	if e.LastMessageID.Valid {
		cursor.LastMessageID = e.LastMessageID.String
	}
	return cursor
}

func (a *CursorAdapter) GetByCompany(ctx context.Context, companyID string) (*domain.SyncCursor, error) {
	var entity cursorEntity
	query := `SELECT ` + cursorColumns + ` FROM sync_cursors WHERE company_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, companyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return entity.toDomain(), nil
}

func (a *CursorAdapter) EnsureCursor(ctx context.Context, companyID, userID string) (*domain.SyncCursor, error) {
	query := `
		INSERT INTO sync_cursors (company_id, user_id, sync_enabled, sync_frequency_minutes)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (company_id) DO NOTHING`
	if _, err := a.db.ExecContext(ctx, query, companyID, userID, domain.DefaultSyncFrequencyMinutes); err != nil {
		return nil, fmt.Errorf("failed to create sync cursor: %w", err)
	}

	cursor, err := a.GetByCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		return nil, fmt.Errorf("sync cursor for company %s: %w", companyID, domain.ErrNotFound)
	}
	return cursor, nil
}

func (a *CursorAdapter) ListEnabled(ctx context.Context) ([]*domain.SyncCursor, error) {
	var entities []cursorEntity
	query := `SELECT ` + cursorColumns + ` FROM sync_cursors WHERE sync_enabled = TRUE ORDER BY last_sync_at ASC NULLS FIRST`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, fmt.Errorf("failed to list sync cursors: %w", err)
	}

	cursors := make([]*domain.SyncCursor, 0, len(entities))
	for i := range entities {
		cursors = append(cursors, entities[i].toDomain())
	}
	return cursors, nil
}

func (a *CursorAdapter) UpdateCursor(ctx context.Context, companyID string, syncedAt time.Time, lastMessageID string) error {
	query := `
		UPDATE sync_cursors SET
			last_sync_at = $2,
			last_message_id = COALESCE(NULLIF($3, ''), last_message_id),
			updated_at = NOW()
		WHERE company_id = $1`
	result, err := a.db.ExecContext(ctx, query, companyID, syncedAt, lastMessageID)
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("sync cursor for company %s: %w", companyID, domain.ErrNotFound)
	}
	return nil
}
