package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailsync_server/core/domain"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// RecordAdapter - read-only view over quotes
// =============================================================================

type RecordAdapter struct {
	db *sqlx.DB
}

func NewRecordAdapter(db *sqlx.DB) *RecordAdapter {
	return &RecordAdapter{db: db}
}

type recordEntity struct {
	ID          string    `db:"id"`
	CompanyID   string    `db:"company_id"`
	ClientEmail string    `db:"client_email"`
	Title       string    `db:"title"`
	CreatedAt   time.Time `db:"created_at"`
}

const recordColumns = `id, company_id, client_email, title, created_at`

func (e *recordEntity) toDomain() *domain.BusinessRecord {
	return &domain.BusinessRecord{
		ID:          e.ID,
		CompanyID:   e.CompanyID,
		ClientEmail: e.ClientEmail,
		Title:       e.Title,
		CreatedAt:   e.CreatedAt,
	}
}

// FindByID compares on the text form so partial or malformed references
// pulled out of a subject line miss instead of failing the uuid cast.
func (a *RecordAdapter) FindByID(ctx context.Context, companyID, recordID string) (*domain.BusinessRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM quotes WHERE company_id = $1 AND id::text = $2`
	return a.getOne(ctx, query, companyID, strings.ToLower(recordID))
}

func (a *RecordAdapter) FindByClientEmail(ctx context.Context, companyID, email string) (*domain.BusinessRecord, error) {
	query := `
		SELECT ` + recordColumns + ` FROM quotes
		WHERE company_id = $1 AND LOWER(client_email) = LOWER($2)
		ORDER BY created_at DESC
		LIMIT 1`
	return a.getOne(ctx, query, companyID, strings.TrimSpace(email))
}

func (a *RecordAdapter) FindByClientDomain(ctx context.Context, companyID, emailDomain string) (*domain.BusinessRecord, error) {
	emailDomain = strings.TrimSpace(emailDomain)
	if emailDomain == "" {
		return nil, nil
	}
	query := `
		SELECT ` + recordColumns + ` FROM quotes
		WHERE company_id = $1 AND client_email ILIKE '%' || $2 || '%'
		ORDER BY created_at DESC
		LIMIT 1`
	return a.getOne(ctx, query, companyID, emailDomain)
}

func (a *RecordAdapter) FindMostRecent(ctx context.Context, companyID string) (*domain.BusinessRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM quotes WHERE company_id = $1 ORDER BY created_at DESC LIMIT 1`
	return a.getOne(ctx, query, companyID)
}

func (a *RecordAdapter) getOne(ctx context.Context, query string, args ...interface{}) (*domain.BusinessRecord, error) {
	var entity recordEntity
	if err := a.db.GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	return entity.toDomain(), nil
}
