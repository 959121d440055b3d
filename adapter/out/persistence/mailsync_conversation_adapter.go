package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// ConversationAdapter - conversation_messages
// =============================================================================

type ConversationAdapter struct {
	db *sqlx.DB
}

func NewConversationAdapter(db *sqlx.DB) *ConversationAdapter {
	return &ConversationAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type conversationEntity struct {
	ID                string         `db:"id"`
	CompanyID         string         `db:"company_id"`
	RecordID          string         `db:"record_id"`
	ProviderMessageID string         `db:"provider_message_id"`
	ProviderThreadID  string         `db:"provider_thread_id"`
	Direction         string         `db:"direction"`
	FromAddress       string         `db:"from_address"`
	ToAddresses       pq.StringArray `db:"to_addresses"`
	CcAddresses       pq.StringArray `db:"cc_addresses"`
	BccAddresses      pq.StringArray `db:"bcc_addresses"`
	Subject           string         `db:"subject"`
	Body              string         `db:"body"`
	Attachments       []byte         `db:"attachments"`
	Labels            pq.StringArray `db:"labels"`
	IsRead            bool           `db:"is_read"`
	SentAt            sql.NullTime   `db:"sent_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

const conversationColumns = `id, company_id, record_id, provider_message_id, provider_thread_id, direction,
	from_address, to_addresses, cc_addresses, bcc_addresses, subject, body, attachments, labels,
	is_read, sent_at, created_at`

func (e *conversationEntity) toDomain() *domain.ConversationMessage {
	msg := &domain.ConversationMessage{
		ID:                e.ID,
		CompanyID:         e.CompanyID,
		RecordID:          e.RecordID,
		ProviderMessageID: e.ProviderMessageID,
		ProviderThreadID:  e.ProviderThreadID,
		Direction:         domain.Direction(e.Direction),
		From:              e.FromAddress,
		To:                []string(e.ToAddresses),
		Cc:                []string(e.CcAddresses),
		Bcc:               []string(e.BccAddresses),
		Subject:           e.Subject,
		Body:              e.Body,
		Labels:            []string(e.Labels),
		IsRead:            e.IsRead,
		CreatedAt:         e.CreatedAt,
		Attachments:       []domain.Attachment{},
	}
	if e.SentAt.Valid {
		msg.SentAt = e.SentAt.Time
	}
	if len(e.Attachments) > 0 {
		// A corrupt attachments column must not hide the message itself.
		_ = json.Unmarshal(e.Attachments, &msg.Attachments)
	}
	return msg
}

// =============================================================================
// ConversationStore
// =============================================================================

func (a *ConversationAdapter) AlreadyHas(ctx context.Context, companyID string, providerMessageIDs []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(providerMessageIDs) == 0 {
		return found, nil
	}

	var ids []string
	query := `
		SELECT provider_message_id FROM conversation_messages
		WHERE company_id = $1 AND provider_message_id = ANY($2)`
	if err := a.db.SelectContext(ctx, &ids, query, companyID, pq.Array(providerMessageIDs)); err != nil {
		return nil, fmt.Errorf("failed to query stored messages: %w", err)
	}
	for _, id := range ids {
		found[id] = struct{}{}
	}
	return found, nil
}

func (a *ConversationAdapter) Persist(ctx context.Context, msg *domain.ConversationMessage) (bool, error) {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return false, fmt.Errorf("failed to encode attachments: %w", err)
	}

	var sentAt sql.NullTime
	if !msg.SentAt.IsZero() {
		sentAt = sql.NullTime{Time: msg.SentAt, Valid: true}
	}

	query := `
		INSERT INTO conversation_messages (
			company_id, record_id, provider_message_id, provider_thread_id, direction,
			from_address, to_addresses, cc_addresses, bcc_addresses, subject, body,
			attachments, labels, is_read, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (company_id, provider_message_id) DO NOTHING
		RETURNING id, created_at`

	var row struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	err = a.db.QueryRowxContext(ctx, query,
		msg.CompanyID, msg.RecordID, msg.ProviderMessageID, msg.ProviderThreadID, string(msg.Direction),
		msg.From, pq.Array(nonNil(msg.To)), nullArray(msg.Cc), nullArray(msg.Bcc), msg.Subject, msg.Body,
		attachmentsJSON, pq.Array(nonNil(msg.Labels)), msg.IsRead, sentAt,
	).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert conversation message: %w", err)
	}

	msg.ID = row.ID
	msg.CreatedAt = row.CreatedAt
	return true, nil
}

func (a *ConversationAdapter) ListOutboundThreadIDs(ctx context.Context, companyID string) ([]string, error) {
	var ids []string
	query := `
		SELECT provider_thread_id FROM conversation_messages
		WHERE company_id = $1 AND direction = 'outbound'
		GROUP BY provider_thread_id
		ORDER BY MAX(sent_at) DESC NULLS LAST, provider_thread_id`
	if err := a.db.SelectContext(ctx, &ids, query, companyID); err != nil {
		return nil, fmt.Errorf("failed to list outbound threads: %w", err)
	}
	return ids, nil
}

func (a *ConversationAdapter) FindLatestInThread(ctx context.Context, companyID, threadID string) (*domain.ConversationMessage, error) {
	var entity conversationEntity
	query := `SELECT ` + conversationColumns + `
		FROM conversation_messages
		WHERE company_id = $1 AND provider_thread_id = $2
		ORDER BY sent_at DESC NULLS LAST, created_at DESC
		LIMIT 1`
	if err := a.db.GetContext(ctx, &entity, query, companyID, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load thread message: %w", err)
	}
	return entity.toDomain(), nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nullArray(values []string) interface{} {
	if values == nil {
		return nil
	}
	return pq.Array(values)
}
