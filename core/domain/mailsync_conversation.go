package domain

import (
	"time"
)

// =============================================================================
// Mailbox Connection
// =============================================================================

// MailboxConnection holds the OAuth credentials of one connected mailbox.
// There is one per (owner, company).
type MailboxConnection struct {
	ID           string    `json:"id" db:"id"`
	CompanyID    string    `json:"company_id" db:"company_id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Email        string    `json:"email" db:"email"`
	AccessToken  string    `json:"-" db:"access_token"`
	RefreshToken string    `json:"-" db:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// HasRefreshToken reports whether the connection can be refreshed without the user.
func (c *MailboxConnection) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// =============================================================================
// Sync Cursor
// =============================================================================

const DefaultSyncFrequencyMinutes = 15

// SyncCursor is the per-company bookkeeping of the last sync pass.
type SyncCursor struct {
	ID                   string     `json:"id"`
	CompanyID            string     `json:"company_id"`
	UserID               string     `json:"user_id"`
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`
	LastMessageID        string     `json:"last_message_id,omitempty"`
	SyncEnabled          bool       `json:"sync_enabled"`
	SyncFrequencyMinutes int        `json:"sync_frequency_minutes"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// NewSyncCursor returns a cursor with the default settings.
func NewSyncCursor(companyID, userID string) *SyncCursor {
	now := time.Now()
	return &SyncCursor{
		CompanyID:            companyID,
		UserID:               userID,
		SyncEnabled:          true,
		SyncFrequencyMinutes: DefaultSyncFrequencyMinutes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// IsDue reports whether a scheduled pass should run for this cursor at now.
func (c *SyncCursor) IsDue(now time.Time) bool {
	if !c.SyncEnabled {
		return false
	}
	if c.LastSyncAt == nil {
		return true
	}
	freq := c.SyncFrequencyMinutes
	if freq <= 0 {
		freq = DefaultSyncFrequencyMinutes
	}
	return !c.LastSyncAt.Add(time.Duration(freq) * time.Minute).After(now)
}

// =============================================================================
// Conversation Message
// =============================================================================

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ConversationMessage is one ingested email. A provider message id is
// stored at most once per company.
type ConversationMessage struct {
	ID                string       `json:"id"`
	CompanyID         string       `json:"company_id"`
	RecordID          string       `json:"record_id"`
	ProviderMessageID string       `json:"provider_message_id"`
	ProviderThreadID  string       `json:"provider_thread_id"`
	Direction         Direction    `json:"direction"`
	From              string       `json:"from"`
	To                []string     `json:"to"`
	Cc                []string     `json:"cc,omitempty"`
	Bcc               []string     `json:"bcc,omitempty"`
	Subject           string       `json:"subject"`
	Body              string       `json:"body"`
	Attachments       []Attachment `json:"attachments"`
	Labels            []string     `json:"labels"`
	IsRead            bool         `json:"is_read"`
	SentAt            time.Time    `json:"sent_at"`
	CreatedAt         time.Time    `json:"created_at"`
}

// DirectionFor classifies a sender against the connected mailbox address.
func DirectionFor(from, mailboxEmail string) Direction {
	if mailboxEmail != "" && equalFoldTrim(from, mailboxEmail) {
		return DirectionOutbound
	}
	return DirectionInbound
}

// NewConversationMessage builds the row persisted for a matched email.
func NewConversationMessage(email *ParsedEmail, companyID, recordID string, direction Direction) *ConversationMessage {
	attachments := email.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	return &ConversationMessage{
		CompanyID:         companyID,
		RecordID:          recordID,
		ProviderMessageID: email.ID,
		ProviderThreadID:  email.ThreadID,
		Direction:         direction,
		From:              email.From,
		To:                email.To,
		Cc:                email.Cc,
		Bcc:               email.Bcc,
		Subject:           email.Subject,
		Body:              email.Body,
		Attachments:       attachments,
		Labels:            email.Labels,
		IsRead:            false,
		SentAt:            email.SentAt,
	}
}

// =============================================================================
// Business Record
// =============================================================================

// BusinessRecord is the read-only projection of a quote used for matching.
type BusinessRecord struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"company_id"`
	ClientEmail string    `json:"client_email"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// =============================================================================
// Sync Result
// =============================================================================

// SyncResult summarizes one company pass.
type SyncResult struct {
	CompanyID        string   `json:"company_id"`
	UpdatedThreadIDs []string `json:"updated_thread_ids"`
	ThreadsChecked   int      `json:"threads_checked"`
	ThreadsFailed    int      `json:"threads_failed"`
	Error            string   `json:"error,omitempty"`
}
