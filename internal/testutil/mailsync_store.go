// Package testutil holds in-memory implementations of the outbound ports for tests.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mailsync_server/core/domain"

	"github.com/google/uuid"
)

// MemoryStore implements out.ConversationStore and out.CursorRepository.
// Persist enforces the (company, provider message id) uniqueness the database does.
type MemoryStore struct {
	mu       sync.Mutex
	messages []*domain.ConversationMessage
	cursors  map[string]*domain.SyncCursor

	// Err, when set, is returned by every call.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]*domain.SyncCursor)}
}

func (s *MemoryStore) AlreadyHas(ctx context.Context, companyID string, ids []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	found := make(map[string]struct{})
	for _, m := range s.messages {
		if m.CompanyID != companyID {
			continue
		}
		if _, ok := want[m.ProviderMessageID]; ok {
			found[m.ProviderMessageID] = struct{}{}
		}
	}
	return found, nil
}

func (s *MemoryStore) Persist(ctx context.Context, msg *domain.ConversationMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	for _, m := range s.messages {
		if m.CompanyID == msg.CompanyID && m.ProviderMessageID == msg.ProviderMessageID {
			return false, nil
		}
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, &stored)
	msg.ID = stored.ID
	return true, nil
}

func (s *MemoryStore) ListOutboundThreadIDs(ctx context.Context, companyID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var ids []string
	seen := make(map[string]struct{})
	for _, m := range s.messages {
		if m.CompanyID != companyID || m.Direction != domain.DirectionOutbound || m.ProviderThreadID == "" {
			continue
		}
		if _, ok := seen[m.ProviderThreadID]; ok {
			continue
		}
		seen[m.ProviderThreadID] = struct{}{}
		ids = append(ids, m.ProviderThreadID)
	}
	return ids, nil
}

func (s *MemoryStore) FindLatestInThread(ctx context.Context, companyID, threadID string) (*domain.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var latest *domain.ConversationMessage
	for _, m := range s.messages {
		if m.CompanyID != companyID || m.ProviderThreadID != threadID {
			continue
		}
		if latest == nil || !m.SentAt.Before(latest.SentAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// Messages returns copies of the stored messages for a company in insertion order.
func (s *MemoryStore) Messages(companyID string) []domain.ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ConversationMessage
	for _, m := range s.messages {
		if m.CompanyID == companyID {
			out = append(out, *m)
		}
	}
	return out
}

// Seed stores msg without the uniqueness check.
func (s *MemoryStore) Seed(msg domain.ConversationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.messages = append(s.messages, &msg)
}

// =============================================================================
// Cursors
// =============================================================================

func (s *MemoryStore) GetByCompany(ctx context.Context, companyID string) (*domain.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.cursors[companyID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) EnsureCursor(ctx context.Context, companyID, userID string) (*domain.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.cursors[companyID]
	if !ok {
		c = domain.NewSyncCursor(companyID, userID)
		c.ID = uuid.NewString()
		s.cursors[companyID] = c
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListEnabled(ctx context.Context) ([]*domain.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*domain.SyncCursor
	for _, c := range s.cursors {
		if c.SyncEnabled {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyID < out[j].CompanyID })
	return out, nil
}

func (s *MemoryStore) UpdateCursor(ctx context.Context, companyID string, syncedAt time.Time, lastMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.cursors[companyID]
	if !ok {
		return domain.ErrNotFound
	}
	t := syncedAt
	c.LastSyncAt = &t
	if lastMessageID != "" {
		c.LastMessageID = lastMessageID
	}
	c.UpdatedAt = syncedAt
	return nil
}

// PutCursor replaces the stored cursor for cursor.CompanyID.
func (s *MemoryStore) PutCursor(cursor domain.SyncCursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor.ID == "" {
		cursor.ID = uuid.NewString()
	}
	s.cursors[cursor.CompanyID] = &cursor
}

// =============================================================================
// Records
// =============================================================================

// MemoryRecords implements out.RecordLookup.
type MemoryRecords struct {
	mu      sync.Mutex
	records []domain.BusinessRecord

	// Lookups counts every finder call.
	Lookups int
}

func NewMemoryRecords(records ...domain.BusinessRecord) *MemoryRecords {
	return &MemoryRecords{records: records}
}

func (r *MemoryRecords) Add(rec domain.BusinessRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *MemoryRecords) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.records[:0]
	for _, rec := range r.records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	r.records = kept
}

func (r *MemoryRecords) find(companyID string, match func(domain.BusinessRecord) bool) *domain.BusinessRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lookups++
	var best *domain.BusinessRecord
	for i := range r.records {
		rec := r.records[i]
		if rec.CompanyID != companyID || !match(rec) {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			best = &rec
		}
	}
	return best
}

func (r *MemoryRecords) FindByID(ctx context.Context, companyID, recordID string) (*domain.BusinessRecord, error) {
	return r.find(companyID, func(rec domain.BusinessRecord) bool { return rec.ID == recordID }), nil
}

func (r *MemoryRecords) FindByClientEmail(ctx context.Context, companyID, email string) (*domain.BusinessRecord, error) {
	return r.find(companyID, func(rec domain.BusinessRecord) bool { return strings.EqualFold(rec.ClientEmail, email) }), nil
}

func (r *MemoryRecords) FindByClientDomain(ctx context.Context, companyID, emailDomain string) (*domain.BusinessRecord, error) {
	return r.find(companyID, func(rec domain.BusinessRecord) bool {
		return strings.Contains(strings.ToLower(rec.ClientEmail), strings.ToLower(emailDomain))
	}), nil
}

func (r *MemoryRecords) FindMostRecent(ctx context.Context, companyID string) (*domain.BusinessRecord, error) {
	return r.find(companyID, func(domain.BusinessRecord) bool { return true }), nil
}

// =============================================================================
// Connections
// =============================================================================

// MemoryConnections implements out.MailboxConnectionRepository.
type MemoryConnections struct {
	mu    sync.Mutex
	conns map[string]*domain.MailboxConnection

	TokenUpdates int
}

func NewMemoryConnections(conns ...domain.MailboxConnection) *MemoryConnections {
	m := &MemoryConnections{conns: make(map[string]*domain.MailboxConnection)}
	for i := range conns {
		c := conns[i]
		m.conns[c.ID] = &c
	}
	return m
}

func (m *MemoryConnections) GetByCompany(ctx context.Context, companyID, ownerID string) (*domain.MailboxConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.MailboxConnection
	for _, c := range m.conns {
		if c.CompanyID != companyID || (ownerID != "" && c.OwnerID != ownerID) {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryConnections) UpdateTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connectionID]
	if !ok {
		return domain.ErrNotFound
	}
	c.AccessToken = accessToken
	if refreshToken != "" {
		c.RefreshToken = refreshToken
	}
	c.ExpiresAt = expiresAt
	c.UpdatedAt = time.Now()
	m.TokenUpdates++
	return nil
}
