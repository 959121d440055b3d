package mail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/core/service/classification"
	"mailsync_server/core/service/matching"
	"mailsync_server/core/service/parsing"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"

	"github.com/go-pkgz/pool"
	"golang.org/x/oauth2"
)

// =============================================================================
// SyncService - mailbox reconciliation passes
// =============================================================================

// SyncConfig tunes a SyncService.
type SyncConfig struct {
	// Concurrency bounds how many companies sync at once.
	Concurrency int

	// DiscoverRecent also scans the mailbox for recent messages outside the
	// known outbound threads. Only high-confidence matches are kept.
	DiscoverRecent     bool
	DiscoverWindowDays int
	DiscoverMax        int64
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Concurrency:        4,
		DiscoverWindowDays: 2,
		DiscoverMax:        50,
	}
}

type SyncService struct {
	store    out.ConversationStore
	cursors  out.CursorRepository
	conns    out.MailboxConnectionRepository
	provider out.MailboxProvider
	tokens   *auth.TokenService
	resolver *matching.Resolver
	filter   *classification.NoiseFilter
	notifier out.ThreadUpdateNotifier
	counters *metrics.SyncCounters
	cfg      SyncConfig
	now      func() time.Time
}

var _ in.SyncUseCase = (*SyncService)(nil)

func NewSyncService(
	store out.ConversationStore,
	cursors out.CursorRepository,
	conns out.MailboxConnectionRepository,
	records out.RecordLookup,
	provider out.MailboxProvider,
	tokens *auth.TokenService,
	filter *classification.NoiseFilter,
	notifier out.ThreadUpdateNotifier,
	cfg SyncConfig,
) *SyncService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DiscoverWindowDays < 1 {
		cfg.DiscoverWindowDays = 1
	}
	if cfg.DiscoverMax < 1 {
		cfg.DiscoverMax = 50
	}
	if filter == nil {
		filter = classification.NewNoiseFilter(nil, nil)
	}
	return &SyncService{
		store:    store,
		cursors:  cursors,
		conns:    conns,
		provider: provider,
		tokens:   tokens,
		resolver: matching.NewResolver(store, records),
		filter:   filter,
		notifier: notifier,
		counters: metrics.Counters(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// =============================================================================
// SyncAll / SyncDue
// =============================================================================

// SyncAll runs a pass for every company with sync enabled. A failing company
// is reported in its SyncResult and never stops the others.
func (s *SyncService) SyncAll(ctx context.Context) (map[string]*domain.SyncResult, error) {
	cursors, err := s.cursors.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sync cursors: %w", err)
	}
	return s.syncCursors(ctx, cursors)
}

// SyncDue runs a pass for enabled companies whose sync interval has elapsed.
func (s *SyncService) SyncDue(ctx context.Context, now time.Time) (map[string]*domain.SyncResult, error) {
	cursors, err := s.cursors.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sync cursors: %w", err)
	}

	var due []*domain.SyncCursor
	for _, c := range cursors {
		if c.IsDue(now) {
			due = append(due, c)
		}
	}
	return s.syncCursors(ctx, due)
}

// companyWorker runs SyncCompany for each cursor submitted to the pool.
type companyWorker struct {
	svc     *SyncService
	mu      sync.Mutex
	results map[string]*domain.SyncResult
}

func (w *companyWorker) Do(ctx context.Context, cursor *domain.SyncCursor) error {
	result, err := w.svc.SyncCompany(ctx, cursor.CompanyID, cursor.UserID)
	if result == nil {
		result = &domain.SyncResult{CompanyID: cursor.CompanyID, UpdatedThreadIDs: []string{}}
	}
	if err != nil {
		result.Error = err.Error()
		logger.WithField("company_id", cursor.CompanyID).WithError(err).
			Error("[SyncService.SyncAll] company pass failed")
	}

	w.mu.Lock()
	w.results[cursor.CompanyID] = result
	w.mu.Unlock()
	return nil
}

func (s *SyncService) syncCursors(ctx context.Context, cursors []*domain.SyncCursor) (map[string]*domain.SyncResult, error) {
	worker := &companyWorker{svc: s, results: make(map[string]*domain.SyncResult, len(cursors))}
	if len(cursors) == 0 {
		return worker.results, nil
	}

	start := time.Now()
	p := pool.New[*domain.SyncCursor](s.cfg.Concurrency, worker).WithContinueOnError()
	if err := p.Go(ctx); err != nil {
		return nil, fmt.Errorf("start sync pool: %w", err)
	}
	for _, c := range cursors {
		p.Submit(c)
	}
	if err := p.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("[SyncService.syncCursors] pool closed with error")
	}

	logger.WithDuration(time.Since(start)).
		Info("[SyncService.syncCursors] synced %d/%d companies", len(worker.results), len(cursors))
	if err := ctx.Err(); err != nil {
		return worker.results, err
	}
	return worker.results, nil
}

// =============================================================================
// SyncCompany
// =============================================================================

// SyncCompany checks every outbound thread of the company for new messages.
// A company without a mailbox connection is a no-op. The cursor's last sync
// time advances at the end of every completed pass, even when nothing changed.
func (s *SyncService) SyncCompany(ctx context.Context, companyID, ownerID string) (*domain.SyncResult, error) {
	result := &domain.SyncResult{CompanyID: companyID, UpdatedThreadIDs: []string{}}
	log := logger.WithField("company_id", companyID)
	start := time.Now()
	s.counters.Passes.Add(1)

	if _, err := s.cursors.EnsureCursor(ctx, companyID, ownerID); err != nil {
		return result, fmt.Errorf("ensure sync cursor: %w", err)
	}

	conn, err := s.connection(ctx, companyID, ownerID)
	if err != nil {
		return result, err
	}
	if conn == nil {
		log.Debug("[SyncService.SyncCompany] no mailbox connection, skipping")
		return result, nil
	}

	threadIDs, err := s.store.ListOutboundThreadIDs(ctx, companyID)
	if err != nil {
		return result, fmt.Errorf("list outbound threads: %w", err)
	}

	pass := &passState{}
	var authErr error
	for _, threadID := range threadIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.ThreadsChecked++
		updated, err := s.checkThread(ctx, conn, threadID, pass)
		if err != nil {
			result.ThreadsFailed++
			s.counters.ThreadErrors.Add(1)
			log.WithField("thread_id", threadID).WithError(err).
				Warn("[SyncService.SyncCompany] thread check failed")
			if domain.IsAuthExpired(err) && authErr == nil {
				authErr = err
			}
			continue
		}
		if updated {
			result.UpdatedThreadIDs = append(result.UpdatedThreadIDs, threadID)
		}
	}

	if authErr == nil && s.cfg.DiscoverRecent {
		for _, threadID := range s.discoverRecent(ctx, conn, pass) {
			if !contains(result.UpdatedThreadIDs, threadID) {
				result.UpdatedThreadIDs = append(result.UpdatedThreadIDs, threadID)
			}
		}
	}

	if err := s.cursors.UpdateCursor(ctx, companyID, s.now(), pass.lastMessageID); err != nil {
		log.WithError(err).Error("[SyncService.SyncCompany] failed to update sync cursor")
	}

	if len(result.UpdatedThreadIDs) > 0 && s.notifier != nil {
		if err := s.notifier.NotifyThreadsUpdated(ctx, companyID, result.UpdatedThreadIDs); err != nil {
			log.WithError(err).Warn("[SyncService.SyncCompany] failed to publish updated threads")
		}
	}

	log.WithDuration(time.Since(start)).
		Info("[SyncService.SyncCompany] checked %d threads, %d updated, %d failed",
			result.ThreadsChecked, len(result.UpdatedThreadIDs), result.ThreadsFailed)

	if authErr != nil {
		// Reported on the result; the caller decides whether to reconnect.
		result.Error = authErr.Error()
	}
	return result, nil
}

// connection prefers the owner's mailbox and falls back to the company's
// most recently updated one.
func (s *SyncService) connection(ctx context.Context, companyID, ownerID string) (*domain.MailboxConnection, error) {
	conn, err := s.conns.GetByCompany(ctx, companyID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load mailbox connection: %w", err)
	}
	if conn == nil && ownerID != "" {
		conn, err = s.conns.GetByCompany(ctx, companyID, "")
		if err != nil {
			return nil, fmt.Errorf("load mailbox connection: %w", err)
		}
	}
	return conn, nil
}

// =============================================================================
// CheckThread
// =============================================================================

// passState carries what one pass learns across threads.
type passState struct {
	lastMessageID string
	lastSentAt    time.Time
}

func (p *passState) observe(msg *domain.ConversationMessage) {
	if p.lastMessageID == "" || !msg.SentAt.Before(p.lastSentAt) {
		p.lastMessageID = msg.ProviderMessageID
		p.lastSentAt = msg.SentAt
	}
}

// CheckThread ingests the messages of one thread that are not stored yet and
// reports whether any was persisted.
func (s *SyncService) CheckThread(ctx context.Context, companyID, threadID, ownerID string) (bool, error) {
	conn, err := s.connection(ctx, companyID, ownerID)
	if err != nil {
		return false, err
	}
	if conn == nil {
		return false, fmt.Errorf("company %s: %w", companyID, auth.ErrNoConnection)
	}
	return s.checkThread(ctx, conn, threadID, &passState{})
}

func (s *SyncService) checkThread(ctx context.Context, conn *domain.MailboxConnection, threadID string, pass *passState) (bool, error) {
	s.counters.Threads.Add(1)

	token, err := s.tokens.ValidToken(ctx, conn)
	if err != nil {
		return false, err
	}

	raws, err := s.provider.FetchThreadMessages(ctx, token, threadID)
	if err != nil {
		return false, fmt.Errorf("fetch thread %s: %w", threadID, err)
	}

	fresh, err := s.delta(ctx, conn.CompanyID, raws)
	if err != nil {
		return false, err
	}

	updated := false
	// Sequential: later messages must see earlier inserts for thread matching.
	for i := range fresh {
		inserted, err := s.ingest(ctx, conn, token, fresh[i], false, pass)
		if err != nil {
			return updated, err
		}
		updated = updated || inserted
	}
	return updated, nil
}

// delta drops messages already stored for the company and orders the rest
// oldest first.
func (s *SyncService) delta(ctx context.Context, companyID string, raws []domain.RawMessage) ([]domain.RawMessage, error) {
	if len(raws) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(raws))
	for _, r := range raws {
		ids = append(ids, r.ID)
	}
	stored, err := s.store.AlreadyHas(ctx, companyID, ids)
	if err != nil {
		return nil, fmt.Errorf("check stored messages: %w", err)
	}

	fresh := make([]domain.RawMessage, 0, len(raws))
	for _, r := range raws {
		if _, ok := stored[r.ID]; !ok {
			fresh = append(fresh, r)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].InternalDate < fresh[j].InternalDate
	})
	return fresh, nil
}

// ingest runs decode, filter, resolve and persist for one message. Filtered
// and unmatched messages are dropped without error.
func (s *SyncService) ingest(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token, raw domain.RawMessage, highOnly bool, pass *passState) (bool, error) {
	email := parsing.Decode(raw)

	if reason := s.filter.Reason(&email); reason != classification.ReasonNone {
		s.counters.Filtered.Add(1)
		logger.Debug("[SyncService.ingest] message %s filtered (%s)", email.ID, reason)
		return false, nil
	}

	match, err := s.resolver.Resolve(ctx, &email, conn.CompanyID)
	if err != nil {
		return false, fmt.Errorf("resolve message %s: %w", email.ID, err)
	}
	if !match.Matched() || (highOnly && match.Confidence != domain.ConfidenceHigh) {
		s.counters.Unmatched.Add(1)
		logger.Debug("[SyncService.ingest] message %s unmatched: %s", email.ID, match.Reasoning)
		return false, nil
	}

	direction := domain.DirectionFor(email.From, conn.Email)
	msg := domain.NewConversationMessage(&email, conn.CompanyID, *match.RecordID, direction)

	inserted, err := s.store.Persist(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("persist message %s: %w", email.ID, err)
	}
	if !inserted {
		// Another pass stored it first.
		s.counters.Duplicates.Add(1)
		return false, nil
	}

	s.counters.Persisted.Add(1)
	pass.observe(msg)
	logger.WithFields(map[string]any{
		"company_id": conn.CompanyID,
		"message_id": email.ID,
		"record_id":  msg.RecordID,
		"strategy":   string(match.Strategy),
		"direction":  string(direction),
	}).Debug("[SyncService.ingest] stored message")

	if direction == domain.DirectionInbound {
		if err := s.provider.MarkRead(ctx, token, email.ID); err != nil {
			s.counters.MarkReadFails.Add(1)
			logger.WithError(err).Warn("[SyncService.ingest] mark read failed for %s", email.ID)
		}
	}
	return true, nil
}

// =============================================================================
// Recent discovery
// =============================================================================

// discoverRecent feeds recent mailbox messages through the same pipeline so
// new threads started by a client that quote a record id are picked up.
func (s *SyncService) discoverRecent(ctx context.Context, conn *domain.MailboxConnection, pass *passState) []string {
	log := logger.WithField("company_id", conn.CompanyID)

	token, err := s.tokens.ValidToken(ctx, conn)
	if err != nil {
		log.WithError(err).Warn("[SyncService.discoverRecent] no token")
		return nil
	}

	query := fmt.Sprintf("newer_than:%dd", s.cfg.DiscoverWindowDays)
	raws, err := s.provider.FetchRecentMessages(ctx, token, s.cfg.DiscoverMax, query)
	if err != nil {
		log.WithError(err).Warn("[SyncService.discoverRecent] listing recent messages failed")
		return nil
	}

	fresh, err := s.delta(ctx, conn.CompanyID, raws)
	if err != nil {
		log.WithError(err).Warn("[SyncService.discoverRecent] delta failed")
		return nil
	}

	var threads []string
	for i := range fresh {
		inserted, err := s.ingest(ctx, conn, token, fresh[i], true, pass)
		if err != nil {
			log.WithError(err).Warn("[SyncService.discoverRecent] message %s failed", fresh[i].ID)
			continue
		}
		if inserted && !contains(threads, fresh[i].ThreadID) {
			threads = append(threads, fresh[i].ThreadID)
		}
	}
	return threads
}

// =============================================================================
// Cursor
// =============================================================================

// GetCursor returns the company's cursor or domain.ErrNotFound.
func (s *SyncService) GetCursor(ctx context.Context, companyID string) (*domain.SyncCursor, error) {
	cursor, err := s.cursors.GetByCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		return nil, fmt.Errorf("sync cursor for company %s: %w", companyID, domain.ErrNotFound)
	}
	return cursor, nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
