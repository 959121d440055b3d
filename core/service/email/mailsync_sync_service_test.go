package mail

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/service/auth"
	"mailsync_server/internal/testutil"
)

const (
	companyA = "company-a"
	companyB = "company-b"
	recordA  = "a1b2c3d4"
	recordB  = "b2c3d4e5"
	mailboxA = "me@co.com"
	clientA  = "client@x.com"
)

type fixture struct {
	store    *testutil.MemoryStore
	records  *testutil.MemoryRecords
	conns    *testutil.MemoryConnections
	mailbox  *testutil.FakeMailbox
	notifier *testutil.RecordingNotifier
	svc      *SyncService
	base     time.Time
}

func newFixture(t *testing.T, cfg SyncConfig, conns ...domain.MailboxConnection) *fixture {
	t.Helper()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if conns == nil {
		conns = []domain.MailboxConnection{{
			ID: "conn-a", CompanyID: companyA, OwnerID: "owner-a", Email: mailboxA,
			AccessToken: "tok", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
		}}
	}

	f := &fixture{
		store: testutil.NewMemoryStore(),
		records: testutil.NewMemoryRecords(
			domain.BusinessRecord{ID: recordA, CompanyID: companyA, ClientEmail: clientA, Title: "Deck", CreatedAt: base},
			// Newer record: a client or last-resort match would pick it.
			domain.BusinessRecord{ID: recordB, CompanyID: companyA, ClientEmail: "other@y.com", Title: "Fence", CreatedAt: base.Add(time.Hour)},
		),
		conns:    testutil.NewMemoryConnections(conns...),
		mailbox:  testutil.NewFakeMailbox(),
		notifier: testutil.NewRecordingNotifier(),
		base:     base,
	}
	tokens := auth.NewTokenService(f.mailbox, f.conns)
	f.svc = NewSyncService(f.store, f.store, f.conns, f.records, f.mailbox, tokens, nil, f.notifier, cfg)
	return f
}

// seedOutbound stores our opening message in threadID and mirrors it in the mailbox.
func (f *fixture) seedOutbound(companyID, threadID, msgID string) {
	f.store.Seed(domain.ConversationMessage{
		CompanyID:         companyID,
		RecordID:          recordA,
		ProviderMessageID: msgID,
		ProviderThreadID:  threadID,
		Direction:         domain.DirectionOutbound,
		From:              mailboxA,
		To:                []string{clientA},
		Subject:           "Your quote",
		SentAt:            f.base,
	})
	f.mailbox.AddMessage(testutil.RawEmail(msgID, threadID, mailboxA, clientA, "Your quote", "Please see attached.", f.base))
}

func findMessage(msgs []domain.ConversationMessage, providerID string) *domain.ConversationMessage {
	for i := range msgs {
		if msgs[i].ProviderMessageID == providerID {
			return &msgs[i]
		}
	}
	return nil
}

func TestSyncCompanyIngestsInboundReply(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())
	f.seedOutbound(companyA, "T1", "m1")
	f.mailbox.AddMessage(testutil.RawEmail("m2", "T1", "Client <client@x.com>", mailboxA, "Re: Your quote", "Looks good", f.base.Add(time.Hour)))

	result, err := f.svc.SyncCompany(context.Background(), companyA, "owner-a")
	if err != nil {
		t.Fatalf("SyncCompany() error = %v", err)
	}
	if len(result.UpdatedThreadIDs) != 1 || result.UpdatedThreadIDs[0] != "T1" {
		t.Fatalf("UpdatedThreadIDs = %v, want [T1]", result.UpdatedThreadIDs)
	}

	msgs := f.store.Messages(companyA)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	got := findMessage(msgs, "m2")
	if got == nil {
		t.Fatal("m2 not stored")
	}
	if got.Direction != domain.DirectionInbound {
		t.Errorf("Direction = %q, want inbound", got.Direction)
	}
	if got.RecordID != recordA {
		t.Errorf("RecordID = %q, want thread match %q", got.RecordID, recordA)
	}
	if got.IsRead {
		t.Error("inbound message must be stored unread")
	}
	if marked := f.mailbox.MarkedRead(); len(marked) != 1 || marked[0] != "m2" {
		t.Errorf("MarkedRead = %v, want [m2]", marked)
	}
	if threads := f.notifier.Threads(companyA); len(threads) != 1 || threads[0] != "T1" {
		t.Errorf("notified threads = %v", threads)
	}

	cursor, err := f.svc.GetCursor(context.Background(), companyA)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if cursor.LastSyncAt == nil {
		t.Error("cursor last sync not recorded")
	}
	if cursor.LastMessageID != "m2" {
		t.Errorf("LastMessageID = %q, want m2", cursor.LastMessageID)
	}
}

func TestSyncCompanyIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())
	f.seedOutbound(companyA, "T1", "m1")
	f.mailbox.AddMessage(testutil.RawEmail("m2", "T1", clientA, mailboxA, "Re: Your quote", "ok", f.base.Add(time.Hour)))

	if _, err := f.svc.SyncCompany(context.Background(), companyA, "owner-a"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	first, err := f.svc.GetCursor(context.Background(), companyA)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	firstLast := first.LastMessageID

	second, err := f.svc.SyncCompany(context.Background(), companyA, "owner-a")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if len(second.UpdatedThreadIDs) != 0 {
		t.Errorf("second pass updated %v", second.UpdatedThreadIDs)
	}
	if n := len(f.store.Messages(companyA)); n != 2 {
		t.Errorf("stored %d messages after two passes, want 2", n)
	}
	if marked := f.mailbox.MarkedRead(); len(marked) != 1 {
		t.Errorf("MarkedRead = %v, want one call", marked)
	}
	cursor, err := f.svc.GetCursor(context.Background(), companyA)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if firstLast == "" || cursor.LastMessageID != firstLast {
		t.Errorf("LastMessageID = %q after second pass, want %q", cursor.LastMessageID, firstLast)
	}
}

func TestSyncCompanyDirectionAndMarkRead(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())
	f.seedOutbound(companyA, "T1", "m1")
	f.mailbox.AddMessage(testutil.RawEmail("m2", "T1", clientA, mailboxA, "Re: Your quote", "question", f.base.Add(time.Hour)))
	f.mailbox.AddMessage(testutil.RawEmail("m3", "T1", "ME@CO.COM", clientA, "Re: Your quote", "answer", f.base.Add(2*time.Hour)))

	if _, err := f.svc.SyncCompany(context.Background(), companyA, "owner-a"); err != nil {
		t.Fatalf("SyncCompany() error = %v", err)
	}

	msgs := f.store.Messages(companyA)
	tests := []struct {
		id   string
		want domain.Direction
	}{
		{"m2", domain.DirectionInbound},
		{"m3", domain.DirectionOutbound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := findMessage(msgs, tt.id)
			if got == nil {
				t.Fatalf("%s not stored", tt.id)
			}
			if got.Direction != tt.want {
				t.Errorf("Direction = %q, want %q", got.Direction, tt.want)
			}
		})
	}
	if marked := f.mailbox.MarkedRead(); len(marked) != 1 || marked[0] != "m2" {
		t.Errorf("MarkedRead = %v, outbound must not be touched", marked)
	}
}

func TestSyncCompanyDropsNoise(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())
	f.seedOutbound(companyA, "T1", "m1")
	f.mailbox.AddMessage(testutil.RawEmail("m4", "T1", "no-reply@spotify.com", mailboxA, "Your weekly mix", "Re: Quote #"+recordA, f.base.Add(time.Hour)))
	f.mailbox.AddMessage(testutil.RawEmail("m5", "T1", clientA, mailboxA, "Our newsletter", "hi", f.base.Add(2*time.Hour)))

	result, err := f.svc.SyncCompany(context.Background(), companyA, "owner-a")
	if err != nil {
		t.Fatalf("SyncCompany() error = %v", err)
	}
	if len(result.UpdatedThreadIDs) != 0 {
		t.Errorf("UpdatedThreadIDs = %v, want none", result.UpdatedThreadIDs)
	}
	if n := len(f.store.Messages(companyA)); n != 1 {
		t.Errorf("stored %d messages, want only the seed", n)
	}
	if marked := f.mailbox.MarkedRead(); len(marked) != 0 {
		t.Errorf("MarkedRead = %v", marked)
	}
}

func TestSyncCompanyIsolatesThreadFailures(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())
	f.seedOutbound(companyA, "T1", "m1")
	f.seedOutbound(companyA, "T2", "n1")
	f.mailbox.AddMessage(testutil.RawEmail("n2", "T2", clientA, mailboxA, "Re: Your quote", "ok", f.base.Add(time.Hour)))
	f.mailbox.ThreadErrors["T1"] = domain.NewRemoteAPIError(500, "backend error")

	result, err := f.svc.SyncCompany(context.Background(), companyA, "owner-a")
	if err != nil {
		t.Fatalf("SyncCompany() error = %v", err)
	}
	if result.ThreadsChecked != 2 || result.ThreadsFailed != 1 {
		t.Errorf("checked = %d, failed = %d", result.ThreadsChecked, result.ThreadsFailed)
	}
	if len(result.UpdatedThreadIDs) != 1 || result.UpdatedThreadIDs[0] != "T2" {
		t.Errorf("UpdatedThreadIDs = %v, want [T2]", result.UpdatedThreadIDs)
	}
	cursor, _ := f.svc.GetCursor(context.Background(), companyA)
	if cursor == nil || cursor.LastSyncAt == nil {
		t.Error("cursor must advance despite a failed thread")
	}
}

func TestSyncCompanyWithoutConnection(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())

	result, err := f.svc.SyncCompany(context.Background(), "company-without-mailbox", "owner-x")
	if err != nil {
		t.Fatalf("SyncCompany() error = %v", err)
	}
	if len(result.UpdatedThreadIDs) != 0 || result.ThreadsChecked != 0 {
		t.Errorf("result = %+v, want no-op", result)
	}
	cursor, err := f.svc.GetCursor(context.Background(), "company-without-mailbox")
	if err != nil {
		t.Fatalf("cursor should be created lazily: %v", err)
	}
	if !cursor.SyncEnabled {
		t.Error("lazy cursor should default to enabled")
	}
	if cursor.LastSyncAt != nil {
		t.Error("no-op pass must not advance the cursor")
	}
}

func TestSyncCompanyReportsExpiredAuthOnResult(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig(), domain.MailboxConnection{
		ID: "conn-a", CompanyID: companyA, OwnerID: "owner-a", Email: mailboxA,
		AccessToken: "dead", ExpiresAt: time.Now().Add(-time.Hour),
	})
	f.seedOutbound(companyA, "T1", "m1")
	f.seedOutbound(companyA, "T2", "n1")

	result, err := f.svc.SyncCompany(context.Background(), companyA, "owner-a")
	if err != nil {
		t.Fatalf("SyncCompany() error = %v, want failures caught per thread", err)
	}
	if result.ThreadsChecked != 2 || result.ThreadsFailed != 2 {
		t.Errorf("checked = %d, failed = %d, want 2/2", result.ThreadsChecked, result.ThreadsFailed)
	}
	if !strings.Contains(result.Error, "no refresh token") {
		t.Errorf("Error = %q, want the auth failure", result.Error)
	}
	if len(result.UpdatedThreadIDs) != 0 {
		t.Errorf("UpdatedThreadIDs = %v", result.UpdatedThreadIDs)
	}
}

func TestSyncAllIsolatesCompanies(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig(),
		domain.MailboxConnection{
			ID: "conn-a", CompanyID: companyA, OwnerID: "owner-a", Email: mailboxA,
			AccessToken: "tok", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
		},
		domain.MailboxConnection{
			ID: "conn-b", CompanyID: companyB, OwnerID: "owner-b", Email: "ops@b.com",
			AccessToken: "dead", ExpiresAt: time.Now().Add(-time.Hour),
		},
	)
	f.store.PutCursor(*domain.NewSyncCursor(companyA, "owner-a"))
	f.store.PutCursor(*domain.NewSyncCursor(companyB, "owner-b"))
	f.seedOutbound(companyA, "T1", "m1")
	f.seedOutbound(companyB, "TB", "b1")
	f.mailbox.AddMessage(testutil.RawEmail("m2", "T1", clientA, mailboxA, "Re: Your quote", "ok", f.base.Add(time.Hour)))

	results, err := f.svc.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if got := results[companyA]; got == nil || len(got.UpdatedThreadIDs) != 1 || got.Error != "" {
		t.Errorf("company A result = %+v", got)
	}
	if got := results[companyB]; got == nil || got.Error == "" {
		t.Errorf("company B result = %+v, want error recorded", got)
	}
}

func TestSyncDueSkipsRecentlySynced(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())
	now := time.Now()
	recent := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	fresh := domain.NewSyncCursor(companyA, "owner-a")
	fresh.LastSyncAt = &recent
	f.store.PutCursor(*fresh)

	due := domain.NewSyncCursor(companyB, "owner-b")
	due.LastSyncAt = &stale
	f.store.PutCursor(*due)

	disabled := domain.NewSyncCursor("company-c", "owner-c")
	disabled.SyncEnabled = false
	f.store.PutCursor(*disabled)

	results, err := f.svc.SyncDue(context.Background(), now)
	if err != nil {
		t.Fatalf("SyncDue() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %v, want only %s", results, companyB)
	}
	if _, ok := results[companyB]; !ok {
		t.Errorf("expected %s to be synced", companyB)
	}
}

func TestSyncCompanyDiscoversReferencedThreads(t *testing.T) {
	cfg := DefaultSyncConfig()
	cfg.DiscoverRecent = true
	f := newFixture(t, cfg)

	f.mailbox.SetRecent(
		testutil.RawEmail("d1", "T9", "boss@newco.com", mailboxA, "Question about quote #"+recordA, "hi", f.base),
		// Only a last-resort match: never stored by discovery.
		testutil.RawEmail("d2", "T10", "random@elsewhere.com", mailboxA, "Hello", "hi", f.base),
	)

	result, err := f.svc.SyncCompany(context.Background(), companyA, "owner-a")
	if err != nil {
		t.Fatalf("SyncCompany() error = %v", err)
	}
	if len(result.UpdatedThreadIDs) != 1 || result.UpdatedThreadIDs[0] != "T9" {
		t.Errorf("UpdatedThreadIDs = %v, want [T9]", result.UpdatedThreadIDs)
	}
	msgs := f.store.Messages(companyA)
	if got := findMessage(msgs, "d1"); got == nil || got.RecordID != recordA {
		t.Errorf("d1 = %+v, want stored against %s", got, recordA)
	}
	if findMessage(msgs, "d2") != nil {
		t.Error("d2 should not be stored from a low-confidence match")
	}
	if q := f.mailbox.Queries(); len(q) != 1 || q[0] != "newer_than:2d" {
		t.Errorf("queries = %v", q)
	}
}

func TestCheckThreadRequiresConnection(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())

	_, err := f.svc.CheckThread(context.Background(), "nobody", "T1", "")
	if !errors.Is(err, auth.ErrNoConnection) {
		t.Fatalf("err = %v, want ErrNoConnection", err)
	}
}

func TestCheckThreadOrphanedThreadFallsThrough(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())
	f.seedOutbound(companyA, "T1", "m1")
	f.records.Delete(recordA)
	f.mailbox.AddMessage(testutil.RawEmail("m2", "T1", "client@x.com", mailboxA, "Re: quote #"+recordB, "ok", f.base.Add(time.Hour)))

	updated, err := f.svc.CheckThread(context.Background(), companyA, "T1", "owner-a")
	if err != nil {
		t.Fatalf("CheckThread() error = %v", err)
	}
	if !updated {
		t.Fatal("expected the reply to be stored")
	}
	got := findMessage(f.store.Messages(companyA), "m2")
	if got == nil || got.RecordID != recordB {
		t.Errorf("m2 = %+v, want subject match to %s", got, recordB)
	}
}

func TestGetCursorMissing(t *testing.T) {
	f := newFixture(t, DefaultSyncConfig())

	_, err := f.svc.GetCursor(context.Background(), "nobody")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
