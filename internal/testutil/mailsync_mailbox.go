package testutil

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"mailsync_server/core/domain"

	"golang.org/x/oauth2"
)

// FakeMailbox implements out.MailboxProvider over in-memory threads.
type FakeMailbox struct {
	mu       sync.Mutex
	threads  map[string][]domain.RawMessage
	recent   []domain.RawMessage
	marked   []string
	queries  []string
	refreshN atomic.Int32

	// ThreadErrors fails FetchThreadMessages for the given thread ids.
	ThreadErrors map[string]error
	// RefreshErr is returned by RefreshToken.
	RefreshErr error
	// RefreshDelay slows RefreshToken down to expose duplicate refreshes.
	RefreshDelay time.Duration
}

func NewFakeMailbox() *FakeMailbox {
	return &FakeMailbox{
		threads:      make(map[string][]domain.RawMessage),
		ThreadErrors: make(map[string]error),
	}
}

// AddMessage appends msg to its thread.
func (f *FakeMailbox) AddMessage(msg domain.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[msg.ThreadID] = append(f.threads[msg.ThreadID], msg)
}

// SetRecent sets what FetchRecentMessages returns.
func (f *FakeMailbox) SetRecent(msgs ...domain.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent = msgs
}

// MarkedRead returns the ids passed to MarkRead in call order.
func (f *FakeMailbox) MarkedRead() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

// Queries returns the queries passed to FetchRecentMessages.
func (f *FakeMailbox) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// Refreshes counts RefreshToken calls.
func (f *FakeMailbox) Refreshes() int {
	return int(f.refreshN.Load())
}

func (f *FakeMailbox) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.refreshN.Add(1)
	if f.RefreshDelay > 0 {
		time.Sleep(f.RefreshDelay)
	}
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	return &oauth2.Token{
		AccessToken:  "refreshed-" + refreshToken,
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (f *FakeMailbox) GetValidToken(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) (*oauth2.Token, error) {
	if time.Until(expiresAt) >= 5*time.Minute {
		return &oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken, Expiry: expiresAt}, nil
	}
	if refreshToken == "" {
		if time.Now().After(expiresAt) {
			return nil, &domain.AuthExpiredError{Reason: "no refresh token"}
		}
		return &oauth2.Token{AccessToken: accessToken, Expiry: expiresAt}, nil
	}
	return f.RefreshToken(ctx, refreshToken)
}

func (f *FakeMailbox) FetchThreadMessages(ctx context.Context, token *oauth2.Token, threadID string) ([]domain.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ThreadErrors[threadID]; err != nil {
		return nil, err
	}
	msgs, ok := f.threads[threadID]
	if !ok {
		return nil, domain.NewRemoteAPIError(404, "thread not found")
	}
	return append([]domain.RawMessage(nil), msgs...), nil
}

func (f *FakeMailbox) FetchRecentMessages(ctx context.Context, token *oauth2.Token, maxResults int64, query string) ([]domain.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	msgs := f.recent
	if maxResults > 0 && int64(len(msgs)) > maxResults {
		msgs = msgs[:maxResults]
	}
	return append([]domain.RawMessage(nil), msgs...), nil
}

func (f *FakeMailbox) GetMessageDetails(ctx context.Context, token *oauth2.Token, messageID string) (*domain.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msgs := range f.threads {
		for i := range msgs {
			if msgs[i].ID == messageID {
				m := msgs[i]
				return &m, nil
			}
		}
	}
	return nil, domain.NewRemoteAPIError(404, "message not found")
}

func (f *FakeMailbox) MarkRead(ctx context.Context, token *oauth2.Token, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, messageID)
	return nil
}

// RawEmail builds a single-part text/plain provider message.
func RawEmail(id, threadID, from, to, subject, body string, sentAt time.Time) domain.RawMessage {
	return domain.RawMessage{
		ID:           id,
		ThreadID:     threadID,
		LabelIDs:     []string{"INBOX", "UNREAD"},
		InternalDate: sentAt.UnixMilli(),
		Payload: domain.RawPart{
			MimeType: "text/plain",
			Headers: []domain.RawHeader{
				{Name: "From", Value: from},
				{Name: "To", Value: to},
				{Name: "Subject", Value: subject},
			},
			Body: domain.RawBody{Data: base64.URLEncoding.EncodeToString([]byte(body))},
		},
	}
}

// =============================================================================
// Notifier
// =============================================================================

// RecordingNotifier implements out.ThreadUpdateNotifier.
type RecordingNotifier struct {
	mu    sync.Mutex
	calls map[string][]string
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{calls: make(map[string][]string)}
}

func (n *RecordingNotifier) NotifyThreadsUpdated(ctx context.Context, companyID string, threadIDs []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[companyID] = append(n.calls[companyID], threadIDs...)
	return nil
}

// Threads returns every thread id notified for the company.
func (n *RecordingNotifier) Threads(companyID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls[companyID]...)
}
