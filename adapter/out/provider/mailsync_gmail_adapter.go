// Package provider implements the Gmail mailbox adapter.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailUser = "me"

	// tokenRefreshMargin is how early an access token is refreshed.
	tokenRefreshMargin = 5 * time.Minute

	defaultCallTimeout      = 30 * time.Second
	defaultFetchConcurrency = 8
)

var _ out.MailboxProvider = (*GmailAdapter)(nil)

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// FetchConcurrency bounds parallel detail fetches.
	FetchConcurrency int

	// Endpoint and TokenURL override Google's URLs. Used by tests.
	Endpoint   string
	TokenURL   string
	HTTPClient *http.Client
}

// GmailAdapter implements out.MailboxProvider for Gmail.
type GmailAdapter struct {
	config      *oauth2.Config
	httpClient  *http.Client
	endpoint    string
	callTimeout time.Duration
	concurrency int
	cb          *gobreaker.CircuitBreaker
	latency     *metrics.LatencyRegistry
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gmail.GmailModifyScope},
		Endpoint:     endpoint,
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httputil.GmailClient()
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,                // requests allowed while half-open
		Interval:    60 * time.Second, // closed-state counter reset
		Timeout:     30 * time.Second, // open-state duration
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		config:      config,
		httpClient:  httpClient,
		endpoint:    cfg.Endpoint,
		callTimeout: callTimeout,
		concurrency: concurrency,
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		latency:     metrics.GlobalRegistry(),
	}
}

// =============================================================================
// Authentication
// =============================================================================

// RefreshToken exchanges a refresh token for a new access token.
func (a *GmailAdapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &domain.AuthExpiredError{Reason: "no refresh token"}
	}

	var token *oauth2.Token
	err := a.call(ctx, "oauth.refresh", func(ctx context.Context) error {
		src := a.config.TokenSource(a.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
		t, err := src.Token()
		if err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// GetValidToken returns the stored token while it is outside the refresh
// margin. Without a refresh token an expired token fails with
// AuthExpiredError and no request is made.
func (a *GmailAdapter) GetValidToken(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) (*oauth2.Token, error) {
	current := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       expiresAt,
	}
	if accessToken != "" && time.Until(expiresAt) >= tokenRefreshMargin {
		return current, nil
	}
	if refreshToken == "" {
		if accessToken == "" || !time.Now().Before(expiresAt) {
			return nil, &domain.AuthExpiredError{Reason: "access token expired and no refresh token available"}
		}
		return current, nil
	}
	return a.RefreshToken(ctx, refreshToken)
}

// =============================================================================
// Read
// =============================================================================

// FetchThreadMessages returns the messages of a thread in provider order.
func (a *GmailAdapter) FetchThreadMessages(ctx context.Context, token *oauth2.Token, threadID string) ([]domain.RawMessage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var thread *gmail.Thread
	err = a.call(ctx, "gmail.threads.get", func(ctx context.Context) error {
		t, err := svc.Users.Threads.Get(gmailUser, threadID).Format("full").Context(ctx).Do()
		thread = t
		return err
	})
	if err != nil {
		return nil, err
	}

	messages := make([]domain.RawMessage, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		messages = append(messages, convertMessage(m))
	}
	return messages, nil
}

// FetchRecentMessages lists message ids matching query and fetches each one.
// Individual fetch failures are skipped unless every fetch fails.
func (a *GmailAdapter) FetchRecentMessages(ctx context.Context, token *oauth2.Token, maxResults int64, query string) ([]domain.RawMessage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var refs []*gmail.Message
	err = a.call(ctx, "gmail.messages.list", func(ctx context.Context) error {
		call := svc.Users.Messages.List(gmailUser).Context(ctx)
		if maxResults > 0 {
			call = call.MaxResults(maxResults)
		}
		if query != "" {
			call = call.Q(query)
		}
		resp, err := call.Do()
		if err != nil {
			return err
		}
		refs = resp.Messages
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}

	results := make([]*domain.RawMessage, len(refs))
	var (
		mu       sync.Mutex
		firstErr error
		failed   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, ref := range refs {
		id := ref.Id
		g.Go(func() error {
			msg, err := a.getMessage(gctx, svc, id)
			if err != nil {
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				logger.WithError(err).Warn("[GmailAdapter.FetchRecentMessages] skipping message %s", id)
				return nil
			}
			results[i] = msg
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failed == len(refs) {
		return nil, firstErr
	}

	messages := make([]domain.RawMessage, 0, len(refs)-failed)
	for _, m := range results {
		if m != nil {
			messages = append(messages, *m)
		}
	}
	return messages, nil
}

// GetMessageDetails fetches one message with its full part tree.
func (a *GmailAdapter) GetMessageDetails(ctx context.Context, token *oauth2.Token, messageID string) (*domain.RawMessage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}
	return a.getMessage(ctx, svc, messageID)
}

func (a *GmailAdapter) getMessage(ctx context.Context, svc *gmail.Service, messageID string) (*domain.RawMessage, error) {
	var msg *gmail.Message
	err := a.call(ctx, "gmail.messages.get", func(ctx context.Context) error {
		m, err := svc.Users.Messages.Get(gmailUser, messageID).Format("full").Context(ctx).Do()
		msg = m
		return err
	})
	if err != nil {
		return nil, err
	}
	raw := convertMessage(msg)
	return &raw, nil
}

// =============================================================================
// Modify
// =============================================================================

// MarkRead removes the UNREAD label.
func (a *GmailAdapter) MarkRead(ctx context.Context, token *oauth2.Token, messageID string) error {
	return a.modifyLabels(ctx, token, messageID, nil, []string{"UNREAD"})
}

func (a *GmailAdapter) modifyLabels(ctx context.Context, token *oauth2.Token, messageID string, addLabels, removeLabels []string) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    addLabels,
		RemoveLabelIds: removeLabels,
	}
	return a.call(ctx, "gmail.messages.modify", func(ctx context.Context) error {
		_, err := svc.Users.Messages.Modify(gmailUser, messageID, req).Context(ctx).Do()
		return err
	})
}

// =============================================================================
// Internal Helpers
// =============================================================================

// clientContext makes the oauth2 package use the pooled client.
func (a *GmailAdapter) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// getService builds a service bound to token. Refresh is handled by
// GetValidToken so the stored token stays authoritative.
func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if token == nil || token.AccessToken == "" {
		return nil, &domain.AuthExpiredError{Reason: "missing access token"}
	}

	client := oauth2.NewClient(a.clientContext(ctx), oauth2.StaticTokenSource(token))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// call runs fn under the per-call timeout and the circuit breaker, records
// its latency and maps the error into the domain taxonomy.
func (a *GmailAdapter) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	start := time.Now()
	err := a.executeWithCircuitBreaker(operation, func() error { return fn(callCtx) })
	a.latency.Record(operation, time.Since(start))

	if err != nil {
		return wrapError(operation, err)
	}
	return nil
}

// executeWithCircuitBreaker runs fn inside the breaker.
func (a *GmailAdapter) executeWithCircuitBreaker(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		logger.Debug("[GmailAdapter] %s failed: breaker=%s err=%v", operation, a.cb.State().String(), err)
	}
	return err
}

// isBreakerSuccess keeps client errors other than 429 from tripping the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	status := statusOf(err)
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// CircuitState reports the breaker state for health output.
func (a *GmailAdapter) CircuitState() string {
	return a.cb.State().String()
}

func statusOf(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil {
		return rErr.Response.StatusCode
	}
	return 0
}

func wrapError(operation string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.RemoteAPIError{Status: http.StatusServiceUnavailable, Body: "gmail circuit breaker open", Retryable: true}
	}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		body := string(rErr.Body)
		if isTokenExpiredError(body) || (rErr.Response != nil && rErr.Response.StatusCode == http.StatusUnauthorized) {
			return &domain.AuthExpiredError{Reason: strings.TrimSpace(body)}
		}
		status := http.StatusBadGateway
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		return domain.NewRemoteAPIError(status, body)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		body := apiErr.Message
		if body == "" {
			body = apiErr.Body
		}
		remote := domain.NewRemoteAPIError(apiErr.Code, body)
		if apiErr.Code == http.StatusForbidden && strings.Contains(apiErr.Message, "Rate Limit") {
			remote.Retryable = true
		}
		return remote
	}

	if isTokenExpiredError(err.Error()) {
		return &domain.AuthExpiredError{Reason: err.Error()}
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func isTokenExpiredError(msg string) bool {
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "invalid_client") ||
		strings.Contains(msg, "Token has been expired or revoked")
}

// =============================================================================
// Conversion
// =============================================================================

func convertMessage(msg *gmail.Message) domain.RawMessage {
	raw := domain.RawMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
	}
	if msg.Payload != nil {
		raw.Payload = convertPart(msg.Payload)
	}
	return raw
}

func convertPart(part *gmail.MessagePart) domain.RawPart {
	p := domain.RawPart{
		PartID:   part.PartId,
		MimeType: part.MimeType,
		Filename: part.Filename,
	}
	for _, h := range part.Headers {
		if h != nil {
			p.Headers = append(p.Headers, domain.RawHeader{Name: h.Name, Value: h.Value})
		}
	}
	if part.Body != nil {
		p.Body = domain.RawBody{
			AttachmentID: part.Body.AttachmentId,
			Data:         part.Body.Data,
			Size:         part.Body.Size,
		}
	}
	for _, child := range part.Parts {
		if child != nil {
			p.Parts = append(p.Parts, convertPart(child))
		}
	}
	return p
}
