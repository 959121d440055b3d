// Package matching maps parsed emails to business records.
package matching

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// recordRefPattern captures a record-id shaped token after "quote".
var recordRefPattern = regexp.MustCompile(`(?i)quote\s*#?([a-f0-9-]+)`)

// ThreadLookup is the part of the conversation store the resolver reads.
type ThreadLookup interface {
	FindLatestInThread(ctx context.Context, companyID, threadID string) (*domain.ConversationMessage, error)
}

// strategyFunc returns the matched record id (empty when none) and the reasoning.
type strategyFunc func(ctx context.Context, email *domain.ParsedEmail, companyID string) (string, string, error)

type strategy struct {
	name       domain.MatchStrategy
	confidence domain.Confidence
	fn         strategyFunc
}

// Resolver evaluates strategies in priority order and stops at the first hit.
type Resolver struct {
	threads    ThreadLookup
	records    out.RecordLookup
	strategies []strategy
}

func NewResolver(threads ThreadLookup, records out.RecordLookup) *Resolver {
	r := &Resolver{threads: threads, records: records}
	r.strategies = []strategy{
		{domain.StrategyThread, domain.ConfidenceHigh, r.matchThread},
		{domain.StrategySubject, domain.ConfidenceHigh, r.matchSubject},
		{domain.StrategyClient, domain.ConfidenceMedium, r.matchClient},
		{domain.StrategyBody, domain.ConfidenceLow, r.matchBody},
	}
	return r
}

// Strategies returns the evaluation order.
func (r *Resolver) Strategies() []domain.MatchStrategy {
	names := make([]domain.MatchStrategy, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.name
	}
	return names
}

// Resolve returns the first strategy's match or NoMatch. Lookup errors propagate.
func (r *Resolver) Resolve(ctx context.Context, email *domain.ParsedEmail, companyID string) (domain.MatchResult, error) {
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return domain.MatchResult{}, err
		}
		recordID, reasoning, err := s.fn(ctx, email, companyID)
		if err != nil {
			return domain.MatchResult{}, fmt.Errorf("%s strategy: %w", s.name, err)
		}
		if recordID == "" {
			continue
		}
		return domain.MatchResult{
			RecordID:   &recordID,
			Confidence: s.confidence,
			Strategy:   s.name,
			Reasoning:  reasoning,
		}, nil
	}
	return domain.NoMatch(), nil
}

// =============================================================================
// Strategies
// =============================================================================

func (r *Resolver) matchThread(ctx context.Context, email *domain.ParsedEmail, companyID string) (string, string, error) {
	if email.ThreadID == "" {
		return "", "", nil
	}
	prev, err := r.threads.FindLatestInThread(ctx, companyID, email.ThreadID)
	if err != nil {
		return "", "", err
	}
	if prev == nil || prev.RecordID == "" {
		return "", "", nil
	}
	// A deleted record must not be reused.
	record, err := r.records.FindByID(ctx, companyID, prev.RecordID)
	if err != nil {
		return "", "", err
	}
	if record == nil {
		return "", "", nil
	}
	return record.ID, fmt.Sprintf("Thread %s already linked to record %s", email.ThreadID, record.ID), nil
}

func (r *Resolver) matchSubject(ctx context.Context, email *domain.ParsedEmail, companyID string) (string, string, error) {
	id, err := r.findReferencedRecord(ctx, email.Subject, companyID)
	if err != nil || id == "" {
		return "", "", err
	}
	return id, fmt.Sprintf("Subject references record %s", id), nil
}

func (r *Resolver) matchClient(ctx context.Context, email *domain.ParsedEmail, companyID string) (string, string, error) {
	if from := strings.ToLower(strings.TrimSpace(email.From)); from != "" {
		record, err := r.records.FindByClientEmail(ctx, companyID, from)
		if err != nil {
			return "", "", err
		}
		if record != nil {
			return record.ID, fmt.Sprintf("Sender %s is the client of record %s", from, record.ID), nil
		}

		if senderDomain := email.SenderDomain(); senderDomain != "" {
			record, err = r.records.FindByClientDomain(ctx, companyID, strings.ToLower(senderDomain))
			if err != nil {
				return "", "", err
			}
			if record != nil {
				return record.ID, fmt.Sprintf("Sender domain %s matches client of record %s", senderDomain, record.ID), nil
			}
		}
	}

	record, err := r.records.FindMostRecent(ctx, companyID)
	if err != nil {
		return "", "", err
	}
	if record == nil {
		return "", "", nil
	}
	return record.ID, fmt.Sprintf("LAST RESORT: no sender match, assigned to most recently created record %s", record.ID), nil
}

func (r *Resolver) matchBody(ctx context.Context, email *domain.ParsedEmail, companyID string) (string, string, error) {
	id, err := r.findReferencedRecord(ctx, email.Body, companyID)
	if err != nil || id == "" {
		return "", "", err
	}
	return id, fmt.Sprintf("Body references record %s", id), nil
}

// findReferencedRecord resolves the reference token in text against the company's records.
func (r *Resolver) findReferencedRecord(ctx context.Context, text, companyID string) (string, error) {
	ref := ExtractRecordRef(text)
	if ref == "" {
		return "", nil
	}
	record, err := r.records.FindByID(ctx, companyID, ref)
	if err != nil || record == nil {
		return "", err
	}
	return record.ID, nil
}

// ExtractRecordRef returns the lower-cased token of the first "quote" reference
// in text. Later references are ignored.
func ExtractRecordRef(text string) string {
	m := recordRefPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.Trim(m[1], "-"))
}
