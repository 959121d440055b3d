package domain

import "strings"

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

type MatchStrategy string

const (
	StrategyThread  MatchStrategy = "thread"
	StrategySubject MatchStrategy = "subject"
	StrategyClient  MatchStrategy = "client"
	StrategyBody    MatchStrategy = "body"
)

// MatchResult is produced per email and consumed immediately.
// RecordID is nil when nothing matched.
type MatchResult struct {
	RecordID   *string       `json:"record_id"`
	Confidence Confidence    `json:"confidence"`
	Strategy   MatchStrategy `json:"strategy,omitempty"`
	Reasoning  string        `json:"reasoning"`
}

const NoMatchReasoning = "No match found"

// NoMatch is the result returned when no strategy yields a record.
func NoMatch() MatchResult {
	return MatchResult{Confidence: ConfidenceLow, Reasoning: NoMatchReasoning}
}

func (r MatchResult) Matched() bool {
	return r.RecordID != nil && *r.RecordID != ""
}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
