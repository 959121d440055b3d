// Package classification decides which mailbox messages are worth ingesting.
package classification

import (
	"strings"

	"mailsync_server/core/domain"
)

// =============================================================================
// Noise Filter
// =============================================================================

// Rejection reasons returned by Reason.
const (
	ReasonNone          = ""
	ReasonSystemLabel   = "label"
	ReasonMarketingFrom = "domain"
	ReasonPromoSubject  = "subject"
)

var skipLabels = map[string]struct{}{
	"SPAM":  {},
	"TRASH": {},
	"DRAFT": {},
}

var defaultMarketingDomains = []string{
	// === Streaming & Entertainment ===
	"spotify.com",
	"netflix.com",
	"youtube.com",
	// === Social ===
	"facebookmail.com",
	"linkedin.com",
	"twitter.com",
	"instagram.com",
	"pinterest.com",
	// === Email Marketing Platforms ===
	"mailchimp.com",
	"mailchimpapp.net",
	"mcsv.net",
	"sendgrid.net",
	"constantcontact.com",
	"hubspotemail.net",
	"klaviyomail.com",
	"mailgun.org",
	"substack.com",
	// === Shopping ===
	"amazon.com",
	"ebay.com",
	"groupon.com",
}

var defaultPromoKeywords = []string{
	"newsletter",
	"unsubscribe",
	"password reset",
	"verify your email",
	"special offer",
	"limited time",
	"% off",
	"webinar",
	"promotion",
	"deal of the day",
}

// NoiseFilter rejects messages that should never be ingested. Every rule is an
// independent OR: one match rejects. It favours precision over recall.
type NoiseFilter struct {
	domains  map[string]struct{}
	keywords []string
}

// NewNoiseFilter builds the filter with the built-in lists plus any extras.
func NewNoiseFilter(extraDomains, extraKeywords []string) *NoiseFilter {
	f := &NoiseFilter{domains: make(map[string]struct{})}
	for _, d := range append(append([]string{}, defaultMarketingDomains...), extraDomains...) {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			f.domains[d] = struct{}{}
		}
	}
	for _, k := range append(append([]string{}, defaultPromoKeywords...), extraKeywords...) {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			f.keywords = append(f.keywords, k)
		}
	}
	return f
}

// ShouldProcess reports whether the email passes every rule.
func (f *NoiseFilter) ShouldProcess(email *domain.ParsedEmail) bool {
	return f.Reason(email) == ReasonNone
}

// Reason returns the first rule that rejects the email, or ReasonNone.
func (f *NoiseFilter) Reason(email *domain.ParsedEmail) string {
	if email == nil {
		return ReasonSystemLabel
	}
	for _, label := range email.Labels {
		if _, ok := skipLabels[strings.ToUpper(label)]; ok {
			return ReasonSystemLabel
		}
	}
	if f.isMarketingDomain(strings.ToLower(email.SenderDomain())) {
		return ReasonMarketingFrom
	}
	subject := strings.ToLower(email.Subject)
	for _, k := range f.keywords {
		if strings.Contains(subject, k) {
			return ReasonPromoSubject
		}
	}
	return ReasonNone
}

// isMarketingDomain matches exactly or as a subdomain (news.spotify.com -> spotify.com).
func (f *NoiseFilter) isMarketingDomain(senderDomain string) bool {
	if senderDomain == "" {
		return false
	}
	if _, ok := f.domains[senderDomain]; ok {
		return true
	}
	for known := range f.domains {
		if strings.HasSuffix(senderDomain, "."+known) {
			return true
		}
	}
	return false
}
