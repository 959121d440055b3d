package classification

import (
	"testing"

	"mailsync_server/core/domain"
)

func TestNoiseFilter(t *testing.T) {
	filter := NewNoiseFilter([]string{"Promo.Example"}, []string{"Flash Sale"})

	tests := []struct {
		name       string
		email      *domain.ParsedEmail
		wantPass   bool
		wantReason string
	}{
		{
			name:     "client reply passes",
			email:    &domain.ParsedEmail{From: "client@x.com", Subject: "Re: Quote #abc123", Labels: []string{"INBOX", "UNREAD"}},
			wantPass: true,
		},
		{
			name:       "spam label rejects",
			email:      &domain.ParsedEmail{From: "client@x.com", Subject: "Re: Quote", Labels: []string{"SPAM"}},
			wantReason: ReasonSystemLabel,
		},
		{
			name:       "draft label rejects",
			email:      &domain.ParsedEmail{From: "me@co.com", Subject: "Quote", Labels: []string{"DRAFT"}},
			wantReason: ReasonSystemLabel,
		},
		{
			name:       "trash label case-insensitive",
			email:      &domain.ParsedEmail{From: "client@x.com", Labels: []string{"trash"}},
			wantReason: ReasonSystemLabel,
		},
		{
			name:       "marketing domain rejects",
			email:      &domain.ParsedEmail{From: "noreply@spotify.com", Subject: "Your receipt", Body: "quote #abc123"},
			wantReason: ReasonMarketingFrom,
		},
		{
			name:       "marketing subdomain rejects",
			email:      &domain.ParsedEmail{From: "hello@news.linkedin.com", Subject: "New jobs"},
			wantReason: ReasonMarketingFrom,
		},
		{
			name:     "short client domain passes",
			email:    &domain.ParsedEmail{From: "dana@x.com", Subject: "Order confirmation for quote #9f2c"},
			wantPass: true,
		},
		{
			name:       "twitter domain rejects",
			email:      &domain.ParsedEmail{From: "notify@twitter.com", Subject: "You have new followers"},
			wantReason: ReasonMarketingFrom,
		},
		{
			name:     "lookalike domain passes",
			email:    &domain.ParsedEmail{From: "ceo@notspotify.com", Subject: "Quote question"},
			wantPass: true,
		},
		{
			name:       "extra domain rejects",
			email:      &domain.ParsedEmail{From: "a@promo.example", Subject: "hi"},
			wantReason: ReasonMarketingFrom,
		},
		{
			name:       "promo keyword rejects",
			email:      &domain.ParsedEmail{From: "team@vendor.io", Subject: "Our March NEWSLETTER"},
			wantReason: ReasonPromoSubject,
		},
		{
			name:       "password reset rejects",
			email:      &domain.ParsedEmail{From: "it@vendor.io", Subject: "Password Reset requested"},
			wantReason: ReasonPromoSubject,
		},
		{
			name:       "extra keyword rejects",
			email:      &domain.ParsedEmail{From: "team@vendor.io", Subject: "flash sale today"},
			wantReason: ReasonPromoSubject,
		},
		{
			name:       "label checked before domain",
			email:      &domain.ParsedEmail{From: "noreply@spotify.com", Labels: []string{"SPAM"}},
			wantReason: ReasonSystemLabel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filter.ShouldProcess(tt.email); got != tt.wantPass {
				t.Errorf("ShouldProcess() = %v, want %v", got, tt.wantPass)
			}
			if got := filter.Reason(tt.email); got != tt.wantReason {
				t.Errorf("Reason() = %q, want %q", got, tt.wantReason)
			}
		})
	}
}
