package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAsAppError(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"plain error", base, CodeInternalError, http.StatusInternalServerError},
		{"app error", NotFound("cursor"), CodeNotFound, http.StatusNotFound},
		{"wrapped app error", fmt.Errorf("handler: %w", ErrRateLimited), CodeRateLimited, http.StatusTooManyRequests},
		{"auth expired", MailboxAuthExpired(base), CodeMailboxAuthExpired, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsAppError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if GetHTTPStatus(tt.err) != tt.wantStatus {
				t.Errorf("status = %d, want %d", GetHTTPStatus(tt.err), tt.wantStatus)
			}
		})
	}
}

func TestWithDetailDoesNotMutateShared(t *testing.T) {
	derived := ErrSyncPending.WithDetail("retry_after", 30)
	if derived.Details["retry_after"] != 30 {
		t.Errorf("details = %v", derived.Details)
	}
	if ErrSyncPending.Details != nil {
		t.Errorf("shared error mutated: %v", ErrSyncPending.Details)
	}
	wrapped := ErrUnauthorized.WithError(errors.New("bad signature"))
	if ErrUnauthorized.Err != nil || wrapped.Err == nil {
		t.Errorf("WithError mutated the shared error")
	}
}
