package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a missing mailbox connection or cursor. Callers treat it as a skip.
var ErrNotFound = errors.New("not found")

// AuthExpiredError means no usable token exists; the user has to re-authorize.
type AuthExpiredError struct {
	Reason string
}

func (e *AuthExpiredError) Error() string {
	if e.Reason == "" {
		return "mailbox authorization expired"
	}
	return "mailbox authorization expired: " + e.Reason
}

// RemoteAPIError is a non-2xx answer from the mailbox provider.
type RemoteAPIError struct {
	Status    int
	Body      string
	Retryable bool
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("mailbox api error: status %d: %s", e.Status, e.Body)
}

// NewRemoteAPIError sets Retryable for 429 and 5xx.
func NewRemoteAPIError(status int, body string) *RemoteAPIError {
	return &RemoteAPIError{
		Status:    status,
		Body:      body,
		Retryable: status == 429 || status >= 500,
	}
}

func IsAuthExpired(err error) bool {
	var target *AuthExpiredError
	return errors.As(err, &target)
}

func IsRetryable(err error) bool {
	var target *RemoteAPIError
	if errors.As(err, &target) {
		return target.Retryable
	}
	return false
}
