package domain

import "time"

// ParsedEmail is the normalized form of a provider message.
type ParsedEmail struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	From        string       `json:"from"`
	FromName    string       `json:"from_name,omitempty"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
	Labels      []string     `json:"labels"`
	SentAt      time.Time    `json:"sent_at"`
}

// SenderDomain returns the lower-cased domain of From, or "".
func (e *ParsedEmail) SenderDomain() string {
	for i := len(e.From) - 1; i >= 0; i-- {
		if e.From[i] == '@' {
			return e.From[i+1:]
		}
	}
	return ""
}

// Attachment metadata. Size is not populated by the decoder.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// =============================================================================
// Raw provider message (format=full)
// =============================================================================

type RawHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type RawBody struct {
	AttachmentID string `json:"attachmentId,omitempty"`
	Data         string `json:"data,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

type RawPart struct {
	PartID   string      `json:"partId,omitempty"`
	MimeType string      `json:"mimeType"`
	Filename string      `json:"filename,omitempty"`
	Headers  []RawHeader `json:"headers,omitempty"`
	Body     RawBody     `json:"body"`
	Parts    []RawPart   `json:"parts,omitempty"`
}

type RawMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds,omitempty"`
	Snippet      string   `json:"snippet,omitempty"`
	InternalDate int64    `json:"internalDate,omitempty"`
	Payload      RawPart  `json:"payload"`
}
