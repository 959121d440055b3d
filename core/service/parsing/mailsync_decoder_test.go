package parsing

import (
	"encoding/base64"
	"testing"
	"time"

	"mailsync_server/core/domain"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func rawB64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestDecodeHeaders(t *testing.T) {
	raw := domain.RawMessage{
		ID:       "m1",
		ThreadID: "t1",
		LabelIDs: []string{"INBOX", "UNREAD"},
		Payload: domain.RawPart{
			MimeType: "text/plain",
			Headers: []domain.RawHeader{
				{Name: "FROM", Value: "Jane Client <Jane@X.com>"},
				{Name: "to", Value: "me@co.com, Other <other@co.com>"},
				{Name: "cc", Value: "boss@co.com"},
				{Name: "Subject", Value: "=?UTF-8?B?UXVvdGUgIzEyMyDinJM=?="},
				{Name: "Date", Value: "Mon, 02 Jan 2006 15:04:05 +0000"},
			},
			Body: domain.RawBody{Data: b64("hello")},
		},
	}

	got := Decode(raw)

	if got.ID != "m1" || got.ThreadID != "t1" {
		t.Errorf("ids = %q/%q", got.ID, got.ThreadID)
	}
	if got.From != "jane@x.com" {
		t.Errorf("From = %q, want jane@x.com", got.From)
	}
	if got.FromName != "Jane Client" {
		t.Errorf("FromName = %q", got.FromName)
	}
	if len(got.To) != 2 || got.To[1] != "other@co.com" {
		t.Errorf("To = %v", got.To)
	}
	if len(got.Cc) != 1 || got.Cc[0] != "boss@co.com" {
		t.Errorf("Cc = %v", got.Cc)
	}
	if got.Bcc != nil {
		t.Errorf("Bcc = %v, want nil", got.Bcc)
	}
	if got.Subject != "Quote #123 ✓" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.Body != "hello" {
		t.Errorf("Body = %q", got.Body)
	}
	want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)
	if !got.SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want %v", got.SentAt, want)
	}
	if len(got.Labels) != 2 {
		t.Errorf("Labels = %v", got.Labels)
	}
}

func TestDecodeInternalDateWins(t *testing.T) {
	raw := domain.RawMessage{
		InternalDate: 1700000000000,
		Payload: domain.RawPart{
			Headers: []domain.RawHeader{{Name: "Date", Value: "Mon, 02 Jan 2006 15:04:05 +0000"}},
		},
	}
	got := Decode(raw)
	if !got.SentAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("SentAt = %v", got.SentAt)
	}
}

func TestDecodeBodySelection(t *testing.T) {
	tests := []struct {
		name    string
		payload domain.RawPart
		want    string
	}{
		{
			name: "plain preferred over html",
			payload: domain.RawPart{
				MimeType: "multipart/alternative",
				Parts: []domain.RawPart{
					{MimeType: "text/html", Body: domain.RawBody{Data: b64("<p>hi</p>")}},
					{MimeType: "text/plain", Body: domain.RawBody{Data: b64("hi")}},
				},
			},
			want: "hi",
		},
		{
			name: "nested plain found depth first",
			payload: domain.RawPart{
				MimeType: "multipart/mixed",
				Parts: []domain.RawPart{
					{
						MimeType: "multipart/alternative",
						Parts: []domain.RawPart{
							{MimeType: "text/plain", Body: domain.RawBody{Data: b64("nested")}},
						},
					},
					{MimeType: "text/plain", Body: domain.RawBody{Data: b64("later")}},
				},
			},
			want: "nested",
		},
		{
			name: "html fallback",
			payload: domain.RawPart{
				MimeType: "multipart/alternative",
				Parts: []domain.RawPart{
					{MimeType: "text/html", Body: domain.RawBody{Data: b64("<b>x</b>")}},
				},
			},
			want: "<b>x</b>",
		},
		{
			name:    "no text parts",
			payload: domain.RawPart{MimeType: "multipart/mixed"},
			want:    "",
		},
		{
			name:    "unpadded base64url",
			payload: domain.RawPart{MimeType: "text/plain", Body: domain.RawBody{Data: rawB64("ab")}},
			want:    "ab",
		},
		{
			name:    "malformed base64 is empty",
			payload: domain.RawPart{MimeType: "text/plain", Body: domain.RawBody{Data: "!!!not base64***"}},
			want:    "",
		},
		{
			name: "latin1 converted to utf8",
			payload: domain.RawPart{
				MimeType: "text/plain",
				Headers:  []domain.RawHeader{{Name: "Content-Type", Value: `text/plain; charset="ISO-8859-1"`}},
				Body:     domain.RawBody{Data: base64.URLEncoding.EncodeToString([]byte{'c', 'a', 'f', 0xe9})},
			},
			want: "café",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(domain.RawMessage{Payload: tt.payload})
			if got.Body != tt.want {
				t.Errorf("Body = %q, want %q", got.Body, tt.want)
			}
		})
	}
}

func TestDecodeAttachments(t *testing.T) {
	raw := domain.RawMessage{
		Payload: domain.RawPart{
			MimeType: "multipart/mixed",
			Parts: []domain.RawPart{
				{MimeType: "text/plain", Body: domain.RawBody{Data: b64("see attached")}},
				{
					MimeType: "application/pdf",
					Filename: "quote.pdf",
					Body:     domain.RawBody{AttachmentID: "att-1", Size: 2048},
				},
				{MimeType: "image/png", Filename: "inline.png"},
			},
		},
	}

	got := Decode(raw)

	if len(got.Attachments) != 1 {
		t.Fatalf("Attachments = %v, want 1", got.Attachments)
	}
	att := got.Attachments[0]
	if att.ID != "att-1" || att.Filename != "quote.pdf" || att.MimeType != "application/pdf" {
		t.Errorf("attachment = %+v", att)
	}
	if att.Size != 0 {
		t.Errorf("Size = %d, size is not populated", att.Size)
	}
	if got.Body != "see attached" {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestDecodeMalformedFrom(t *testing.T) {
	raw := domain.RawMessage{
		Payload: domain.RawPart{
			Headers: []domain.RawHeader{{Name: "From", Value: "broken name <ME@Co.com"}},
		},
	}
	got := Decode(raw)
	if got.From != "me@co.com" {
		t.Errorf("From = %q", got.From)
	}
}

func TestDecodeBase64URL(t *testing.T) {
	if got := DecodeBase64URL(b64("quote")); got != "quote" {
		t.Errorf("padded = %q", got)
	}
	if got := DecodeBase64URL(rawB64("quote")); got != "quote" {
		t.Errorf("raw = %q", got)
	}
	if got := DecodeBase64URL("%%%"); got != "" {
		t.Errorf("malformed = %q", got)
	}
}
