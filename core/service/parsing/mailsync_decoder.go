package parsing

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"
	"time"

	"mailsync_server/core/domain"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// maxPartDepth bounds the MIME walk on pathological messages.
const maxPartDepth = 32

// Decode turns a raw provider message into a ParsedEmail.
// It never fails: undecodable pieces come back empty.
func Decode(raw domain.RawMessage) domain.ParsedEmail {
	h := mailHeader(raw.Payload.Headers)

	email := domain.ParsedEmail{
		ID:          raw.ID,
		ThreadID:    raw.ThreadID,
		To:          addressList(&h, "To"),
		Cc:          addressList(&h, "Cc"),
		Bcc:         addressList(&h, "Bcc"),
		Subject:     headerText(&h, "Subject"),
		Attachments: []domain.Attachment{},
		Labels:      append([]string(nil), raw.LabelIDs...),
	}
	email.From, email.FromName = sender(&h)

	var plain, html string
	var plainFound, htmlFound bool
	walkParts(&raw.Payload, 0, func(p *domain.RawPart) {
		if p.Body.AttachmentID != "" {
			email.Attachments = append(email.Attachments, domain.Attachment{
				ID:       p.Body.AttachmentID,
				Filename: p.Filename,
				MimeType: p.MimeType,
			})
			return
		}
		switch strings.ToLower(p.MimeType) {
		case "text/plain":
			if !plainFound && p.Body.Data != "" {
				plain, plainFound = partText(p), true
			}
		case "text/html":
			if !htmlFound && p.Body.Data != "" {
				html, htmlFound = partText(p), true
			}
		}
	})
	if plainFound {
		email.Body = plain
	} else if htmlFound {
		email.Body = html
	}

	email.SentAt = sentAt(raw.InternalDate, &h)
	return email
}

// walkParts visits the tree depth-first, parents before children.
func walkParts(p *domain.RawPart, depth int, visit func(*domain.RawPart)) {
	if p == nil || depth > maxPartDepth {
		return
	}
	visit(p)
	for i := range p.Parts {
		walkParts(&p.Parts[i], depth+1, visit)
	}
}

// DecodeBase64URL accepts padded and unpadded base64url. Malformed input yields "".
func DecodeBase64URL(data string) string {
	b, ok := decodeBase64URL(data)
	if !ok {
		return ""
	}
	return string(b)
}

func decodeBase64URL(data string) ([]byte, bool) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, true
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, true
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return b, true
	}
	return nil, false
}

// partText decodes the part body and converts it to UTF-8 when the part
// declares another charset.
func partText(p *domain.RawPart) string {
	b, ok := decodeBase64URL(p.Body.Data)
	if !ok {
		return ""
	}

	cs := partCharset(p)
	if cs == "" || cs == "utf-8" || cs == "us-ascii" {
		return string(b)
	}
	r, err := charset.Reader(cs, bytes.NewReader(b))
	if err != nil {
		return string(b)
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return string(b)
	}
	return string(converted)
}

func partCharset(p *domain.RawPart) string {
	var h gomessage.Header
	for _, hdr := range p.Headers {
		h.Add(hdr.Name, hdr.Value)
	}
	if !h.Has("Content-Type") {
		return ""
	}
	_, params, err := h.ContentType()
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

func mailHeader(headers []domain.RawHeader) gomail.Header {
	var h gomail.Header
	for _, hdr := range headers {
		h.Add(hdr.Name, hdr.Value)
	}
	return h
}

// headerText decodes RFC 2047 words, falling back to the raw value.
func headerText(h *gomail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	return strings.TrimSpace(v)
}

func sender(h *gomail.Header) (string, string) {
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		return strings.ToLower(addrs[0].Address), addrs[0].Name
	}
	fallback := looseAddresses(h.Get("From"))
	if len(fallback) == 0 {
		return "", ""
	}
	return fallback[0], ""
}

func addressList(h *gomail.Header, key string) []string {
	if !h.Has(key) {
		return nil
	}
	addrs, err := h.AddressList(key)
	if err != nil {
		return looseAddresses(h.Get(key))
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// looseAddresses handles header values the RFC 5322 parser rejects.
func looseAddresses(v string) []string {
	var out []string
	for _, piece := range strings.Split(v, ",") {
		piece = strings.TrimSpace(piece)
		if start := strings.LastIndex(piece, "<"); start >= 0 {
			piece = piece[start+1:]
			if end := strings.Index(piece, ">"); end >= 0 {
				piece = piece[:end]
			}
		}
		piece = strings.Trim(strings.TrimSpace(piece), "\"'")
		if strings.Contains(piece, "@") {
			out = append(out, strings.ToLower(piece))
		}
	}
	return out
}

func sentAt(internalDate int64, h *gomail.Header) time.Time {
	if internalDate > 0 {
		return time.UnixMilli(internalDate).UTC()
	}
	if t, err := h.Date(); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
