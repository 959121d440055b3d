package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf, Service: "mailsync-test"})

	l.WithField("company_id", "c1").WithError(errors.New("boom")).Info("synced %d threads", 3)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e["message"] != "synced 3 threads" {
		t.Errorf("message = %v", e["message"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v", e["level"])
	}
	if e["company_id"] != "c1" {
		t.Errorf("company_id = %v", e["company_id"])
	}
	if e["error"] != "boom" {
		t.Errorf("error = %v", e["error"])
	}
	if e["service"] != "mailsync-test" {
		t.Errorf("service = %v", e["service"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected only the warn entry, got %d", len(entries))
	}
	if entries[0]["message"] != "warn" {
		t.Errorf("message = %v", entries[0]["message"])
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithCompanyID(ctx, "company-9")
	l.WithContext(ctx).Debug("hello")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0]["request_id"] != "req-1" || entries[0]["company_id"] != "company-9" {
		t.Errorf("context fields missing: %v", entries[0])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
