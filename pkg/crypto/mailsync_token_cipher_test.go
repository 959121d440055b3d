package crypto

import (
	"errors"
	"testing"
)

func TestTokenCipherRoundTrip(t *testing.T) {
	c, err := NewTokenCipher("short-key")
	if err != nil {
		t.Fatalf("NewTokenCipher() error = %v", err)
	}

	sealed, err := c.Seal("ya29.access-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) || sealed == "ya29.access-token" {
		t.Fatalf("sealed = %q", sealed)
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != "ya29.access-token" {
		t.Errorf("opened = %q", opened)
	}
}

func TestTokenCipherPlaintextPassthrough(t *testing.T) {
	c, _ := NewTokenCipher("k")
	got, err := c.Open("legacy-plain")
	if err != nil || got != "legacy-plain" {
		t.Errorf("Open() = %q, %v", got, err)
	}
	if s, _ := c.Seal(""); s != "" {
		t.Errorf("Seal(\"\") = %q", s)
	}
}

func TestTokenCipherWrongKey(t *testing.T) {
	a, _ := NewTokenCipher("key-a")
	b, _ := NewTokenCipher("key-b")
	sealed, _ := a.Seal("secret")
	if _, err := b.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestNewTokenCipherEmptyKey(t *testing.T) {
	if _, err := NewTokenCipher(""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("err = %v", err)
	}
}
