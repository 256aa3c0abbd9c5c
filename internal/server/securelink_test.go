package server

import (
	"testing"
	"time"
)

func TestSecureLinkRoundTrip(t *testing.T) {
	link, err := NewSecureLink("secret", "room-key-123", time.Hour)
	if err != nil {
		t.Fatalf("NewSecureLink failed: %v", err)
	}

	key, err := ParseSecureLink("secret", link)
	if err != nil {
		t.Fatalf("ParseSecureLink failed: %v", err)
	}
	if key != "room-key-123" {
		t.Errorf("parsed key = %q, want %q", key, "room-key-123")
	}
}

func TestSecureLinkWrongSecret(t *testing.T) {
	link, err := NewSecureLink("secret", "room-key-123", time.Hour)
	if err != nil {
		t.Fatalf("NewSecureLink failed: %v", err)
	}
	if _, err := ParseSecureLink("other-secret", link); err != ErrInvalidLink {
		t.Errorf("ParseSecureLink with wrong secret = %v, want ErrInvalidLink", err)
	}
}

func TestSecureLinkExpiry(t *testing.T) {
	link, err := NewSecureLink("secret", "room-key-123", -time.Minute)
	if err != nil {
		t.Fatalf("NewSecureLink failed: %v", err)
	}
	if _, err := ParseSecureLink("secret", link); err != ErrInvalidLink {
		t.Errorf("ParseSecureLink on expired link = %v, want ErrInvalidLink", err)
	}
}

func TestSecureLinkGarbageToken(t *testing.T) {
	if _, err := ParseSecureLink("secret", "not.a.token"); err != ErrInvalidLink {
		t.Errorf("ParseSecureLink on garbage = %v, want ErrInvalidLink", err)
	}
}
