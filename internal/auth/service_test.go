package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("key-123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	return NewService(map[string]string{"alice": string(hash)}, "test-secret", 2*time.Minute)
}

func TestExchangeAndParse(t *testing.T) {
	svc := newTestService(t)

	tok, err := svc.Exchange("alice", "key-123")
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if tok.AccessToken == "" || tok.ExpiresInSec != 120 {
		t.Fatalf("unexpected token %+v", tok)
	}
	claims, err := svc.ParseAccess(tok.AccessToken)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.Owner != "alice" || claims.Subject != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestExchangeRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)
	cases := map[string][2]string{
		"wrong key":     {"alice", "nope"},
		"unknown owner": {"mallory", "key-123"},
		"empty key":     {"alice", ""},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Exchange(c[0], c[1]); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestParseAccessExpiry(t *testing.T) {
	svc := newTestService(t)
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }
	tok, err := svc.Exchange("alice", "key-123")
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	svc.now = func() time.Time { return issued.Add(3 * time.Minute) }
	if _, err := svc.ParseAccess(tok.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestParseAccessRejectsForeignSecret(t *testing.T) {
	svc := newTestService(t)
	other := NewService(svc.keys, "other-secret", time.Minute)
	tok, err := other.Exchange("alice", "key-123")
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if _, err := svc.ParseAccess(tok.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.ParseAccess("not-a-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for garbage, got %v", err)
	}
}

func TestHashKeyVerifies(t *testing.T) {
	hash, err := HashKey("secret-key")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc := NewService(map[string]string{"bob": hash}, "s", time.Minute)
	if _, err := svc.Exchange("bob", "secret-key"); err != nil {
		t.Fatalf("exchange with hashed key: %v", err)
	}
}
