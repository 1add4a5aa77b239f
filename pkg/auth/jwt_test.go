package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyRoundTrip(t *testing.T) {
	cfg := &JWTConfig{Secret: "test-secret", ExpireTime: time.Hour}
	verifier := NewJWTVerifier(cfg)

	token, err := GenerateToken("alice", cfg)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	identity, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity != "alice" {
		t.Fatalf("expected identity alice, got %q", identity)
	}
}

func TestVerifyRejectsEmptyCredential(t *testing.T) {
	verifier := NewJWTVerifier(&JWTConfig{Secret: "test-secret"})

	if _, err := verifier.Verify(context.Background(), ""); err != ErrInvalidCredential {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("alice", &JWTConfig{Secret: "secret-a", ExpireTime: time.Hour})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	verifier := NewJWTVerifier(&JWTConfig{Secret: "secret-b"})
	if _, err := verifier.Verify(context.Background(), token); err != ErrInvalidCredential {
		t.Fatalf("expected ErrInvalidCredential for wrong secret, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verifier := NewJWTVerifier(&JWTConfig{Secret: "test-secret"})
	if _, err := verifier.Verify(context.Background(), token); err != ErrInvalidCredential {
		t.Fatalf("expected ErrInvalidCredential for expired token, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	verifier := NewJWTVerifier(&JWTConfig{Secret: "test-secret"})
	if _, err := verifier.Verify(context.Background(), "not-a-jwt"); err != ErrInvalidCredential {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}
