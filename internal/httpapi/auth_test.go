package httpapi

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestParseTokenRoundTrip(t *testing.T) {
	auth := NewAuthManager("unit-test-secret")
	token := signToken(t, "unit-test-secret", "budi", "admin", time.Hour)

	actor, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "budi" || actor.Role != "admin" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	auth := NewAuthManager("unit-test-secret")
	token := signToken(t, "some-other-secret", "budi", "admin", time.Hour)

	if _, err := auth.ParseToken(token); err == nil {
		t.Fatal("expected token signed with a different secret to be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth := NewAuthManager("unit-test-secret")
	token := signToken(t, "unit-test-secret", "budi", "admin", -time.Minute)

	if _, err := auth.ParseToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestParseTokenRejectsMissingSubject(t *testing.T) {
	auth := NewAuthManager("unit-test-secret")
	token := signToken(t, "unit-test-secret", "", "admin", time.Hour)

	if _, err := auth.ParseToken(token); err == nil {
		t.Fatal("expected token without subject to be rejected")
	}
}

func TestParseTokenRejectsNoneAlgorithm(t *testing.T) {
	auth := NewAuthManager("unit-test-secret")

	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "budi"},
		Role:             "admin",
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := auth.ParseToken(token); err == nil {
		t.Fatal("expected alg=none token to be rejected")
	}
}

func signToken(t *testing.T, secret string, subject string, role string, ttl time.Duration) string {
	t.Helper()
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(ttl)),
		},
		Role: role,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}
