package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	token := sign(t, jwt.MapClaims{
		"user_id":    "7",
		"username":   "bob",
		"token_type": "access",
		"exp":        exp.Unix(),
	})

	claims, err := ParseClaims(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	id := claims.Identity()
	if id.UserID != "7" || id.Username != "bob" || claims.TokenType != "access" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresWithin(time.Now(), time.Minute) {
		t.Fatal("token should not expire within a minute")
	}
	if !claims.ExpiresWithin(time.Now(), 10*time.Minute) {
		t.Fatal("token should expire within ten minutes")
	}
}

func TestClaimsIdentityUsesSubject(t *testing.T) {
	claims, err := ParseClaims(sign(t, jwt.RegisteredClaims{Subject: "99"}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := claims.Identity().UserID; got != "99" {
		t.Fatalf("expected subject fallback, got %q", got)
	}
	if claims.ExpiresWithin(time.Now(), time.Hour) {
		t.Fatal("token without exp never expires")
	}
}

func TestParseClaimsRejectsGarbage(t *testing.T) {
	if _, err := ParseClaims("not-a-token"); err == nil {
		t.Fatal("expected error")
	}
}
