package fakeserver

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var errTokenRevoked = errors.New("token revoked")

// claims mirror what the real server puts in its tokens. Epoch lets tests
// invalidate every access token issued so far.
type claims struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	TokenType string `json:"token_type"`
	Epoch     int    `json:"epoch"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func (ti *tokenIssuer) issue(u *user, tokenType string, epoch int, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		UserID:    u.ID,
		Username:  u.Username,
		TokenType: tokenType,
		Epoch:     epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			// Unique per token so two tokens minted in the same second differ.
			ID: strconv.FormatInt(now.UnixNano(), 36),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(ti.secret)
}

func (ti *tokenIssuer) validate(tokenString, tokenType string) (*claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if c.TokenType != tokenType {
		return nil, fmt.Errorf("expected %s token, got %s", tokenType, c.TokenType)
	}
	return c, nil
}
