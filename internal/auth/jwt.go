package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/session"
)

// Claims are the access-token claims the client cares about.
type Claims struct {
	UserID    proto.ID `json:"user_id"`
	Username  string   `json:"username,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims decodes the claims of an access token without verifying its
// signature. The client has no key; the server remains the authority.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// Identity returns the user described by the claims. The subject is used when
// no user_id claim is present.
func (c *Claims) Identity() session.Identity {
	id := c.UserID.String()
	if id == "" {
		id = c.Subject
	}
	return session.Identity{UserID: id, Username: c.Username}
}

// ExpiresWithin reports whether the token expires before now+d. Tokens without
// an exp claim never expire.
func (c *Claims) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Time.Before(now.Add(d))
}
