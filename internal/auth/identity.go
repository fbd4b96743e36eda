// Package auth reads the current user out of the session token.
//
// The token is not verified here. The server verifies it on every request;
// the client only needs to know who it is to mark its own comments and to
// skip notices about its own actions.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/livethread/internal/conversation"
)

// ErrNoUser is returned for empty tokens and tokens without a user claim.
var ErrNoUser = errors.New("session token carries no user id")

// sessionClaims covers the claim names the server has used over time.
type sessionClaims struct {
	UserID   interface{} `json:"user_id"`
	Name     string      `json:"name"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Role     string      `json:"role"`
	jwt.RegisteredClaims
}

// Session is what the client knows about its session.
type Session struct {
	Identity  conversation.Identity
	ExpiresAt time.Time
}

// Expired reports whether the token had an expiry and it has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Parse decodes the token's claims without checking its signature.
func Parse(token string) (Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Session{}, ErrNoUser
	}

	claims := &sessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, fmt.Errorf("parse session token: %w", err)
	}

	id := claimString(claims.UserID)
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Session{}, ErrNoUser
	}

	name := claims.Name
	if name == "" {
		name = claims.Username
	}
	if name == "" {
		name = claims.Email
	}

	role := conversation.RoleUser
	if strings.EqualFold(claims.Role, string(conversation.RoleAdmin)) {
		role = conversation.RoleAdmin
	}

	s := Session{Identity: conversation.Identity{UserID: id, Name: name, Role: role}}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// ParseIdentity returns the user the token was issued to.
func ParseIdentity(token string) (conversation.Identity, error) {
	s, err := Parse(token)
	if err != nil {
		return conversation.Identity{}, err
	}
	return s.Identity, nil
}

func claimString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
