// Package auth validates bearer tokens presented at connection time and
// resolves them to a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lumenchat/lumen-server/internal/store"
)

// ErrUnauthorized is returned for any token that cannot be resolved to an
// existing user. The caller must reject the connection before any registry
// mutation occurs.
var ErrUnauthorized = errors.New("unauthorized")

// Claims carries the user id alongside the registered JWT claims.
type Claims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// Identity is the resolved owner of a verified token.
type Identity struct {
	ID       int64
	Username string
	Role     string
	Avatar   string
}

// Verifier decodes tokens and confirms the subject still exists in the user
// store. Verification is a pure lookup with no side effects.
type Verifier struct {
	secret []byte
	users  store.UserStore
}

// NewVerifier creates a Verifier with the given signing secret and user store.
func NewVerifier(secret string, users store.UserStore) *Verifier {
	return &Verifier{secret: []byte(secret), users: users}
}

// ResolveToken parses the token, checks its signature and expiry, and loads
// the owning user. Any failure maps to ErrUnauthorized.
func (v *Verifier) ResolveToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}

	user, err := v.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("resolving token subject: %w", err)
	}

	return &Identity{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
		Avatar:   user.Avatar.String,
	}, nil
}

// GenerateToken signs a token for the given user id. Used by tests and by
// operational tooling; the production login flow lives in the REST layer.
func GenerateToken(userID int64, secret []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
	})
	return token.SignedString(secret)
}
