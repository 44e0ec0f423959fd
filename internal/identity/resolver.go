// Package identity maps client credentials, emails and token subjects to canonical users.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"roomchat/internal/apperrors"
	"roomchat/internal/models"
	"roomchat/internal/repositories"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrRevoked      = errors.New("token revoked")
)

// Claims carried by chat access tokens.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Resolver resolves identities against the user store and the revocation store.
type Resolver struct {
	users   repositories.UserRepository
	revoked repositories.RevocationRepository
	secret  []byte
	now     func() time.Time
}

// NewResolver builds a Resolver. revoked may be nil when revocation is not enforced.
func NewResolver(users repositories.UserRepository, revoked repositories.RevocationRepository, secret string) *Resolver {
	return &Resolver{users: users, revoked: revoked, secret: []byte(secret), now: time.Now}
}

// Normalize strips surrounding whitespace and any incidental quoting, e.g. `"a@b.c"`.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	return strings.Trim(s, `"'`)
}

// ByEmail resolves a user by email. Matching is case-sensitive as stored.
func (r *Resolver) ByEmail(ctx context.Context, email string) (models.User, error) {
	email = Normalize(email)
	if email == "" {
		return models.User{}, apperrors.MissingField("email is required")
	}
	user, err := r.users.GetUserByEmail(ctx, email)
	return user, userError(err)
}

// BySubject resolves a user by the id carried in a token subject.
func (r *Resolver) BySubject(ctx context.Context, subject string) (models.User, error) {
	subject = Normalize(subject)
	if subject == "" {
		return models.User{}, apperrors.MissingField("user id is required")
	}
	user, err := r.users.GetUserByID(ctx, subject)
	return user, userError(err)
}

func userError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrUserNotFound):
		return apperrors.NotFound("user", err)
	default:
		return apperrors.Internal(err)
	}
}

// IssueToken signs an access token for user valid for ttl.
func (r *Resolver) IssueToken(user models.User, ttl time.Duration) (string, error) {
	now := r.now()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func (r *Resolver) parse(token string) (*Claims, error) {
	token = Normalize(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(r.now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate verifies token and resolves its subject, falling back to the email claim.
func (r *Resolver) Authenticate(ctx context.Context, token string) (models.User, error) {
	claims, err := r.parse(token)
	if err != nil {
		return models.User{}, apperrors.Unauthorized("invalid token", err)
	}

	if r.revoked != nil && claims.ID != "" {
		revoked, err := r.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return models.User{}, apperrors.Internal(err)
		}
		if revoked {
			return models.User{}, apperrors.Unauthorized("token revoked", ErrRevoked)
		}
	}

	var user models.User
	switch {
	case claims.Subject != "":
		user, err = r.BySubject(ctx, claims.Subject)
	case claims.Email != "":
		user, err = r.ByEmail(ctx, claims.Email)
	default:
		return models.User{}, apperrors.Unauthorized("token has no subject", nil)
	}
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return models.User{}, apperrors.Unauthorized("unknown user", err)
	}
	return user, err
}

// Revoke records the token id until the token would have expired anyway.
func (r *Resolver) Revoke(ctx context.Context, token string) error {
	if r.revoked == nil {
		return nil
	}
	claims, err := r.parse(token)
	if err != nil {
		return apperrors.Unauthorized("invalid token", err)
	}
	if claims.ID == "" {
		return apperrors.MissingField("token has no id")
	}
	expiresAt := r.now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := r.revoked.Revoke(ctx, claims.ID, expiresAt); err != nil {
		return apperrors.Internal(err)
	}
	return nil
}
