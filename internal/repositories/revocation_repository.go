package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// RevocationRepository stores revoked credential ids until they expire.
type RevocationRepository interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RevocationRepo is a sqlx implementation of RevocationRepository.
type RevocationRepo struct {
	db *sqlx.DB
}

// NewRevocationRepo constructs a RevocationRepo.
func NewRevocationRepo(db *sqlx.DB) *RevocationRepo {
	return &RevocationRepo{db: db}
}

func (r *RevocationRepo) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO revoked_credentials (jti, expires_at) VALUES ($1, $2)
        ON CONFLICT (jti) DO UPDATE SET expires_at = GREATEST(revoked_credentials.expires_at, EXCLUDED.expires_at)`, jti, expiresAt)
	return errors.Wrap(err, "revoke credential")
}

func (r *RevocationRepo) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := r.db.GetContext(ctx, &revoked, `SELECT EXISTS(SELECT 1 FROM revoked_credentials WHERE jti=$1 AND expires_at > NOW())`, jti)
	return revoked, errors.Wrap(err, "check revocation")
}

// PurgeExpired deletes entries that can no longer match a valid token.
func (r *RevocationRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM revoked_credentials WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "purge revocations")
	}
	return res.RowsAffected()
}
