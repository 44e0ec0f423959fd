package repositories

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevocationRoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRevocationRepo(db)
	exp := time.Now().Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO revoked_credentials`)).WithArgs("jti-1", exp).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM revoked_credentials WHERE jti=$1`)).WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, repo.Revoke(context.Background(), "jti-1", exp))
	revoked, err := repo.IsRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRevocationRepo(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM revoked_credentials WHERE expires_at <= $1`)).WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
