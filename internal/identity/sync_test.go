package identity

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/store"
)

func newSyncEngine(t *testing.T) (*SyncEngine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), slog.Default())
	return NewSyncEngine(st, slog.Default()), mock
}

func linkRow(userID uuid.UUID, provider, externalID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "provider", "external_user_id", "created_at"}).
		AddRow(uuid.New().String(), userID.String(), provider, externalID, time.Now())
}

func userRow(id uuid.UUID, username, email string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "first_name", "last_name",
		"avatar_url", "role", "is_active", "is_verified", "preferences",
		"created_at", "updated_at", "last_login_at",
	}).AddRow(id.String(), username, email, "", "", "", "", "member",
		true, true, []byte(`{}`), time.Now(), time.Now(), nil)
}

func TestSyncExistingLinkResolves(t *testing.T) {
	e, mock := newSyncEngine(t)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM provider_links WHERE provider=`).
		WillReturnRows(linkRow(userID, "cloud", "user_9"))

	out, err := e.Sync(context.Background(), &model.IdentityClaims{
		Provider:       "cloud",
		ExternalUserID: "user_9",
	}, true, false)
	require.NoError(t, err)
	assert.Equal(t, userID, out.UserID)
	assert.False(t, out.Created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncAutoLinksByEmail(t *testing.T) {
	e, mock := newSyncEngine(t)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM provider_links WHERE provider=`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .+ FROM users WHERE lower\(email\)`).
		WillReturnRows(userRow(userID, "alice", "alice@example.com"))
	mock.ExpectExec(`INSERT INTO provider_links`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := e.Sync(context.Background(), &model.IdentityClaims{
		Provider:       "cloud",
		ExternalUserID: "user_9",
		Email:          " Alice@Example.com ",
	}, true, false)
	require.NoError(t, err)
	assert.Equal(t, userID, out.UserID)
	assert.False(t, out.Created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncCreatesWithUniqueUsernameSuffix(t *testing.T) {
	e, mock := newSyncEngine(t)

	mock.ExpectQuery(`SELECT .+ FROM provider_links WHERE provider=`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT .+ FROM users WHERE lower\(email\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// "fresh" is taken, "fresh2" is free.
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM users WHERE lower\(username\)`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM users WHERE lower\(username\)`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(sqlmock.AnyArg(), "fresh2", "fresh@example.com",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO provider_links`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "local", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO provider_links`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "cloud", "user_9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claims := &model.IdentityClaims{
		Provider:       "cloud",
		ExternalUserID: "user_9",
		Email:          "fresh@example.com",
		EmailVerified:  true,
	}
	out, err := e.Sync(context.Background(), claims, true, true)
	require.NoError(t, err)
	assert.True(t, out.Created)
	require.NotNil(t, claims.LocalUserID)
	assert.Equal(t, out.UserID, *claims.LocalUserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncUnknownWithoutCreateIsNotFound(t *testing.T) {
	e, mock := newSyncEngine(t)

	mock.ExpectQuery(`SELECT .+ FROM provider_links WHERE provider=`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := e.Sync(context.Background(), &model.IdentityClaims{
		Provider:       "cloud",
		ExternalUserID: "user_ghost",
	}, false, false)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeactivateUnknownIdentityIsNoop(t *testing.T) {
	e, mock := newSyncEngine(t)

	mock.ExpectQuery(`SELECT .+ FROM provider_links WHERE provider=`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	assert.NoError(t, e.Deactivate(context.Background(), "cloud", "user_ghost"))
}

func TestLinkRefusesForeignIdentity(t *testing.T) {
	e, mock := newSyncEngine(t)
	other := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM provider_links WHERE provider=`).
		WillReturnRows(linkRow(other, "cloud", "user_9"))

	_, err := e.Link(context.Background(), uuid.New(), "cloud", "user_9")
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestLinkSameUserReturnsExisting(t *testing.T) {
	e, mock := newSyncEngine(t)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM provider_links WHERE provider=`).
		WillReturnRows(linkRow(userID, "cloud", "user_9"))

	link, err := e.Link(context.Background(), userID, "cloud", "user_9")
	require.NoError(t, err)
	assert.Equal(t, userID, link.UserID)
}
