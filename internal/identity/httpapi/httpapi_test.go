package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/identity"
	"github.com/netmapper/fabric/internal/store"
	"github.com/netmapper/fabric/internal/token"
)

const testCookie = "nm_session"

type fixture struct {
	handler   *Handler
	router    http.Handler
	mock      sqlmock.Sqlmock
	authority *token.Authority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), slog.Default())
	authority, err := token.NewAuthority("test-secret-material-32-bytes-min", slog.Default())
	require.NoError(t, err)

	hashes := identity.NewHashPool(2)
	t.Cleanup(hashes.Close)

	provider := identity.NewLocalProvider(authority, st.Users, testCookie, slog.Default())
	syncs := identity.NewSyncEngine(st, slog.Default())

	h := NewHandler(Config{
		SessionCookieName: testCookie,
		CSRFCookieName:    "nm_csrf",
		TokenTTL:          time.Hour,
	}, provider, syncs, authority, st, hashes, slog.Default())

	return &fixture{handler: h, router: h.Routes(), mock: mock, authority: authority}
}

func (f *fixture) do(method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(r)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func ownerRow(id uuid.UUID, passwordHash string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "first_name", "last_name",
		"avatar_url", "role", "is_active", "is_verified", "preferences",
		"created_at", "updated_at", "last_login_at",
	}).AddRow(id.String(), "alice", "a@x.y", passwordHash, "A", "B", "", "owner",
		true, true, []byte(`{}`), time.Now(), time.Now(), nil)
}

func (f *fixture) expectOwnerExists(exists bool) {
	f.mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM users WHERE role = `).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

// asOwner mints a session token and arranges the user lookup the auth
// middleware performs.
func (f *fixture) asOwner(t *testing.T, id uuid.UUID) func(*http.Request) {
	t.Helper()
	tok, err := f.authority.IssueUserToken(id, "alice", model.RoleOwner, time.Hour)
	require.NoError(t, err)
	// Two lookups: the provider refuses tokens of inactive users, then the
	// middleware loads the user for the request context.
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id = `).WillReturnRows(ownerRow(id, ""))
	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id = `).WillReturnRows(ownerRow(id, ""))
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
}

func TestOwnerSetupBootstrap(t *testing.T) {
	f := newFixture(t)

	// Fresh install: status reports nothing configured.
	f.expectOwnerExists(false)
	f.mock.ExpectQuery(`SELECT count\(\*\) FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	w := f.do("POST", "/api/auth/setup/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status setupStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.IsSetupComplete)
	assert.False(t, status.OwnerExists)
	assert.Zero(t, status.TotalUsers)

	// Owner creation succeeds, records the local provider link, and logs
	// the caller in.
	f.expectOwnerExists(false)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO provider_links`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "local", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	payload := map[string]string{
		"username": "alice", "first_name": "A", "last_name": "B",
		"email": "a@x.y", "password": "pw12345678",
	}
	w = f.do("POST", "/api/auth/setup/owner", payload, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var auth authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &auth))
	assert.Equal(t, model.RoleOwner, auth.User.Role)
	assert.NotEmpty(t, auth.Token)

	var names []string
	for _, c := range w.Result().Cookies() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, testCookie)
	assert.Contains(t, names, "nm_csrf")

	// A second bootstrap attempt is refused.
	f.expectOwnerExists(true)
	w = f.do("POST", "/api/auth/setup/owner", payload, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Setup already complete")
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newFixture(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse1"), bcrypt.MinCost)
	require.NoError(t, err)

	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE lower\(username\)`).
		WillReturnRows(ownerRow(uuid.New(), string(hash)))

	w := f.do("POST", "/api/auth/login", map[string]string{
		"username": "alice", "password": "wrong-password",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
}

func TestLoginSucceedsAndSetsCookies(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse1"), bcrypt.MinCost)
	require.NoError(t, err)

	f.mock.ExpectQuery(`SELECT .+ FROM users WHERE lower\(username\)`).
		WillReturnRows(ownerRow(userID, string(hash)))
	f.mock.ExpectExec(`UPDATE users SET last_login_at=now`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := f.do("POST", "/api/auth/login", map[string]string{
		"username": "alice", "password": "correct-horse1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var auth authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &auth))
	id, err := f.authority.Verify(auth.Token)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), id.UserID)
}

func TestInviteFlow(t *testing.T) {
	f := newFixture(t)
	ownerID := uuid.New()

	// Owner creates the invite.
	as := f.asOwner(t, ownerID)
	f.mock.ExpectQuery(`SELECT EXISTS \(\s*SELECT 1 FROM invites`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectExec(`INSERT INTO invites`).WillReturnResult(sqlmock.NewResult(0, 1))

	w := f.do("POST", "/api/auth/invites", map[string]string{
		"email": "bob@x.y", "role": "member",
	}, as)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var inv model.Invite
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	assert.Equal(t, "bob@x.y", inv.Email)
	assert.Equal(t, model.InvitePending, inv.Status)
	assert.NotContains(t, w.Body.String(), "token", "raw token must not leak")

	// Public verify behind the invite link.
	inviteRow := func(status string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "email", "role", "status", "token_hash", "inviter_id",
			"inviter_name", "created_at", "expires_at", "accepted_at",
		}).AddRow(inv.ID.String(), "bob@x.y", "member", status, hashToken("raw-invite-token"),
			ownerID.String(), "A B", time.Now(), time.Now().Add(time.Hour), nil)
	}
	f.mock.ExpectQuery(`SELECT .+ FROM invites WHERE token_hash=`).
		WillReturnRows(inviteRow("pending"))

	w = f.do("GET", "/api/auth/invite/verify/raw-invite-token", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var vr verifyInviteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vr))
	assert.Equal(t, "bob@x.y", vr.Email)
	assert.Equal(t, model.RoleMember, vr.Role)
	assert.True(t, vr.IsValid)

	// Acceptance provisions the account and marks the invite accepted.
	f.mock.ExpectQuery(`SELECT .+ FROM invites WHERE token_hash=`).
		WillReturnRows(inviteRow("pending"))
	f.mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM users WHERE lower\(username\)`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO provider_links`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "local", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectExec(`UPDATE invites SET status=.+, accepted_at=now`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w = f.do("POST", "/api/auth/invite/accept", map[string]string{
		"token": "raw-invite-token", "password": "bobs-password1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var auth authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &auth))
	assert.Equal(t, model.RoleMember, auth.User.Role)
	assert.Equal(t, "bob", auth.User.Username)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUserManagementGuards(t *testing.T) {
	f := newFixture(t)
	ownerID := uuid.New()

	t.Run("self delete refused", func(t *testing.T) {
		as := f.asOwner(t, ownerID)
		w := f.do("DELETE", "/api/auth/users/"+ownerID.String(), nil, as)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("owner target refused", func(t *testing.T) {
		other := uuid.New()
		as := f.asOwner(t, ownerID)
		f.mock.ExpectQuery(`SELECT .+ FROM users WHERE id = `).
			WillReturnRows(ownerRow(other, ""))
		w := f.do("DELETE", "/api/auth/users/"+other.String(), nil, as)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unauthenticated refused", func(t *testing.T) {
		w := f.do("GET", "/api/auth/users", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestWebhookDisabledForLocalProvider(t *testing.T) {
	f := newFixture(t)
	w := f.do("POST", "/api/webhooks/clerk", map[string]any{"type": "user.created"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
