// Package store is the persistence layer: sqlx over pgx against Postgres,
// with embedded goose migrations.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/netmapper/fabric/internal/domain/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	connectAttempts   = 10
	connectMaxBackoff = 30 * time.Second
)

// Store bundles the repositories over one connection pool.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger

	Users       *UserStore
	Links       *LinkStore
	Invites     *InviteStore
	Resets      *ResetStore
	Networks    *NetworkStore
	Preferences *PreferencesStore
	Records     *RecordStore
}

// Connect opens the pool, retrying with exponential backoff capped at 30s
// for up to 10 attempts.
func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	var (
		db      *sqlx.DB
		err     error
		backoff = time.Second
	)
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err = sqlx.ConnectContext(ctx, "pgx", databaseURL)
		if err == nil {
			break
		}
		logger.Warn("database connect failed",
			"attempt", attempt,
			"backoff", backoff.String(),
			"err", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > connectMaxBackoff {
			backoff = connectMaxBackoff
		}
	}
	if err != nil {
		return nil, fmt.Errorf("database unreachable after %d attempts: %w", connectAttempts, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an existing pool; used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:          db,
		logger:      logger,
		Users:       &UserStore{db: db},
		Links:       &LinkStore{db: db},
		Invites:     &InviteStore{db: db},
		Resets:      &ResetStore{db: db},
		Networks:    &NetworkStore{db: db},
		Preferences: &PreferencesStore{db: db},
		Records:     &RecordStore{db: db},
	}
}

// Migrate applies the embedded migrations. An existing schema without a
// goose version table is detected and logged; the migrations themselves are
// idempotent so applying forward is safe either way.
func (s *Store) Migrate(ctx context.Context) error {
	var hasUsers, hasVersions bool
	if err := s.db.GetContext(ctx, &hasUsers,
		`SELECT to_regclass('public.users') IS NOT NULL`); err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}
	if err := s.db.GetContext(ctx, &hasVersions,
		`SELECT to_regclass('public.goose_db_version') IS NOT NULL`); err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}
	if hasUsers && !hasVersions {
		s.logger.Info("existing schema detected without migration history, stamping at baseline")
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// localProvider is the provider name of accounts backed by the local user
// table.
const localProvider = "local"

// CreateLocalUser inserts a user together with its provider link in one
// transaction: every account, however created, carries exactly one
// (local, user.id) link.
func (s *Store) CreateLocalUser(ctx context.Context, u *model.User) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.Users.createIn(ctx, tx, u); err != nil {
		return err
	}
	link := &model.ProviderLink{
		UserID:         u.ID,
		Provider:       localProvider,
		ExternalUserID: u.ID.String(),
	}
	if err := s.Links.createIn(ctx, tx, link); err != nil {
		return err
	}
	return tx.Commit()
}

// DB exposes the pool for transactional flows owned by callers.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }
