package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/netmapper/fabric/internal/domain/model"
)

// RecordStore persists delivery outcomes. Records are append-only.
type RecordStore struct {
	db *sqlx.DB
}

// InsertBatch writes all records produced for one event in a single
// statement.
func (s *RecordStore) InsertBatch(ctx context.Context, records []model.NotificationRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range records {
		if records[i].ID == uuid.Nil {
			records[i].ID = uuid.New()
		}
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = now
		}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notification_records
			(id, notification_id, event_id, user_id, channel, success, error, created_at)
		VALUES (:id, :notification_id, :event_id, :user_id, :channel, :success, :error, :created_at)`,
		records)
	return err
}

// ListByUser returns a user's delivery history, newest first.
func (s *RecordStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []model.NotificationRecord
	err := s.db.SelectContext(ctx, &records, `
		SELECT id, notification_id, event_id, user_id, channel, success, error, created_at
		FROM notification_records
		WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	return records, err
}

// CountSince counts a user's successful deliveries newer than a cutoff, used
// by rate limiting.
func (s *RecordStore) CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(DISTINCT notification_id) FROM notification_records
		WHERE user_id=$1 AND success AND created_at > $2`, userID, since)
	return n, err
}

// Prune deletes records older than the retention horizon and reports how
// many went away.
func (s *RecordStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_records WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
