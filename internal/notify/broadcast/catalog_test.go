package broadcast

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/statefile"
)

func newCatalog(t *testing.T) (*Catalog, *statefile.File) {
	t.Helper()
	file := statefile.NewDir(t.TempDir()).File("broadcasts")
	c, err := NewCatalog(file)
	require.NoError(t, err)
	return c, file
}

func pendingBroadcast(t *testing.T, c *Catalog, in time.Duration) *model.ScheduledBroadcast {
	t.Helper()
	b, err := c.Create(&model.ScheduledBroadcast{
		Title:       "Maintenance window",
		Message:     "Router firmware update at midnight.",
		ScheduledAt: time.Now().Add(in),
		CreatedBy:   uuid.New(),
	})
	require.NoError(t, err)
	return b
}

func TestCreateAppliesDefaults(t *testing.T) {
	c, _ := newCatalog(t)
	b := pendingBroadcast(t, c, time.Hour)

	assert.Equal(t, model.TypeScheduledMaintenance, b.Type)
	assert.Equal(t, model.PriorityMedium, b.Priority)
	assert.Equal(t, model.BroadcastPending, b.Status)
}

func TestCreateRejectsPastSchedule(t *testing.T) {
	c, _ := newCatalog(t)
	_, err := c.Create(&model.ScheduledBroadcast{
		Title: "x", Message: "y", ScheduledAt: time.Now().Add(-time.Minute),
	})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestOnlyPendingMayBeEditedOrCancelled(t *testing.T) {
	c, _ := newCatalog(t)
	b := pendingBroadcast(t, c, time.Hour)

	_, err := c.Update(b.ID, func(e *model.ScheduledBroadcast) error {
		e.Title = "Edited"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.MarkSent(b.ID, 5, time.Now()))

	_, err = c.Update(b.ID, func(e *model.ScheduledBroadcast) error { return nil })
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.ErrorIs(t, c.Cancel(b.ID), model.ErrConflict)
}

func TestOnlyNonPendingMayBeDeleted(t *testing.T) {
	c, _ := newCatalog(t)
	b := pendingBroadcast(t, c, time.Hour)

	assert.ErrorIs(t, c.Delete(b.ID), model.ErrConflict)
	require.NoError(t, c.Cancel(b.ID))
	assert.NoError(t, c.Delete(b.ID))
	_, err := c.Get(b.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDuePendingOrdersOldestFirst(t *testing.T) {
	c, _ := newCatalog(t)
	later := pendingBroadcast(t, c, 2*time.Second)
	sooner := pendingBroadcast(t, c, time.Second)
	pendingBroadcast(t, c, time.Hour)

	due := c.DuePending(time.Now().Add(time.Minute))
	require.Len(t, due, 2)
	assert.Equal(t, sooner.ID, due[0].ID)
	assert.Equal(t, later.ID, due[1].ID)
}

func TestCatalogSurvivesRestart(t *testing.T) {
	c, file := newCatalog(t)
	b := pendingBroadcast(t, c, time.Hour)
	require.NoError(t, c.MarkFailed(b.ID, assert.AnError))

	reopened, err := NewCatalog(file)
	require.NoError(t, err)
	got, err := reopened.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastFailed, got.Status)
	assert.Equal(t, assert.AnError.Error(), got.Error)
}

func TestMarkSentRecordsOutcome(t *testing.T) {
	c, _ := newCatalog(t)
	b := pendingBroadcast(t, c, time.Hour)
	sentAt := time.Now()

	require.NoError(t, c.MarkSent(b.ID, 12, sentAt))
	got, err := c.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastSent, got.Status)
	assert.Equal(t, 12, got.UsersNotified)
	require.NotNil(t, got.SentAt)
	assert.WithinDuration(t, sentAt, *got.SentAt, time.Second)
}
