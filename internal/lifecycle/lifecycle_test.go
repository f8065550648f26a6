package lifecycle

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/notify/anomaly"
	"github.com/netmapper/fabric/internal/statefile"
)

type fakeBroadcaster struct {
	events []*model.NotificationEvent
}

func (f *fakeBroadcaster) DispatchGlobal(_ context.Context, ev *model.NotificationEvent) (int, error) {
	f.events = append(f.events, ev)
	return 1, nil
}

func newCoordinator(t *testing.T, dir string) (*Coordinator, *fakeBroadcaster) {
	t.Helper()
	events := &fakeBroadcaster{}
	c := NewCoordinator(statefile.NewDir(dir), anomaly.NewManager(slog.Default()), events, slog.Default())
	c.pause = func(time.Duration) {}
	return c, events
}

func TestFreshInstallStartsQuietly(t *testing.T) {
	c, events := newCoordinator(t, t.TempDir())
	require.NoError(t, c.Startup(context.Background()))
	assert.Empty(t, events.events)

	// The running marker exists and is not clean.
	var m marker
	require.NoError(t, c.markerFile.Load(&m))
	assert.False(t, m.CleanShutdown)
	assert.NotNil(t, m.LastStartup)
}

func TestCleanRestartAnnouncesDowntime(t *testing.T) {
	dir := t.TempDir()
	c, _ := newCoordinator(t, dir)
	c.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	c.Shutdown(context.Background())

	c2, events := newCoordinator(t, dir)
	c2.now = func() time.Time { return time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC) }
	require.NoError(t, c2.Startup(context.Background()))

	require.Len(t, events.events, 1)
	ev := events.events[0]
	assert.Equal(t, model.TypeCartographerUp, ev.Type)
	assert.Equal(t, model.PriorityMedium, ev.Priority)
	assert.Contains(t, ev.Message, "30 minutes")
	assert.Equal(t, true, ev.Details["clean_shutdown"])
}

func TestCrashRecoveryAnnouncesUnexpectedShutdown(t *testing.T) {
	dir := t.TempDir()

	// First run writes the running marker and never shuts down cleanly.
	c, _ := newCoordinator(t, dir)
	require.NoError(t, c.Startup(context.Background()))

	c2, events := newCoordinator(t, dir)
	require.NoError(t, c2.Startup(context.Background()))

	require.Len(t, events.events, 1)
	assert.Contains(t, events.events[0].Message, "unexpected shutdown")
}

func TestMissingMarkerWithSurvivingStateCountsAsCrash(t *testing.T) {
	dir := t.TempDir()
	state := statefile.NewDir(dir)

	// Detector snapshots exist but the marker is gone.
	anomalies := anomaly.NewManager(slog.Default())
	networkID := uuid.New()
	anomalies.For(networkID).Process(anomaly.Sample{DeviceIP: "10.0.0.1", Success: true, Timestamp: time.Now()})
	require.NoError(t, state.File("anomaly-snapshots.json").Save(anomalies.Snapshot()))

	c, events := newCoordinator(t, dir)
	require.NoError(t, c.Startup(context.Background()))
	require.Len(t, events.events, 1)
	assert.Contains(t, events.events[0].Message, "unexpected shutdown")
}

func TestShutdownAnnouncesAndPersists(t *testing.T) {
	dir := t.TempDir()
	c, events := newCoordinator(t, dir)

	networkID := uuid.New()
	c.anomalies.For(networkID).Process(anomaly.Sample{DeviceIP: "10.0.0.1", Success: true, Timestamp: time.Now()})

	c.Shutdown(context.Background())

	require.Len(t, events.events, 1)
	assert.Equal(t, model.TypeCartographerDown, events.events[0].Type)
	assert.Equal(t, model.PriorityCritical, events.events[0].Priority)

	var m marker
	require.NoError(t, c.markerFile.Load(&m))
	assert.True(t, m.CleanShutdown)
	require.NotNil(t, m.LastShutdown)

	// A fresh process restores the persisted baselines.
	c2, _ := newCoordinator(t, dir)
	require.NoError(t, c2.Startup(context.Background()))
	stats := c2.anomalies.For(networkID).Stats("10.0.0.1")
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalChecks)
}

func TestSnapshotNowRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c, _ := newCoordinator(t, dir)
	networkID := uuid.New()
	c.anomalies.For(networkID).Process(anomaly.Sample{DeviceIP: "10.0.0.2", Success: true, Timestamp: time.Now()})
	require.NoError(t, c.SnapshotNow())
	assert.True(t, c.hasSnapshots())
}
