package schedule

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/notify/broadcast"
	"github.com/netmapper/fabric/internal/statefile"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	broadcasts []*model.ScheduledBroadcast
	globals    []*model.NotificationEvent
	fail       bool
}

func (f *fakeDispatcher) DispatchBroadcast(_ context.Context, b *model.ScheduledBroadcast) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, assert.AnError
	}
	f.broadcasts = append(f.broadcasts, b)
	return 7, nil
}

func (f *fakeDispatcher) DispatchGlobal(_ context.Context, ev *model.NotificationEvent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globals = append(f.globals, ev)
	return 1, nil
}

func newTestScheduler(t *testing.T, d Dispatcher, v *VersionChecker) (*Scheduler, *broadcast.Catalog) {
	t.Helper()
	catalog, err := broadcast.NewCatalog(statefile.NewDir(t.TempDir()).File("broadcasts"))
	require.NoError(t, err)
	return New(catalog, d, v, slog.Default()), catalog
}

func TestSweepDispatchesDueBroadcasts(t *testing.T) {
	d := &fakeDispatcher{}
	s, catalog := newTestScheduler(t, d, nil)

	b, err := catalog.Create(&model.ScheduledBroadcast{
		Title: "Window", Message: "Tonight.",
		ScheduledAt: time.Now().Add(50 * time.Millisecond),
		CreatedBy:   uuid.New(),
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	s.sweepBroadcasts()

	require.Len(t, d.broadcasts, 1)
	got, err := catalog.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastSent, got.Status)
	assert.Equal(t, 7, got.UsersNotified)
	require.NotNil(t, got.SentAt)

	// A second sweep finds nothing pending.
	s.sweepBroadcasts()
	assert.Len(t, d.broadcasts, 1)
}

func TestSweepMarksFailures(t *testing.T) {
	d := &fakeDispatcher{fail: true}
	s, catalog := newTestScheduler(t, d, nil)

	b, err := catalog.Create(&model.ScheduledBroadcast{
		Title: "Window", Message: "Tonight.",
		ScheduledAt: time.Now().Add(50 * time.Millisecond),
		CreatedBy:   uuid.New(),
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	s.sweepBroadcasts()

	got, err := catalog.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastFailed, got.Status)
	assert.Equal(t, assert.AnError.Error(), got.Error)
}

func TestVersionCheckNotifiesOncePerRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("v2.4.0\n"))
	}))
	t.Cleanup(srv.Close)

	state := statefile.NewDir(t.TempDir()).File("version")
	checker, err := NewVersionChecker("v2.3.1", func() string { return srv.URL }, state, slog.Default())
	require.NoError(t, err)

	ev, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.TypeSystemStatus, ev.Type)
	assert.Equal(t, model.PriorityMedium, ev.Priority, "minor bump is medium priority")
	assert.Equal(t, "v2.4.0", ev.Details["latest_version"])

	// Same release again: already notified.
	ev, err = checker.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestVersionCheckIgnoresOlderAndEqual(t *testing.T) {
	for _, remote := range []string{"v2.3.1", "v2.3.0", "v1.9.9"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(remote))
		}))
		checker, err := NewVersionChecker("v2.3.1", func() string { return srv.URL },
			statefile.NewDir(t.TempDir()).File("version"), slog.Default())
		require.NoError(t, err)

		ev, err := checker.Check(context.Background())
		require.NoError(t, err)
		assert.Nil(t, ev, "remote %s is not an upgrade", remote)
		srv.Close()
	}
}

func TestVersionCheckURLReadPerCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("v3.0.0"))
	}))
	t.Cleanup(srv.Close)

	// Disabled until the URL is configured at runtime.
	url := ""
	checker, err := NewVersionChecker("v2.3.1", func() string { return url },
		statefile.NewDir(t.TempDir()).File("version"), slog.Default())
	require.NoError(t, err)

	ev, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)

	url = srv.URL
	ev, err = checker.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "v3.0.0", ev.Details["latest_version"])
}

func TestUpgradePriorityByComponent(t *testing.T) {
	cur := semver{2, 3, 1}
	assert.Equal(t, model.PriorityHigh, upgradePriority(cur, semver{3, 0, 0}))
	assert.Equal(t, model.PriorityMedium, upgradePriority(cur, semver{2, 4, 0}))
	assert.Equal(t, model.PriorityLow, upgradePriority(cur, semver{2, 3, 2}))
}

func TestParseSemver(t *testing.T) {
	v, err := parseSemver(" v10.2.33 \n")
	require.NoError(t, err)
	assert.Equal(t, semver{10, 2, 33}, v)

	_, err = parseSemver("2.3")
	assert.Error(t, err)
	_, err = parseSemver("not-a-version")
	assert.Error(t, err)
}

func TestStopReleasesLoop(t *testing.T) {
	d := &fakeDispatcher{}
	s, _ := newTestScheduler(t, d, nil)
	require.NoError(t, s.Start())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop promptly")
	}
	assert.Error(t, s.ctx.Err(), "stop cancels the scheduler context")
}
