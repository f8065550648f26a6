package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/notify/outage"
	"github.com/netmapper/fabric/internal/notify/policy"
	"github.com/netmapper/fabric/internal/store"
)

type fakeAdapter struct {
	ch   model.Channel
	fail bool

	mu   sync.Mutex
	sent []Recipient
}

func (f *fakeAdapter) Channel() model.Channel { return f.ch }

func (f *fakeAdapter) Send(_ context.Context, to Recipient, _ *model.NotificationEvent) error {
	f.mu.Lock()
	f.sent = append(f.sent, to)
	f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	return nil
}

type dispatchFixture struct {
	d     *Dispatcher
	mock  sqlmock.Sqlmock
	email *fakeAdapter
	dm    *fakeAdapter
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), logger)

	f := &dispatchFixture{
		mock:  mock,
		email: &fakeAdapter{ch: model.ChannelEmail},
		dm:    &fakeAdapter{ch: model.ChannelChatDM},
	}
	f.d = New(st, policy.NewEngine(logger), outage.NewAggregator(logger),
		[]Adapter{f.email, f.dm}, logger)
	return f
}

// expectNetworkFanout queues the member, email and preference batch queries
// for a single-member network.
func (f *dispatchFixture) expectNetworkFanout(userID uuid.UUID, prefsJSON string) {
	f.mock.ExpectQuery(`SELECT owner_id FROM networks`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow(userID.String()))
	f.mock.ExpectQuery(`SELECT id, email FROM users WHERE is_active`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow(userID.String(), "alice@example.com"))
	rows := sqlmock.NewRows([]string{"user_id", "prefs"})
	if prefsJSON != "" {
		rows.AddRow(userID.String(), []byte(prefsJSON))
	}
	f.mock.ExpectQuery(`SELECT user_id, prefs FROM user_network_preferences`).
		WillReturnRows(rows)
}

func TestDispatchSharesNotificationIDAcrossChannels(t *testing.T) {
	f := newDispatchFixture(t)
	userID := uuid.New()
	networkID := uuid.New()

	// Defaults enable email only; this row turns the DM channel on too.
	f.expectNetworkFanout(userID,
		`{"email_enabled":true,"chat_dm_enabled":true,
		  "enabled_types":["device_offline"],"minimum_priority":"low",
		  "max_notifications_per_hour":10,"quiet_hours":{"enabled":false}}`)
	f.mock.ExpectExec(`INSERT INTO notification_records`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	ev := model.NewEvent(model.TypeDeviceOffline, model.PriorityHigh, "Device offline", "msg")
	out, err := f.d.DispatchToNetwork(context.Background(), networkID, ev)
	require.NoError(t, err)

	records := out[userID]
	require.Len(t, records, 2)
	assert.Equal(t, records[0].NotificationID, records[1].NotificationID,
		"channel records for one user and event share a notification id")
	assert.NotEqual(t, records[0].ID, records[1].ID)
	assert.True(t, records[0].Success)
	assert.Len(t, f.email.sent, 1)
	assert.Equal(t, "alice@example.com", f.email.sent[0].Email)
}

func TestDispatchRecordsAdapterFailure(t *testing.T) {
	f := newDispatchFixture(t)
	f.email.fail = true
	userID := uuid.New()

	f.expectNetworkFanout(userID, "")
	f.mock.ExpectExec(`INSERT INTO notification_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := model.NewEvent(model.TypeDeviceOffline, model.PriorityHigh, "Device offline", "msg")
	out, err := f.d.DispatchToNetwork(context.Background(), uuid.New(), ev)
	require.NoError(t, err)

	records := out[userID]
	require.Len(t, records, 1, "defaults enable email only")
	assert.False(t, records[0].Success)
	assert.NotEmpty(t, records[0].Error)
}

func TestDispatchSkipsDeniedUsers(t *testing.T) {
	f := newDispatchFixture(t)
	userID := uuid.New()

	// system_status is outside the default enabled set, so policy denies and
	// no record batch is written.
	f.expectNetworkFanout(userID, "")

	ev := model.NewEvent(model.TypeSystemStatus, model.PriorityHigh, "status", "msg")
	out, err := f.d.DispatchToNetwork(context.Background(), uuid.New(), ev)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, f.email.sent)
}

func TestOfflineEventsAggregateThroughBuffer(t *testing.T) {
	f := newDispatchFixture(t)
	networkID := uuid.New()
	userID := uuid.New()

	offline := func(ip string) *model.NotificationEvent {
		ev := model.NewEvent(model.TypeDeviceOffline, model.PriorityMedium, "Device offline: "+ip, "")
		ev.DeviceIP = ip
		return ev
	}

	// First two offline events only buffer; no queries fire.
	require.NoError(t, f.d.RouteDeviceEvent(context.Background(), networkID, offline("10.0.0.1")))
	require.NoError(t, f.d.RouteDeviceEvent(context.Background(), networkID, offline("10.0.0.2")))
	assert.Empty(t, f.email.sent)

	// The third crosses the threshold: one mass-outage fan-out.
	f.expectNetworkFanout(userID, "")
	f.mock.ExpectExec(`INSERT INTO notification_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, f.d.RouteDeviceEvent(context.Background(), networkID, offline("10.0.0.3")))

	require.Len(t, f.email.sent, 1, "three offlines collapse into one delivery")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSilencedDeviceProducesNothing(t *testing.T) {
	f := newDispatchFixture(t)
	f.d.SetSilencer(silenceAll{})

	ev := model.NewEvent(model.TypeDeviceOffline, model.PriorityHigh, "Device offline", "")
	ev.DeviceIP = "10.0.0.1"
	require.NoError(t, f.d.RouteDeviceEvent(context.Background(), uuid.New(), ev))
	assert.Empty(t, f.email.sent)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

type silenceAll struct{}

func (silenceAll) IsSilenced(uuid.UUID, string) bool { return true }

func TestGlobalDispatchReachesSubscribers(t *testing.T) {
	f := newDispatchFixture(t)
	userID := uuid.New()

	f.mock.ExpectQuery(`SELECT user_id FROM user_global_preferences`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID.String()))
	f.mock.ExpectQuery(`SELECT id, email FROM users WHERE is_active`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow(userID.String(), "alice@example.com"))
	f.mock.ExpectQuery(`SELECT prefs FROM user_global_preferences`).
		WillReturnRows(sqlmock.NewRows([]string{"prefs"}).
			AddRow([]byte(`{"email_enabled":true,"service_status_enabled":true,
				"minimum_priority":"low","max_notifications_per_hour":10}`)))
	f.mock.ExpectExec(`INSERT INTO notification_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := model.NewEvent(model.TypeCartographerDown, model.PriorityCritical, "Service stopping", "")
	notified, err := f.d.DispatchGlobal(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	assert.Len(t, f.email.sent, 1)
}

func TestPusherReceivesAllowedEvents(t *testing.T) {
	f := newDispatchFixture(t)
	pushed := make(chan uuid.UUID, 1)
	f.d.SetPusher(pushFunc(func(userID uuid.UUID, _ *model.NotificationEvent) {
		pushed <- userID
	}))

	userID := uuid.New()
	f.expectNetworkFanout(userID, "")
	f.mock.ExpectExec(`INSERT INTO notification_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := model.NewEvent(model.TypeDeviceOffline, model.PriorityHigh, "Device offline", "")
	_, err := f.d.DispatchToNetwork(context.Background(), uuid.New(), ev)
	require.NoError(t, err)

	select {
	case got := <-pushed:
		assert.Equal(t, userID, got)
	case <-time.After(time.Second):
		t.Fatal("pusher never invoked")
	}
}

type pushFunc func(uuid.UUID, *model.NotificationEvent)

func (f pushFunc) Push(u uuid.UUID, ev *model.NotificationEvent) { f(u, ev) }
