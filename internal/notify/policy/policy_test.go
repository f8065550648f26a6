package policy

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
)

func basePrefs() *model.NetworkPreferences {
	return model.DefaultNetworkPreferences(uuid.New(), uuid.New())
}

func eventOf(t model.NotificationType, p model.Priority) *model.NotificationEvent {
	return model.NewEvent(t, p, "title", "message")
}

func TestDeniesWhenAllChannelsDisabled(t *testing.T) {
	e := NewEngine(slog.Default())
	prefs := basePrefs()
	prefs.EmailEnabled = false

	ok, reason := e.Evaluate(FromNetworkPrefs(prefs), eventOf(model.TypeDeviceOffline, model.PriorityHigh), time.Now())
	assert.False(t, ok)
	assert.Equal(t, ReasonNoChannels, reason)
}

func TestDeniesDisabledType(t *testing.T) {
	e := NewEngine(slog.Default())
	prefs := basePrefs()

	// system_status is not in the default enabled set.
	ok, reason := e.Evaluate(FromNetworkPrefs(prefs), eventOf(model.TypeSystemStatus, model.PriorityHigh), time.Now())
	assert.False(t, ok)
	assert.Equal(t, ReasonTypeDisabled, reason)
}

func TestGlobalPrefsSkipTypeFilter(t *testing.T) {
	e := NewEngine(slog.Default())
	prefs := model.DefaultGlobalPreferences(uuid.New())

	ok, _ := e.Evaluate(FromGlobalPrefs(prefs), eventOf(model.TypeCartographerDown, model.PriorityCritical), time.Now())
	assert.True(t, ok)
}

func TestEffectivePriorityResolution(t *testing.T) {
	overrides := map[model.NotificationType]model.Priority{
		model.TypeDeviceOffline: model.PriorityCritical,
	}

	// Per-type override wins over the event's own priority.
	assert.Equal(t, model.PriorityCritical,
		EffectivePriority(overrides, eventOf(model.TypeDeviceOffline, model.PriorityLow)))

	// Without an override the event priority stands.
	assert.Equal(t, model.PriorityHigh,
		EffectivePriority(overrides, eventOf(model.TypePacketLoss, model.PriorityHigh)))

	// An event with no usable priority falls back to the static default.
	ev := eventOf(model.TypeMassOutage, "")
	assert.Equal(t, model.PriorityCritical, EffectivePriority(nil, ev))
}

func TestMinimumPriorityThreshold(t *testing.T) {
	e := NewEngine(slog.Default())
	prefs := basePrefs()
	prefs.MinimumPriority = model.PriorityHigh

	ok, reason := e.Evaluate(FromNetworkPrefs(prefs), eventOf(model.TypeDeviceOffline, model.PriorityMedium), time.Now())
	assert.False(t, ok)
	assert.Equal(t, ReasonBelowMinimum, reason)

	ok, _ = e.Evaluate(FromNetworkPrefs(prefs), eventOf(model.TypeDeviceOffline, model.PriorityHigh), time.Now())
	assert.True(t, ok)
}

func TestQuietHoursWithBypass(t *testing.T) {
	e := NewEngine(slog.Default())
	bypass := model.PriorityHigh
	prefs := basePrefs()
	prefs.QuietHours = model.QuietHours{
		Enabled:        true,
		Start:          "22:00",
		End:            "07:00",
		Timezone:       "America/Chicago",
		BypassPriority: &bypass,
	}

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	at0230 := time.Date(2026, 3, 10, 2, 30, 0, 0, chicago)

	ok, reason := e.Evaluate(FromNetworkPrefs(prefs), eventOf(model.TypeDeviceOffline, model.PriorityMedium), at0230)
	assert.False(t, ok)
	assert.Equal(t, ReasonQuietHours, reason)

	ok, _ = e.Evaluate(FromNetworkPrefs(prefs), eventOf(model.TypeDeviceOffline, model.PriorityHigh), at0230)
	assert.True(t, ok, "bypass priority must pass through quiet hours")

	// Daytime is unaffected.
	at1400 := time.Date(2026, 3, 10, 14, 0, 0, 0, chicago)
	ok, _ = e.Evaluate(FromNetworkPrefs(prefs), eventOf(model.TypeDeviceOffline, model.PriorityMedium), at1400)
	assert.True(t, ok)
}

func TestQuietHoursMidnightWrapEdges(t *testing.T) {
	q := model.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"}

	cases := []struct {
		hour, min int
		inside    bool
	}{
		{23, 15, true},
		{2, 30, true},
		{6, 59, true},
		{7, 0, false},
		{7, 30, false},
		{21, 59, false},
		{22, 0, true},
	}
	for _, tc := range cases {
		now := time.Date(2026, 1, 5, tc.hour, tc.min, 0, 0, time.UTC)
		assert.Equal(t, tc.inside, inQuietHours(q, now), "%02d:%02d", tc.hour, tc.min)
	}
}

func TestQuietHoursBadTimezoneFallsBackToLocal(t *testing.T) {
	q := model.QuietHours{Enabled: true, Start: "00:00", End: "23:59", Timezone: "Not/AZone"}
	assert.True(t, inQuietHours(q, time.Now()))
}

func TestHourlyRateLimit(t *testing.T) {
	e := NewEngine(slog.Default())
	prefs := basePrefs()
	in := FromNetworkPrefs(prefs)
	now := time.Now()

	for i := range 10 {
		ok, reason := e.Evaluate(in, eventOf(model.TypeDeviceOffline, model.PriorityHigh), now.Add(time.Duration(i)*time.Minute))
		require.True(t, ok, "delivery %d should fit: %s", i+1, reason)
	}

	ok, reason := e.Evaluate(in, eventOf(model.TypeDeviceOffline, model.PriorityHigh), now.Add(11*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)

	// Once the earliest deliveries age out, the budget reopens.
	ok, _ = e.Evaluate(in, eventOf(model.TypeDeviceOffline, model.PriorityHigh), now.Add(rateSpan+time.Minute))
	assert.True(t, ok)
}

func TestRateWindowIsPerUser(t *testing.T) {
	w := newRateWindow()
	now := time.Now()
	a, b := uuid.New(), uuid.New()

	require.True(t, w.allow(a, 1, now))
	assert.False(t, w.allow(a, 1, now))
	assert.True(t, w.allow(b, 1, now), "one user's budget must not starve another")

	w.prune(now.Add(2 * time.Hour))
	assert.Empty(t, w.sends)
}

func TestEnsureDefaultsMigration(t *testing.T) {
	prefs := &model.NetworkPreferences{
		UserID:    uuid.New(),
		NetworkID: uuid.New(),
		EnabledTypes: []model.NotificationType{
			model.TypeDeviceOffline,
		},
	}

	require.True(t, EnsureDefaults(prefs))
	assert.Contains(t, prefs.EnabledTypes, model.TypeDeviceAdded)
	assert.Contains(t, prefs.EnabledTypes, model.TypeDeviceRemoved)

	// Second run is a no-op thanks to the marker.
	before := fmt.Sprintf("%v", prefs.EnabledTypes)
	assert.False(t, EnsureDefaults(prefs))
	assert.Equal(t, before, fmt.Sprintf("%v", prefs.EnabledTypes))
}

func TestEnsureDefaultsRespectsFreshRows(t *testing.T) {
	prefs := model.DefaultNetworkPreferences(uuid.New(), uuid.New())
	assert.False(t, EnsureDefaults(prefs), "freshly defaulted rows already carry the marker")
}
