package outage

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
)

func newTestAggregator(start time.Time) (*Aggregator, *time.Time) {
	clock := start
	a := NewAggregator(slog.Default())
	a.now = func() time.Time { return clock }
	return a, &clock
}

func offlineEvent(ip string) *model.NotificationEvent {
	ev := model.NewEvent(model.TypeDeviceOffline, model.PriorityMedium, "Device offline: "+ip, "")
	ev.DeviceIP = ip
	return ev
}

func TestThreeOfflinesCollapseIntoOneMassOutage(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a, clock := newTestAggregator(start)
	network := uuid.New()

	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		*clock = start.Add(time.Duration(i*10) * time.Second)
		a.RecordOffline(network, ip, "device-"+ip, offlineEvent(ip))
	}

	require.True(t, a.ShouldAggregate(network))
	ev := a.FlushAndCreateMassOutage(network)
	require.NotNil(t, ev)

	assert.Equal(t, model.TypeMassOutage, ev.Type)
	assert.Equal(t, model.PriorityCritical, ev.Priority)
	assert.Equal(t, 3, ev.Details["total_affected"])
	assert.Equal(t, start.Format(time.RFC3339), ev.Details["first_detected"])
	assert.Equal(t, start.Add(20*time.Second).Format(time.RFC3339), ev.Details["last_detected"])

	affected, ok := ev.Details["affected_devices"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, affected, 3)
	assert.Equal(t, "10.0.0.1", affected[0]["ip"], "devices sorted by first-seen")
	assert.Equal(t, "10.0.0.3", affected[2]["ip"])

	assert.Zero(t, a.PendingCount(network), "flush clears the buffer")
	assert.Nil(t, a.FlushAndCreateMassOutage(network))
}

func TestDuplicateOfflineIsIgnored(t *testing.T) {
	a, _ := newTestAggregator(time.Now())
	network := uuid.New()

	a.RecordOffline(network, "10.0.0.1", "d1", offlineEvent("10.0.0.1"))
	a.RecordOffline(network, "10.0.0.1", "d1", offlineEvent("10.0.0.1"))
	assert.Equal(t, 1, a.PendingCount(network))
}

func TestRecoveryRemovesPendingDevice(t *testing.T) {
	a, _ := newTestAggregator(time.Now())
	network := uuid.New()

	a.RecordOffline(network, "10.0.0.1", "d1", offlineEvent("10.0.0.1"))
	a.RecordOffline(network, "10.0.0.2", "d2", offlineEvent("10.0.0.2"))
	a.RecordOffline(network, "10.0.0.3", "d3", offlineEvent("10.0.0.3"))
	a.RemoveDevice(network, "10.0.0.2")

	assert.False(t, a.ShouldAggregate(network))
}

func TestExpiredEventsReleasedIndividually(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a, clock := newTestAggregator(start)
	network := uuid.New()

	a.RecordOffline(network, "10.0.0.1", "d1", offlineEvent("10.0.0.1"))
	a.RecordOffline(network, "10.0.0.2", "d2", offlineEvent("10.0.0.2"))

	// Still fresh: nothing released.
	*clock = start.Add(25 * time.Second)
	assert.Empty(t, a.GetExpiredEvents(network))

	// Past the window both release for individual dispatch.
	*clock = start.Add(Window + time.Second)
	expired := a.GetExpiredEvents(network)
	assert.Len(t, expired, 2)
	assert.Zero(t, a.PendingCount(network))
}

func TestExpiryScanIsThrottled(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a, clock := newTestAggregator(start)
	network := uuid.New()

	a.RecordOffline(network, "10.0.0.1", "d1", offlineEvent("10.0.0.1"))

	*clock = start.Add(Window + time.Second)
	require.Len(t, a.GetExpiredEvents(network), 1)

	// A fresh expiry right after the scan waits for the next cadence.
	a.RecordOffline(network, "10.0.0.2", "d2", offlineEvent("10.0.0.2"))
	*clock = start.Add(Window + 10*time.Second)
	assert.Empty(t, a.GetExpiredEvents(network))

	*clock = start.Add(2*Window + 31*time.Second)
	assert.Len(t, a.GetExpiredEvents(network), 1)
}

func TestBuffersAreNetworkScoped(t *testing.T) {
	a, _ := newTestAggregator(time.Now())
	netA, netB := uuid.New(), uuid.New()

	a.RecordOffline(netA, "10.0.0.1", "d1", offlineEvent("10.0.0.1"))
	assert.Equal(t, 1, a.PendingCount(netA))
	assert.Zero(t, a.PendingCount(netB))
}
