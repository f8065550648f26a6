package anomaly

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
)

func ptr(v float64) *float64 { return &v }

func at(hour int) time.Time {
	return time.Date(2026, 4, 14, hour, 5, 0, 0, time.UTC)
}

func feed(d *Detector, ip string, n int, success bool, latency float64) {
	for range n {
		var lat *float64
		if success {
			lat = ptr(latency)
		}
		d.Process(Sample{DeviceIP: ip, Success: success, LatencyMS: lat, Timestamp: at(14)})
	}
}

func TestNoVerdictBelowMinimumSamples(t *testing.T) {
	d := newDetector(uuid.New(), slog.Default())

	var a Assessment
	for range minSamples - 1 {
		_, a = d.Process(Sample{DeviceIP: "10.0.0.1", Success: true, LatencyMS: ptr(20), Timestamp: at(14)})
	}
	assert.False(t, a.IsAnomaly)
	assert.Zero(t, a.Confidence)
}

func TestLatencySpikeScoring(t *testing.T) {
	d := newDetector(uuid.New(), slog.Default())

	// Build a tight baseline around 20ms: alternate 16 and 24 for a real
	// spread, 200 samples total.
	for i := range 200 {
		lat := 16.0
		if i%2 == 1 {
			lat = 24.0
		}
		d.Process(Sample{DeviceIP: "10.0.0.5", Success: true, LatencyMS: ptr(lat), Timestamp: at(14)})
	}

	stats := d.Stats("10.0.0.5")
	require.NotNil(t, stats)
	assert.InDelta(t, 20.0, stats.Latency.Mean, 0.1)
	assert.InDelta(t, 4.0, stats.Latency.stdDev(), 0.1)

	ev, a := d.Process(Sample{DeviceIP: "10.0.0.5", Success: true, LatencyMS: ptr(120), Timestamp: at(14)})
	require.True(t, a.IsAnomaly)
	assert.Equal(t, KindLatencySpike, a.Kind)
	assert.InDelta(t, 0.9, a.Confidence, 0.001, "score caps at 0.9")

	require.NotNil(t, ev)
	assert.Equal(t, model.TypeHighLatency, ev.Type)
	assert.True(t, ev.IsPredictedAnomaly)
	assert.InDelta(t, 0.9, ev.AnomalyScore, 0.001)
}

func TestUnexpectedOfflineScore(t *testing.T) {
	d := newDetector(uuid.New(), slog.Default())
	feed(d, "10.0.0.2", 50, true, 20)

	ev, a := d.Process(Sample{DeviceIP: "10.0.0.2", Success: false, Timestamp: at(14)})
	require.True(t, a.IsAnomaly)
	assert.Equal(t, KindUnexpectedOffline, a.Kind)
	// availability capped at 0.95, one consecutive failure, ceiling 0.99.
	assert.InDelta(t, 0.99, a.Confidence, 0.001)

	require.NotNil(t, ev)
	assert.Equal(t, model.TypeDeviceOffline, ev.Type)
	assert.Equal(t, model.PriorityHigh, ev.Priority, "anomalous offline bumps priority")
	assert.Equal(t, "online", ev.PreviousState)
}

func TestOfflineEventOnlyOnTransition(t *testing.T) {
	d := newDetector(uuid.New(), slog.Default())
	feed(d, "10.0.0.3", 30, true, 20)

	ev, _ := d.Process(Sample{DeviceIP: "10.0.0.3", Success: false, Timestamp: at(14)})
	require.NotNil(t, ev)

	// Subsequent failures stay quiet.
	ev, _ = d.Process(Sample{DeviceIP: "10.0.0.3", Success: false, Timestamp: at(14)})
	assert.Nil(t, ev)
}

func TestOnlineTransitionAfterFailures(t *testing.T) {
	d := newDetector(uuid.New(), slog.Default())
	feed(d, "10.0.0.4", 30, true, 20)
	feed(d, "10.0.0.4", 4, false, 0)

	ev, _ := d.Process(Sample{DeviceIP: "10.0.0.4", Success: true, LatencyMS: ptr(20), Timestamp: at(14)})
	require.NotNil(t, ev)
	assert.Equal(t, model.TypeDeviceOnline, ev.Type)
	assert.Equal(t, model.PriorityLow, ev.Priority)
}

func TestStableOfflineDeviceStaysQuiet(t *testing.T) {
	d := newDetector(uuid.New(), slog.Default())

	// A device that is almost never up: brief success burst, then dead.
	feed(d, "10.0.0.9", 4, true, 20)
	feed(d, "10.0.0.9", 96, false, 0)

	stats := d.Stats("10.0.0.9")
	require.True(t, stats.IsStableOffline())

	ev, _ := d.Process(Sample{DeviceIP: "10.0.0.9", Success: false, Timestamp: at(3)})
	assert.Nil(t, ev, "stable-offline baseline suppresses offline events")
}

func TestPacketLossSpike(t *testing.T) {
	d := newDetector(uuid.New(), slog.Default())
	for range 40 {
		d.Process(Sample{DeviceIP: "10.0.0.6", Success: true, LatencyMS: ptr(20), PacketLoss: ptr(0.01), Timestamp: at(14)})
	}

	ev, a := d.Process(Sample{DeviceIP: "10.0.0.6", Success: true, LatencyMS: ptr(20), PacketLoss: ptr(0.30), Timestamp: at(14)})
	require.True(t, a.IsAnomaly)
	assert.Equal(t, KindPacketLossSpike, a.Kind)
	assert.InDelta(t, 0.6, a.Confidence, 0.001)
	require.NotNil(t, ev)
	assert.Equal(t, model.TypePacketLoss, ev.Type)
}

func TestManagerScopesPerNetworkAndSnapshots(t *testing.T) {
	m := NewManager(slog.Default())
	netA, netB := uuid.New(), uuid.New()

	feed(m.For(netA), "10.0.0.1", 15, true, 20)
	assert.Nil(t, m.For(netB).Stats("10.0.0.1"), "baselines must not leak across networks")

	snap := m.Snapshot()
	require.Contains(t, snap, netA)
	require.Contains(t, snap[netA], "10.0.0.1")
	assert.Equal(t, 15, snap[netA]["10.0.0.1"].TotalChecks)

	restored := NewManager(slog.Default())
	restored.Restore(snap)
	got := restored.For(netA).Stats("10.0.0.1")
	require.NotNil(t, got)
	assert.Equal(t, 15, got.TotalChecks)
}

func TestFalsePositiveFeedbackIsAsynchronousOnly(t *testing.T) {
	d := newDetector(uuid.New(), slog.Default())
	feed(d, "10.0.0.7", 50, true, 20)

	_, before := d.Process(Sample{DeviceIP: "10.0.0.7", Success: false, Timestamp: at(14)})
	require.True(t, before.IsAnomaly)
	d.MarkFalsePositive(uuid.New())

	// Classification is unchanged by feedback.
	feed(d, "10.0.0.7", 3, true, 20)
	_, after := d.Process(Sample{DeviceIP: "10.0.0.7", Success: false, Timestamp: at(14)})
	assert.True(t, after.IsAnomaly)
}
