// Package outage buffers device-offline events per network and collapses
// correlated failures into a single mass-outage event.
package outage

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
)

const (
	// Window is how long an offline event waits for company before it is
	// released for individual dispatch.
	Window = 60 * time.Second
	// MinDevices is the threshold at which buffered events collapse into one
	// mass outage.
	MinDevices = 3

	cleanupEvery = 30 * time.Second
)

type pendingOffline struct {
	deviceIP   string
	deviceName string
	firstSeen  time.Time
	event      *model.NotificationEvent
}

type networkBuffer struct {
	pending     map[string]*pendingOffline
	lastCleanup time.Time
}

// Aggregator is the process-wide outage buffer, scoped per network.
type Aggregator struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	networks map[uuid.UUID]*networkBuffer
}

func NewAggregator(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger:   logger,
		now:      time.Now,
		networks: make(map[uuid.UUID]*networkBuffer),
	}
}

func (a *Aggregator) buffer(networkID uuid.UUID) *networkBuffer {
	b, ok := a.networks[networkID]
	if !ok {
		b = &networkBuffer{pending: make(map[string]*pendingOffline)}
		a.networks[networkID] = b
	}
	return b
}

// RecordOffline parks an offline event; repeats for the same device are
// ignored while the first is still pending.
func (a *Aggregator) RecordOffline(networkID uuid.UUID, deviceIP, deviceName string, ev *model.NotificationEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.buffer(networkID)
	if _, dup := b.pending[deviceIP]; dup {
		return
	}
	b.pending[deviceIP] = &pendingOffline{
		deviceIP:   deviceIP,
		deviceName: deviceName,
		firstSeen:  a.now(),
		event:      ev,
	}
}

// RemoveDevice drops a pending offline when the device recovers before
// dispatch.
func (a *Aggregator) RemoveDevice(networkID uuid.UUID, deviceIP string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.networks[networkID]; ok {
		delete(b.pending, deviceIP)
	}
}

// ShouldAggregate reports whether enough devices are pending to collapse.
func (a *Aggregator) ShouldAggregate(networkID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.networks[networkID]
	return ok && len(b.pending) >= MinDevices
}

// FlushAndCreateMassOutage drains the buffer into one MASS_OUTAGE event, or
// nil when under the threshold.
func (a *Aggregator) FlushAndCreateMassOutage(networkID uuid.UUID) *model.NotificationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.networks[networkID]
	if !ok || len(b.pending) < MinDevices {
		return nil
	}

	devices := make([]*pendingOffline, 0, len(b.pending))
	for _, p := range b.pending {
		devices = append(devices, p)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].firstSeen.Before(devices[j].firstSeen) })

	affected := make([]map[string]any, len(devices))
	for i, p := range devices {
		affected[i] = map[string]any{
			"ip":        p.deviceIP,
			"name":      p.deviceName,
			"timestamp": p.firstSeen.UTC().Format(time.RFC3339),
		}
	}
	first := devices[0].firstSeen
	last := devices[len(devices)-1].firstSeen

	ev := model.NewEvent(model.TypeMassOutage, model.PriorityCritical,
		fmt.Sprintf("Mass outage: %d devices offline", len(devices)),
		fmt.Sprintf("%d devices went offline within %.0f seconds.", len(devices), last.Sub(first).Seconds()))
	nid := networkID
	ev.NetworkID = &nid
	ev.Details = map[string]any{
		"affected_devices":         affected,
		"total_affected":           len(devices),
		"first_detected":           first.UTC().Format(time.RFC3339),
		"last_detected":            last.UTC().Format(time.RFC3339),
		"detection_window_seconds": Window.Seconds(),
	}

	b.pending = make(map[string]*pendingOffline)
	a.logger.Info("mass outage aggregated", "network_id", networkID, "devices", len(devices))
	return ev
}

// GetExpiredEvents releases buffered events older than the window that never
// reached the threshold. The scan itself is throttled to the cleanup cadence.
func (a *Aggregator) GetExpiredEvents(networkID uuid.UUID) []*model.NotificationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.networks[networkID]
	if !ok {
		return nil
	}
	now := a.now()
	if now.Sub(b.lastCleanup) < cleanupEvery {
		return nil
	}
	b.lastCleanup = now

	var out []*model.NotificationEvent
	for ip, p := range b.pending {
		if now.Sub(p.firstSeen) >= Window {
			out = append(out, p.event)
			delete(b.pending, ip)
		}
	}
	return out
}

// PendingCount reports the buffer depth for one network.
func (a *Aggregator) PendingCount(networkID uuid.UUID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.networks[networkID]; ok {
		return len(b.pending)
	}
	return 0
}
