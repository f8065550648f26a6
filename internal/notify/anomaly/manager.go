package anomaly

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Manager hands out the per-network detector, creating one on demand. It is
// a process-wide singleton owned by the lifecycle component.
type Manager struct {
	logger *slog.Logger

	mu        sync.Mutex
	detectors map[uuid.UUID]*Detector
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger, detectors: make(map[uuid.UUID]*Detector)}
}

// For returns the detector scoped to the network.
func (m *Manager) For(networkID uuid.UUID) *Detector {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.detectors[networkID]
	if !ok {
		d = newDetector(networkID, m.logger)
		m.detectors[networkID] = d
	}
	return d
}

// Snapshot copies every network's baselines for persistence across restarts.
func (m *Manager) Snapshot() map[uuid.UUID]map[string]*DeviceStats {
	m.mu.Lock()
	detectors := make(map[uuid.UUID]*Detector, len(m.detectors))
	for id, d := range m.detectors {
		detectors[id] = d
	}
	m.mu.Unlock()

	out := make(map[uuid.UUID]map[string]*DeviceStats, len(detectors))
	for id, d := range detectors {
		out[id] = d.snapshot()
	}
	return out
}

// Restore seeds detectors from a persisted snapshot; unknown networks are
// created, existing baselines are overwritten per device.
func (m *Manager) Restore(snapshot map[uuid.UUID]map[string]*DeviceStats) {
	for id, devices := range snapshot {
		m.For(id).restore(devices)
	}
	if len(snapshot) > 0 {
		m.logger.Info("anomaly baselines restored", "networks", len(snapshot))
	}
}
