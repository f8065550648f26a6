// Package anomaly learns per-device health baselines and turns suspicious
// samples into notification events.
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
)

const modelVersion = "stats-v1"

// Kind names the winning anomaly signal.
type Kind string

const (
	KindUnexpectedOffline Kind = "unexpected_offline"
	KindLatencySpike      Kind = "latency_spike"
	KindPacketLossSpike   Kind = "packet_loss_spike"
	KindTimeBased         Kind = "time_based"
)

// Sample is one health observation for a device.
type Sample struct {
	DeviceIP   string
	DeviceName string
	Hostname   string
	Success    bool
	LatencyMS  *float64
	PacketLoss *float64
	Timestamp  time.Time
}

// Assessment is the detector's verdict for one sample.
type Assessment struct {
	IsAnomaly  bool     `json:"is_anomaly"`
	Confidence float64  `json:"confidence"`
	Kind       Kind     `json:"anomaly_type,omitempty"`
	Factors    []string `json:"factors,omitempty"`
}

// Detector holds the baselines for one network.
type Detector struct {
	networkID uuid.UUID
	logger    *slog.Logger

	mu             sync.Mutex
	devices        map[string]*DeviceStats
	falsePositives map[uuid.UUID]int
}

func newDetector(networkID uuid.UUID, logger *slog.Logger) *Detector {
	return &Detector{
		networkID:      networkID,
		logger:         logger,
		devices:        make(map[string]*DeviceStats),
		falsePositives: make(map[uuid.UUID]int),
	}
}

// Process trains on the sample, scores it, and synthesizes the notification
// event it warrants, if any.
func (d *Detector) Process(sample Sample) (*model.NotificationEvent, Assessment) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	d.mu.Lock()
	stats, ok := d.devices[sample.DeviceIP]
	if !ok {
		stats = newDeviceStats(sample.DeviceIP, sample.Timestamp)
		d.devices[sample.DeviceIP] = stats
	}
	prev := stats.train(sample)
	assessment := d.detect(stats, sample)
	d.mu.Unlock()

	return d.synthesize(stats, prev, sample, assessment), assessment
}

// detect picks the strongest of the four anomaly signals. Devices without a
// baseline are never anomalous.
func (d *Detector) detect(s *DeviceStats, sample Sample) Assessment {
	if s.TotalChecks < minSamples {
		return Assessment{}
	}

	var best Assessment

	consider := func(score float64, kind Kind, factor string) {
		if score > best.Confidence {
			best.Confidence = score
			best.Kind = kind
		}
		best.Factors = append(best.Factors, factor)
	}

	if !sample.Success && s.Availability() >= 0.90 {
		score := math.Min(s.Availability(), 0.95) + 0.1*float64(s.ConsecutiveFailures)
		score = math.Min(score, 0.99)
		consider(score, KindUnexpectedOffline,
			fmt.Sprintf("device offline despite %.0f%% availability", s.Availability()*100))
	}

	if sample.Success && sample.LatencyMS != nil {
		if sd := s.Latency.stdDev(); sd > 0 {
			z := math.Abs(*sample.LatencyMS-s.Latency.Mean) / sd
			if z > 3.0 {
				consider(math.Min(z/10, 0.9), KindLatencySpike,
					fmt.Sprintf("latency %.0fms vs mean %.0fms (z=%.1f)", *sample.LatencyMS, s.Latency.Mean, z))
			}
		}
	}

	if sample.Success && sample.PacketLoss != nil {
		loss := *sample.PacketLoss
		if loss > 0.10 && (loss > 2*s.PacketLoss.Mean || loss > 0.20) {
			consider(math.Min(2*loss, 0.8), KindPacketLossSpike,
				fmt.Sprintf("packet loss %.0f%% vs mean %.0f%%", loss*100, s.PacketLoss.Mean*100))
		}
	}

	if !sample.Success && s.TotalChecks >= 30 {
		if ha := s.HourAvailability(sample.Timestamp.Hour()); ha > 0.80 {
			consider(math.Min(ha, 0.7), KindTimeBased,
				fmt.Sprintf("offline during a normally-reliable hour (%.0f%% availability)", ha*100))
		}
	}

	best.IsAnomaly = best.Confidence >= 0.3
	if !best.IsAnomaly {
		best.Kind = ""
	}
	return best
}

// synthesize translates transitions and anomalies into notification events.
func (d *Detector) synthesize(s *DeviceStats, prev transition, sample Sample, a Assessment) *model.NotificationEvent {
	name := sample.DeviceName
	if name == "" {
		name = sample.DeviceIP
	}

	var ev *model.NotificationEvent
	switch {
	case !sample.Success:
		if s.IsStableOffline() {
			return nil
		}
		// Only the transition itself fires, not every subsequent failure.
		if !(prev.seen && prev.wasOnline && prev.prevSuccesses >= 3) {
			return nil
		}
		priority := model.PriorityMedium
		if s.ConsecutiveFailures >= 3 || a.IsAnomaly {
			priority = model.PriorityHigh
		}
		ev = model.NewEvent(model.TypeDeviceOffline, priority,
			fmt.Sprintf("Device offline: %s", name),
			fmt.Sprintf("%s (%s) stopped responding.", name, sample.DeviceIP))
		ev.PreviousState = "online"
		ev.CurrentState = "offline"

	case prev.seen && !prev.wasOnline && prev.prevFailures >= 3:
		if s.IsStableOffline() {
			return nil
		}
		ev = model.NewEvent(model.TypeDeviceOnline, model.PriorityLow,
			fmt.Sprintf("Device back online: %s", name),
			fmt.Sprintf("%s (%s) is responding again after %d failed checks.", name, sample.DeviceIP, prev.prevFailures))
		ev.PreviousState = "offline"
		ev.CurrentState = "online"

	case a.IsAnomaly && a.Kind == KindLatencySpike:
		ev = model.NewEvent(model.TypeHighLatency, latencyPriority(a.Confidence),
			fmt.Sprintf("High latency: %s", name),
			fmt.Sprintf("%s (%s): %s.", name, sample.DeviceIP, strings.Join(a.Factors, "; ")))

	case a.IsAnomaly && a.Kind == KindPacketLossSpike:
		ev = model.NewEvent(model.TypePacketLoss, latencyPriority(a.Confidence),
			fmt.Sprintf("Packet loss: %s", name),
			fmt.Sprintf("%s (%s): %s.", name, sample.DeviceIP, strings.Join(a.Factors, "; ")))

	default:
		return nil
	}

	nid := d.networkID
	ev.NetworkID = &nid
	ev.DeviceIP = sample.DeviceIP
	ev.DeviceName = sample.DeviceName
	ev.DeviceHostname = sample.Hostname
	if a.IsAnomaly {
		ev.AnomalyScore = a.Confidence
		ev.ModelVersion = modelVersion
		ev.IsPredictedAnomaly = true
	}
	return ev
}

func latencyPriority(score float64) model.Priority {
	if score >= 0.7 {
		return model.PriorityHigh
	}
	return model.PriorityMedium
}

// MarkFalsePositive records user feedback against an emitted event. It never
// changes classification synchronously.
func (d *Detector) MarkFalsePositive(eventID uuid.UUID) {
	d.mu.Lock()
	d.falsePositives[eventID]++
	n := d.falsePositives[eventID]
	d.mu.Unlock()
	d.logger.Info("anomaly marked as false positive", "network_id", d.networkID, "event_id", eventID, "count", n)
}

// Stats returns a copy of the baseline for one device, nil when unknown.
func (d *Detector) Stats(deviceIP string) *DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.devices[deviceIP]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Forget drops the baseline for a removed device.
func (d *Detector) Forget(deviceIP string) {
	d.mu.Lock()
	delete(d.devices, deviceIP)
	d.mu.Unlock()
}

func (d *Detector) snapshot() map[string]*DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*DeviceStats, len(d.devices))
	for ip, s := range d.devices {
		cp := *s
		out[ip] = &cp
	}
	return out
}

func (d *Detector) restore(devices map[string]*DeviceStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ip, s := range devices {
		cp := *s
		d.devices[ip] = &cp
	}
}
