package anomaly

import (
	"math"
	"time"
)

const (
	// minSamples gates detection: below this the device has no baseline.
	minSamples = 10
	// minStableSamples gates the stable-offline/online classification.
	minStableSamples = 20
)

// welford is an online mean/variance accumulator.
type welford struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

func (w *welford) add(x float64) {
	w.N++
	delta := x - w.Mean
	w.Mean += delta / float64(w.N)
	w.M2 += delta * (x - w.Mean)
}

// stdDev is the sample standard deviation; zero until two observations.
func (w *welford) stdDev() float64 {
	if w.N < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.N-1))
}

// DeviceStats is the learned baseline for one device on one network. It is
// updated online per health sample and serialized as-is into detector
// snapshots.
type DeviceStats struct {
	DeviceIP string `json:"device_ip"`

	TotalChecks      int `json:"total_checks"`
	SuccessfulChecks int `json:"successful_checks"`
	FailedChecks     int `json:"failed_checks"`

	Latency    welford `json:"latency"`
	PacketLoss welford `json:"packet_loss"`

	MinLatency float64 `json:"min_latency"`
	MaxLatency float64 `json:"max_latency"`

	HourlySuccess [24]int `json:"hourly_success"`
	HourlyTotal   [24]int `json:"hourly_total"`
	DailySuccess  [7]int  `json:"daily_success"`
	DailyTotal    [7]int  `json:"daily_total"`

	LastSeen             bool `json:"last_seen"`
	LastOnline           bool `json:"last_online"`
	ConsecutiveSuccesses int  `json:"consecutive_successes"`
	ConsecutiveFailures  int  `json:"consecutive_failures"`
	StateTransitions     int  `json:"state_transitions"`

	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
}

func newDeviceStats(ip string, at time.Time) *DeviceStats {
	return &DeviceStats{DeviceIP: ip, FirstSeen: at, LastUpdated: at}
}

// transition captures the state the device was in before a sample was
// folded in; event synthesis needs the pre-sample view.
type transition struct {
	seen          bool
	wasOnline     bool
	prevSuccesses int
	prevFailures  int
}

// train folds one sample into the baseline and returns the pre-sample state.
func (s *DeviceStats) train(sample Sample) transition {
	prev := transition{
		seen:          s.LastSeen,
		wasOnline:     s.LastOnline,
		prevSuccesses: s.ConsecutiveSuccesses,
		prevFailures:  s.ConsecutiveFailures,
	}

	s.TotalChecks++
	hour := sample.Timestamp.Hour()
	day := int(sample.Timestamp.Weekday())
	s.HourlyTotal[hour]++
	s.DailyTotal[day]++

	if sample.Success {
		s.SuccessfulChecks++
		s.HourlySuccess[hour]++
		s.DailySuccess[day]++
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0

		if sample.LatencyMS != nil {
			lat := *sample.LatencyMS
			s.Latency.add(lat)
			if s.Latency.N == 1 || lat < s.MinLatency {
				s.MinLatency = lat
			}
			if lat > s.MaxLatency {
				s.MaxLatency = lat
			}
		}
		if sample.PacketLoss != nil {
			s.PacketLoss.add(*sample.PacketLoss)
		}
	} else {
		s.FailedChecks++
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
	}

	if prev.seen && prev.wasOnline != sample.Success {
		s.StateTransitions++
	}
	s.LastSeen = true
	s.LastOnline = sample.Success
	s.LastUpdated = sample.Timestamp
	return prev
}

// Availability is the long-term success ratio.
func (s *DeviceStats) Availability() float64 {
	if s.TotalChecks == 0 {
		return 0
	}
	return float64(s.SuccessfulChecks) / float64(s.TotalChecks)
}

// HourAvailability is the success ratio for one hour of day.
func (s *DeviceStats) HourAvailability(hour int) float64 {
	if s.HourlyTotal[hour] == 0 {
		return 0
	}
	return float64(s.HourlySuccess[hour]) / float64(s.HourlyTotal[hour])
}

// IsStableOffline reports a device whose baseline says it is simply off.
func (s *DeviceStats) IsStableOffline() bool {
	return s.TotalChecks >= minStableSamples && s.Availability() < 0.10
}

// IsStableOnline reports a device that is essentially always reachable.
func (s *DeviceStats) IsStableOnline() bool {
	return s.TotalChecks >= minStableSamples && s.Availability() >= 0.95
}
