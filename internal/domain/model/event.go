package model

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType enumerates every event the pipeline can carry.
type NotificationType string

const (
	TypeDeviceOffline        NotificationType = "device_offline"
	TypeDeviceOnline         NotificationType = "device_online"
	TypeDeviceDegraded       NotificationType = "device_degraded"
	TypeHighLatency          NotificationType = "high_latency"
	TypePacketLoss           NotificationType = "packet_loss"
	TypeAnomalyDetected      NotificationType = "anomaly_detected"
	TypeMassOutage           NotificationType = "mass_outage"
	TypeMassRecovery         NotificationType = "mass_recovery"
	TypeDeviceAdded          NotificationType = "device_added"
	TypeDeviceRemoved        NotificationType = "device_removed"
	TypeISPIssue             NotificationType = "isp_issue"
	TypeSecurityAlert        NotificationType = "security_alert"
	TypeScheduledMaintenance NotificationType = "scheduled_maintenance"
	TypeSystemStatus         NotificationType = "system_status"
	TypeCartographerUp       NotificationType = "cartographer_up"
	TypeCartographerDown     NotificationType = "cartographer_down"
)

// AllNotificationTypes lists the declared enumeration, used to validate
// preference payloads.
var AllNotificationTypes = []NotificationType{
	TypeDeviceOffline, TypeDeviceOnline, TypeDeviceDegraded,
	TypeHighLatency, TypePacketLoss, TypeAnomalyDetected,
	TypeMassOutage, TypeMassRecovery,
	TypeDeviceAdded, TypeDeviceRemoved,
	TypeISPIssue, TypeSecurityAlert,
	TypeScheduledMaintenance, TypeSystemStatus,
	TypeCartographerUp, TypeCartographerDown,
}

// Valid reports whether t is part of the declared enumeration.
func (t NotificationType) Valid() bool {
	for _, known := range AllNotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders notification urgency: low < medium < high < critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the comparable order of p; unknown values rank below low.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is a declared priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

var defaultPriorities = map[NotificationType]Priority{
	TypeDeviceOffline:        PriorityMedium,
	TypeDeviceOnline:         PriorityLow,
	TypeDeviceDegraded:       PriorityMedium,
	TypeHighLatency:          PriorityMedium,
	TypePacketLoss:           PriorityMedium,
	TypeAnomalyDetected:      PriorityHigh,
	TypeMassOutage:           PriorityCritical,
	TypeMassRecovery:         PriorityMedium,
	TypeDeviceAdded:          PriorityLow,
	TypeDeviceRemoved:        PriorityLow,
	TypeISPIssue:             PriorityHigh,
	TypeSecurityAlert:        PriorityCritical,
	TypeScheduledMaintenance: PriorityMedium,
	TypeSystemStatus:         PriorityLow,
	TypeCartographerUp:       PriorityMedium,
	TypeCartographerDown:     PriorityCritical,
}

// DefaultPriorityFor returns the static default priority for a type.
func DefaultPriorityFor(t NotificationType) Priority {
	if p, ok := defaultPriorities[t]; ok {
		return p
	}
	return PriorityMedium
}

// NotificationEvent is the value flowing through the pipeline, from the
// anomaly detector (or scheduler, or lifecycle) to the dispatcher.
type NotificationEvent struct {
	EventID   uuid.UUID        `json:"event_id"`
	Timestamp time.Time        `json:"timestamp"`
	Type      NotificationType `json:"type"`
	Priority  Priority         `json:"priority"`

	NetworkID *uuid.UUID `json:"network_id,omitempty"`

	DeviceIP       string `json:"device_ip,omitempty"`
	DeviceName     string `json:"device_name,omitempty"`
	DeviceHostname string `json:"device_hostname,omitempty"`
	PreviousState  string `json:"previous_state,omitempty"`
	CurrentState   string `json:"current_state,omitempty"`

	Title   string         `json:"title"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	AnomalyScore       float64 `json:"anomaly_score,omitempty"`
	ModelVersion       string  `json:"model_version,omitempty"`
	IsPredictedAnomaly bool    `json:"is_predicted_anomaly,omitempty"`
}

// NewEvent builds a NotificationEvent with a fresh id and current timestamp.
func NewEvent(t NotificationType, priority Priority, title, message string) *NotificationEvent {
	return &NotificationEvent{
		EventID:   uuid.New(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Priority:  priority,
		Title:     title,
		Message:   message,
	}
}
