package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultsMarker is the hidden key kept inside per-type priorities that makes
// the one-time "device added/removed on by default" migration idempotent.
const DefaultsMarker = "_defaults_migrated_v2"

// QuietHours suppresses delivery inside a daily wall-clock window in the
// user's timezone. Start/End are "HH:MM" and may wrap midnight. Events at or
// above BypassPriority still pass.
type QuietHours struct {
	Enabled        bool      `json:"enabled"`
	Start          string    `json:"start"`
	End            string    `json:"end"`
	Timezone       string    `json:"timezone"`
	BypassPriority *Priority `json:"bypass_priority,omitempty"`
}

// NetworkPreferences holds a user's per-network delivery settings.
// EnabledTypes and TypePriorities are replaced wholesale on update, never
// deep-merged.
type NetworkPreferences struct {
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	NetworkID uuid.UUID `db:"network_id" json:"network_id"`

	EmailEnabled       bool   `json:"email_enabled"`
	ChatDMEnabled      bool   `json:"chat_dm_enabled"`
	ChatChannelEnabled bool   `json:"chat_channel_enabled"`
	ChatUserID         string `json:"chat_user_id,omitempty"`

	EnabledTypes    []NotificationType           `json:"enabled_types"`
	TypePriorities  map[NotificationType]Priority `json:"type_priorities,omitempty"`
	MinimumPriority Priority                     `json:"minimum_priority"`

	QuietHours QuietHours `json:"quiet_hours"`

	MaxNotificationsPerHour int `json:"max_notifications_per_hour"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AnyChannelEnabled reports whether at least one delivery channel is on.
func (p *NetworkPreferences) AnyChannelEnabled() bool {
	return p.EmailEnabled || p.ChatDMEnabled || p.ChatChannelEnabled
}

// TypeEnabled reports whether the event type is in the enabled set.
func (p *NetworkPreferences) TypeEnabled(t NotificationType) bool {
	for _, et := range p.EnabledTypes {
		if et == t {
			return true
		}
	}
	return false
}

// DefaultNetworkPreferences returns the settings applied to a (user, network)
// pair that has never been configured.
func DefaultNetworkPreferences(userID, networkID uuid.UUID) *NetworkPreferences {
	return &NetworkPreferences{
		UserID:       userID,
		NetworkID:    networkID,
		EmailEnabled: true,
		EnabledTypes: []NotificationType{
			TypeDeviceOffline, TypeDeviceOnline,
			TypeHighLatency, TypePacketLoss,
			TypeAnomalyDetected, TypeMassOutage, TypeMassRecovery,
			TypeDeviceAdded, TypeDeviceRemoved,
			TypeSecurityAlert, TypeScheduledMaintenance,
		},
		TypePriorities:          map[NotificationType]Priority{DefaultsMarker: PriorityLow},
		MinimumPriority:         PriorityLow,
		QuietHours:              QuietHours{Timezone: "UTC"},
		MaxNotificationsPerHour: 10,
		UpdatedAt:               time.Now().UTC(),
	}
}

// GlobalPreferences controls platform-wide events (service up/down) for a
// user, independent of any network.
type GlobalPreferences struct {
	UserID uuid.UUID `db:"user_id" json:"user_id"`

	EmailEnabled       bool   `json:"email_enabled"`
	ChatDMEnabled      bool   `json:"chat_dm_enabled"`
	ChatChannelEnabled bool   `json:"chat_channel_enabled"`
	ChatUserID         string `json:"chat_user_id,omitempty"`

	ServiceStatusEnabled bool `json:"service_status_enabled"`

	MinimumPriority Priority   `json:"minimum_priority"`
	QuietHours      QuietHours `json:"quiet_hours"`

	MaxNotificationsPerHour int `json:"max_notifications_per_hour"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DefaultGlobalPreferences returns the settings for an unconfigured user.
func DefaultGlobalPreferences(userID uuid.UUID) *GlobalPreferences {
	return &GlobalPreferences{
		UserID:                  userID,
		EmailEnabled:            true,
		ServiceStatusEnabled:    true,
		MinimumPriority:         PriorityLow,
		QuietHours:              QuietHours{Timezone: "UTC"},
		MaxNotificationsPerHour: 10,
		UpdatedAt:               time.Now().UTC(),
	}
}
