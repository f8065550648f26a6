package model

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery transport.
type Channel string

const (
	ChannelEmail       Channel = "email"
	ChannelChatDM      Channel = "chat_dm"
	ChannelChatChannel Channel = "chat_channel"
)

// AllChannels lists the declared delivery transports.
var AllChannels = []Channel{ChannelEmail, ChannelChatDM, ChannelChatChannel}

// Valid reports whether c is a declared channel.
func (c Channel) Valid() bool {
	for _, known := range AllChannels {
		if c == known {
			return true
		}
	}
	return false
}

// NotificationRecord is the immutable delivery outcome for one
// (channel, recipient, event) triple. All channel records produced for the
// same event and user share NotificationID.
type NotificationRecord struct {
	ID             uuid.UUID `db:"id" json:"id"`
	NotificationID uuid.UUID `db:"notification_id" json:"notification_id"`
	EventID        uuid.UUID `db:"event_id" json:"event_id"`
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	Channel        Channel   `db:"channel" json:"channel"`
	Success        bool      `db:"success" json:"success"`
	Error          string    `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
