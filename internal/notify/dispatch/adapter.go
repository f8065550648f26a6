// Package dispatch fans notification events out to recipients over the
// enabled delivery channels, recording every outcome.
package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
)

// Recipient is the delivery address book entry for one user.
type Recipient struct {
	UserID     uuid.UUID
	Email      string
	ChatUserID string
}

// Adapter delivers one event to one recipient over a single channel.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, to Recipient, ev *model.NotificationEvent) error
}

// Pusher receives allowed events for real-time delivery (websocket fan-out).
// It is best-effort and produces no records.
type Pusher interface {
	Push(userID uuid.UUID, ev *model.NotificationEvent)
}

// Silencer suppresses device-scoped events; the detector keeps training on
// silenced devices, delivery is what stops.
type Silencer interface {
	IsSilenced(networkID uuid.UUID, deviceIP string) bool
}
