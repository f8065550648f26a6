package model

import (
	"time"

	"github.com/google/uuid"
)

// BroadcastStatus is the lifecycle state of a scheduled broadcast. Only
// pending items may be edited or cancelled; only non-pending may be deleted.
type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastSent      BroadcastStatus = "sent"
	BroadcastCancelled BroadcastStatus = "cancelled"
	BroadcastFailed    BroadcastStatus = "failed"
)

// ScheduledBroadcast is an owner-authored announcement fired by the
// scheduler at its due time.
type ScheduledBroadcast struct {
	ID            uuid.UUID        `json:"id"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Type          NotificationType `json:"type"`
	Priority      Priority         `json:"priority"`
	ScheduledAt   time.Time        `json:"scheduled_at"`
	CreatedBy     uuid.UUID        `json:"created_by"`
	Status        BroadcastStatus  `json:"status"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
	UsersNotified int              `json:"users_notified"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Event builds the synthetic NotificationEvent dispatched for a broadcast.
func (b *ScheduledBroadcast) Event() *NotificationEvent {
	ev := NewEvent(b.Type, b.Priority, b.Title, b.Message)
	ev.Details = map[string]any{
		"broadcast_id": b.ID.String(),
		"scheduled_at": b.ScheduledAt.UTC().Format(time.RFC3339),
	}
	return ev
}
