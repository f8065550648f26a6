package httpapi

import (
	"net/http"
	"time"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
)

type broadcastRequest struct {
	Title       string                 `json:"title" validate:"required,max=200"`
	Message     string                 `json:"message" validate:"required,max=2000"`
	Type        model.NotificationType `json:"type,omitempty"`
	Priority    model.Priority         `json:"priority,omitempty"`
	ScheduledAt time.Time              `json:"scheduled_at,omitempty"`
}

// BroadcastNow sends an announcement to every service-status subscriber
// immediately, without touching the scheduled catalog.
func (h *Handler) BroadcastNow(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if req.Type == "" {
		req.Type = model.TypeSystemStatus
	}
	if !req.Type.Valid() {
		httpx.Error(w, h.logger, model.ErrValidation)
		return
	}
	if req.Priority == "" {
		req.Priority = model.DefaultPriorityFor(req.Type)
	}
	if !req.Priority.Valid() {
		httpx.Error(w, h.logger, model.ErrValidation)
		return
	}

	ev := model.NewEvent(req.Type, req.Priority, req.Title, req.Message)
	notified, err := h.events.DispatchGlobal(r.Context(), ev)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	h.logger.Info("broadcast dispatched", "event_id", ev.EventID, "users_notified", notified)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"event_id":       ev.EventID,
		"users_notified": notified,
	})
}

// ListScheduled returns the broadcast catalog, newest schedule first.
func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.catalog.List())
}

// CreateScheduled queues an announcement for the scheduler to fire.
func (h *Handler) CreateScheduled(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	b, err := h.catalog.Create(&model.ScheduledBroadcast{
		Title:       req.Title,
		Message:     req.Message,
		Type:        req.Type,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		CreatedBy:   callerID(r),
	})
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, b)
}

// GetScheduled returns one broadcast.
func (h *Handler) GetScheduled(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	b, err := h.catalog.Get(id)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

// UpdateScheduled edits a pending broadcast; sent, failed and cancelled ones
// are immutable.
func (h *Handler) UpdateScheduled(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	var req broadcastRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	b, err := h.catalog.Update(id, func(b *model.ScheduledBroadcast) error {
		if !req.ScheduledAt.After(time.Now()) {
			return model.ErrValidation
		}
		if req.Type != "" && !req.Type.Valid() {
			return model.ErrValidation
		}
		if req.Priority != "" && !req.Priority.Valid() {
			return model.ErrValidation
		}
		b.Title = req.Title
		b.Message = req.Message
		b.ScheduledAt = req.ScheduledAt
		if req.Type != "" {
			b.Type = req.Type
		}
		if req.Priority != "" {
			b.Priority = req.Priority
		}
		return nil
	})
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

// CancelScheduled moves a pending broadcast to cancelled.
func (h *Handler) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.catalog.Cancel(id); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	b, err := h.catalog.Get(id)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

// DeleteScheduled removes a finished broadcast from the catalog.
func (h *Handler) DeleteScheduled(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.catalog.Delete(id); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
