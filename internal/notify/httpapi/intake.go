package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
	"github.com/netmapper/fabric/internal/notify/bus"
)

type samplesRequest struct {
	Samples []bus.HealthSample `json:"samples" validate:"required,min=1,max=1000"`
}

// IngestSamples accepts a batch of monitoring observations and feeds them
// into the event pipeline. Individually invalid samples are skipped, not
// fatal to the batch.
func (h *Handler) IngestSamples(w http.ResponseWriter, r *http.Request) {
	var req samplesRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	accepted := 0
	for _, s := range req.Samples {
		if err := h.intake.PublishSample(r.Context(), s); err != nil {
			h.logger.Warn("health sample rejected",
				"network_id", s.NetworkID, "device_ip", s.DeviceIP, "err", err)
			continue
		}
		accepted++
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"rejected": len(req.Samples) - accepted,
	})
}

type eventRequest struct {
	NetworkID uuid.UUID                `json:"network_id" validate:"required"`
	Event     *model.NotificationEvent `json:"event" validate:"required"`
}

// IngestEvent accepts a pre-built event from the monitoring plane, bypassing
// anomaly detection. Device add/remove and security events arrive here.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if !req.Event.Type.Valid() || !req.Event.Priority.Valid() {
		httpx.Error(w, h.logger, model.ErrValidation)
		return
	}
	if req.Event.EventID == uuid.Nil {
		req.Event.EventID = uuid.New()
	}
	if err := h.intake.PublishDeviceEvent(r.Context(), req.NetworkID, req.Event); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"event_id": req.Event.EventID})
}

// AnomalyStats exposes one device's learned baseline for debugging.
func (h *Handler) AnomalyStats(w http.ResponseWriter, r *http.Request) {
	networkID, err := pathUUID(r, "networkID")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	stats := h.anomalies.For(networkID).Stats(chi.URLParam(r, "deviceIP"))
	if stats == nil {
		httpx.Error(w, h.logger, model.ErrNotFound)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

type falsePositiveRequest struct {
	NetworkID uuid.UUID `json:"network_id" validate:"required"`
	EventID   uuid.UUID `json:"event_id" validate:"required"`
}

// AnomalyFalsePositive records user feedback about a bad verdict. Feedback
// is counted for later tuning and never mutates the live model.
func (h *Handler) AnomalyFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req falsePositiveRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	h.anomalies.For(req.NetworkID).MarkFalsePositive(req.EventID)
	w.WriteHeader(http.StatusNoContent)
}
