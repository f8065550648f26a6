package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
	"github.com/netmapper/fabric/internal/notify/silence"
)

type silenceRequest struct {
	NetworkID       uuid.UUID `json:"network_id" validate:"required"`
	DeviceIP        string    `json:"device_ip" validate:"required,max=64"`
	DeviceName      string    `json:"device_name,omitempty" validate:"max=200"`
	DurationMinutes int       `json:"duration_minutes,omitempty" validate:"min=0"`
}

// ListSilenced returns the muted devices of one network.
func (h *Handler) ListSilenced(w http.ResponseWriter, r *http.Request) {
	networkID, err := uuid.Parse(r.URL.Query().Get("network_id"))
	if err != nil {
		httpx.Error(w, h.logger, model.ErrValidation)
		return
	}
	entries := h.silences.ForNetwork(networkID)
	if entries == nil {
		entries = []silence.Entry{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}

// SilenceDevice mutes a device, forever or for a bounded window.
func (h *Handler) SilenceDevice(w http.ResponseWriter, r *http.Request) {
	var req silenceRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	entry := silence.Entry{
		NetworkID:  req.NetworkID,
		DeviceIP:   req.DeviceIP,
		DeviceName: req.DeviceName,
		SilencedBy: callerID(r),
		SilencedAt: time.Now().UTC(),
	}
	if req.DurationMinutes > 0 {
		until := entry.SilencedAt.Add(time.Duration(req.DurationMinutes) * time.Minute)
		entry.Until = &until
	}
	if err := h.silences.Silence(entry); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	h.logger.Info("device silenced",
		"network_id", req.NetworkID, "device_ip", req.DeviceIP, "by", entry.SilencedBy)
	httpx.JSON(w, http.StatusCreated, entry)
}

// UnsilenceDevice unmutes a device.
func (h *Handler) UnsilenceDevice(w http.ResponseWriter, r *http.Request) {
	networkID, err := pathUUID(r, "networkID")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.silences.Unsilence(networkID, chi.URLParam(r, "deviceIP")); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
