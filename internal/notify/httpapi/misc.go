package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
)

// SendTest delivers a synthetic notification to the caller so they can
// verify a channel end to end. Without an explicit channel it exercises
// whatever the caller's global preferences enable.
func (h *Handler) SendTest(w http.ResponseWriter, r *http.Request) {
	var channels []model.Channel
	if raw := chi.URLParam(r, "channel"); raw != "" {
		ch := model.Channel(raw)
		if !ch.Valid() {
			httpx.Error(w, h.logger, model.ErrValidation)
			return
		}
		channels = []model.Channel{ch}
	} else {
		prefs, err := h.st.Preferences.GetGlobal(r.Context(), callerID(r))
		if err != nil {
			httpx.Error(w, h.logger, err)
			return
		}
		if prefs.EmailEnabled {
			channels = append(channels, model.ChannelEmail)
		}
		if prefs.ChatDMEnabled {
			channels = append(channels, model.ChannelChatDM)
		}
		if prefs.ChatChannelEnabled {
			channels = append(channels, model.ChannelChatChannel)
		}
	}
	if len(channels) == 0 {
		httpx.Fail(w, http.StatusBadRequest, "no delivery channels enabled")
		return
	}

	records, err := h.events.DispatchTest(r.Context(), callerID(r), channels)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": records})
}

// History returns the caller's delivery records, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.st.Records.ListByUser(r.Context(), callerID(r), limit)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if records == nil {
		records = []model.NotificationRecord{}
	}
	httpx.JSON(w, http.StatusOK, records)
}

// Version reports the running release.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"version":    h.appVersion,
		"started_at": h.startedAt,
	})
}

// CheckVersion polls the release channel on demand and broadcasts the
// update notice when a new release shows up.
func (h *Handler) CheckVersion(w http.ResponseWriter, r *http.Request) {
	if h.version == nil {
		httpx.Fail(w, http.StatusConflict, "version checking disabled")
		return
	}
	ev, err := h.version.Check(r.Context())
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if ev == nil {
		httpx.JSON(w, http.StatusOK, map[string]any{"update_available": false})
		return
	}
	notified, err := h.events.DispatchGlobal(r.Context(), ev)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"update_available": true,
		"latest_version":   ev.Details["latest_version"],
		"users_notified":   notified,
	})
}

// ServiceStatus reports the service's own health for the status page.
func (h *Handler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.appVersion,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// ServiceStatusTest emits a harmless service-status event so owners can
// confirm subscribers actually receive up/down notices.
func (h *Handler) ServiceStatusTest(w http.ResponseWriter, r *http.Request) {
	ev := model.NewEvent(model.TypeCartographerUp, model.PriorityLow,
		"Service status test",
		"This is a test of the service status notification path.")
	notified, err := h.events.DispatchGlobal(r.Context(), ev)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users_notified": notified})
}
