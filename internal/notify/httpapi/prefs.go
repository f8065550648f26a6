package httpapi

import (
	"fmt"
	"net/http"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
	"github.com/netmapper/fabric/internal/notify/policy"
)

// GetNetworkPreferences returns the caller's settings for one network,
// applying the device-added/removed defaults migration on first read.
func (h *Handler) GetNetworkPreferences(w http.ResponseWriter, r *http.Request) {
	networkID, err := pathUUID(r, "networkID")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	prefs, err := h.st.Preferences.GetNetwork(r.Context(), callerID(r), networkID)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if policy.EnsureDefaults(prefs) {
		if err := h.st.Preferences.UpsertNetwork(r.Context(), prefs); err != nil {
			h.logger.Warn("failed to persist migrated preferences",
				"user_id", prefs.UserID, "network_id", networkID, "err", err)
		}
	}
	httpx.JSON(w, http.StatusOK, prefs)
}

// PutNetworkPreferences replaces the caller's settings for one network
// wholesale; enabled types and per-type priorities are never merged.
func (h *Handler) PutNetworkPreferences(w http.ResponseWriter, r *http.Request) {
	networkID, err := pathUUID(r, "networkID")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	prefs := &model.NetworkPreferences{}
	if err := httpx.Decode(r, prefs); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := validateNetworkPrefs(prefs); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	prefs.UserID = callerID(r)
	prefs.NetworkID = networkID
	if err := h.st.Preferences.UpsertNetwork(r.Context(), prefs); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, prefs)
}

// ResetNetworkPreferences drops the caller's row; the next read yields
// defaults again.
func (h *Handler) ResetNetworkPreferences(w http.ResponseWriter, r *http.Request) {
	networkID, err := pathUUID(r, "networkID")
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.st.Preferences.DeleteNetwork(r.Context(), callerID(r), networkID); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetGlobalPreferences returns the caller's platform-wide settings.
func (h *Handler) GetGlobalPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.st.Preferences.GetGlobal(r.Context(), callerID(r))
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, prefs)
}

// PutGlobalPreferences replaces the caller's platform-wide settings.
func (h *Handler) PutGlobalPreferences(w http.ResponseWriter, r *http.Request) {
	prefs := &model.GlobalPreferences{}
	if err := httpx.Decode(r, prefs); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := validateCommonPrefs(prefs.MinimumPriority, prefs.QuietHours, prefs.MaxNotificationsPerHour); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	prefs.UserID = callerID(r)
	if err := h.st.Preferences.UpsertGlobal(r.Context(), prefs); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, prefs)
}

// ResetGlobalPreferences restores the defaults by writing them back.
func (h *Handler) ResetGlobalPreferences(w http.ResponseWriter, r *http.Request) {
	prefs := model.DefaultGlobalPreferences(callerID(r))
	if err := h.st.Preferences.UpsertGlobal(r.Context(), prefs); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, prefs)
}

func validateNetworkPrefs(p *model.NetworkPreferences) error {
	for _, t := range p.EnabledTypes {
		if !t.Valid() {
			return fmt.Errorf("unknown notification type %q: %w", t, model.ErrValidation)
		}
	}
	for t, pr := range p.TypePriorities {
		if t == model.DefaultsMarker {
			continue
		}
		if !t.Valid() || !pr.Valid() {
			return fmt.Errorf("bad priority override %q=%q: %w", t, pr, model.ErrValidation)
		}
	}
	return validateCommonPrefs(p.MinimumPriority, p.QuietHours, p.MaxNotificationsPerHour)
}

func validateCommonPrefs(minimum model.Priority, qh model.QuietHours, maxPerHour int) error {
	if minimum != "" && !minimum.Valid() {
		return fmt.Errorf("bad minimum priority %q: %w", minimum, model.ErrValidation)
	}
	if qh.BypassPriority != nil && !qh.BypassPriority.Valid() {
		return fmt.Errorf("bad bypass priority %q: %w", *qh.BypassPriority, model.ErrValidation)
	}
	if maxPerHour < 0 {
		return fmt.Errorf("negative hourly limit: %w", model.ErrValidation)
	}
	return nil
}
