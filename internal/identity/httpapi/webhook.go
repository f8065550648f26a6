package httpapi

import (
	"errors"
	"net/http"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
	"github.com/netmapper/fabric/internal/identity"
)

// Webhook receives signed user events from the cloud IdP and applies them
// to the local user table.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.provider.Name() == identity.ProviderLocal {
		httpx.Fail(w, http.StatusBadRequest, "webhooks are not enabled")
		return
	}

	res, err := h.provider.HandleWebhook(ctx, r)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrMisconfiguration):
			h.logger.Error("webhook received without a configured secret")
			httpx.Fail(w, http.StatusInternalServerError, "internal error")
		case errors.Is(err, model.ErrUnauthenticated):
			httpx.Fail(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, model.ErrValidation):
			httpx.Fail(w, http.StatusBadRequest, "invalid payload")
		default:
			httpx.Error(w, h.logger, err)
		}
		return
	}

	if err := h.syncs.Route(ctx, h.provider.Name(), res); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}
