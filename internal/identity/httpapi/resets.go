package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
)

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// RequestPasswordReset issues a single-use reset token. The response never
// reveals whether the address exists.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resetRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	u, err := h.st.Users.GetByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		httpx.Error(w, h.logger, err)
		return
	}
	if err == nil && u.IsActive {
		raw := randomToken(32)
		t := &model.PasswordResetToken{
			UserID:    u.ID,
			TokenHash: hashToken(raw),
			ExpiresAt: time.Now().UTC().Add(h.cfg.ResetTTL),
		}
		if err := h.st.Resets.Create(ctx, t); err != nil {
			httpx.Error(w, h.logger, err)
			return
		}
		h.logger.Info("password reset requested",
			"user_id", u.ID,
			"link", h.cfg.PublicURL+"/reset-password/"+raw,
		)
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"requested": true})
}

type resetConfirmRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

// ConfirmPasswordReset redeems a reset token.
func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resetConfirmRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	t, err := h.st.Resets.GetByTokenHash(ctx, hashToken(req.Token))
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if !t.Usable(time.Now()) {
		httpx.Fail(w, http.StatusBadRequest, "reset link is no longer valid")
		return
	}

	hash, err := h.hashes.Hash(ctx, req.NewPassword)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.st.Users.SetPasswordHash(ctx, t.UserID, hash); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.st.Resets.MarkUsed(ctx, t.ID); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	h.logger.Info("password reset completed", "user_id", t.UserID)
	httpx.JSON(w, http.StatusOK, map[string]bool{"reset": true})
}
