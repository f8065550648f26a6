package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
	"github.com/netmapper/fabric/internal/identity"
)

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type createInviteRequest struct {
	Email string     `json:"email" validate:"required,email"`
	Role  model.Role `json:"role" validate:"required"`
}

// CreateInvite issues an invite for a new member. The raw token is never
// stored or returned; the acceptance link is delivered out of band.
func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inviter := currentUser(r)

	var req createInviteRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if !req.Role.Valid() || req.Role == model.RoleOwner {
		httpx.Fail(w, http.StatusBadRequest, "role must be admin or member")
		return
	}

	raw := randomToken(32)
	inv := &model.Invite{
		Email:       strings.ToLower(strings.TrimSpace(req.Email)),
		Role:        req.Role,
		TokenHash:   hashToken(raw),
		InviterID:   inviter.ID,
		InviterName: inviter.DisplayName(),
		ExpiresAt:   time.Now().UTC().Add(h.cfg.InviteTTL),
	}
	if err := h.st.Invites.Create(ctx, inv); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	// Until an invite email lands in the inbox the link in the log is the
	// only copy of the token.
	h.logger.Info("invite created",
		"invite_id", inv.ID,
		"email", inv.Email,
		"link", h.cfg.PublicURL+"/invite/"+raw,
	)
	httpx.JSON(w, http.StatusOK, inv)
}

// ListInvites returns all invites, newest first.
func (h *Handler) ListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := h.st.Invites.List(r.Context())
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invites)
}

type verifyInviteResponse struct {
	Email   string     `json:"email"`
	Role    model.Role `json:"role"`
	IsValid bool       `json:"is_valid"`
}

// VerifyInvite is the public pre-acceptance check behind the invite link.
func (h *Handler) VerifyInvite(w http.ResponseWriter, r *http.Request) {
	inv, err := h.st.Invites.GetByTokenHash(r.Context(), hashToken(chi.URLParam(r, "token")))
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, verifyInviteResponse{
		Email:   inv.Email,
		Role:    inv.Role,
		IsValid: inv.Status == model.InvitePending,
	})
}

type acceptInviteRequest struct {
	Token     string `json:"token" validate:"required"`
	Username  string `json:"username"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// AcceptInvite redeems a pending invite into a new account and logs the
// user in.
func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req acceptInviteRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	inv, err := h.st.Invites.GetByTokenHash(ctx, hashToken(req.Token))
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if inv.Status != model.InvitePending {
		httpx.Fail(w, http.StatusBadRequest, "invite is no longer valid")
		return
	}

	base := req.Username
	if base == "" {
		base, _, _ = strings.Cut(inv.Email, "@")
	}
	username, err := identity.UniqueUsername(ctx, h.st.Users, base)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	hash, err := h.hashes.Hash(ctx, req.Password)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	u := &model.User{
		Username:     username,
		Email:        inv.Email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         inv.Role,
		IsActive:     true,
		IsVerified:   true,
	}
	if err := h.st.CreateLocalUser(ctx, u); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.st.Invites.MarkAccepted(ctx, inv.ID); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	h.logger.Info("invite accepted", "invite_id", inv.ID, "user_id", u.ID)
	h.issueSession(w, r, u)
}

// DeleteInvite revokes a pending invite, or removes a settled one.
func (h *Handler) DeleteInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, h.logger, model.ErrValidation)
		return
	}

	err = h.st.Invites.MarkRevoked(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		err = h.st.Invites.Delete(ctx, id)
	}
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
