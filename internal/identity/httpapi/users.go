package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
)

// ListUsers returns every account, active or not.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.st.Users.List(r.Context())
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username  string     `json:"username" validate:"required,min=3,max=64"`
	Email     string     `json:"email" validate:"required,email"`
	Password  string     `json:"password" validate:"required,min=8"`
	Role      model.Role `json:"role" validate:"required"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
}

// CreateUser provisions an account directly, bypassing the invite flow.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createUserRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if !req.Role.Valid() || req.Role == model.RoleOwner {
		httpx.Fail(w, http.StatusBadRequest, "role must be admin or member")
		return
	}

	hash, err := h.hashes.Hash(ctx, req.Password)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	u := &model.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         req.Role,
		IsActive:     true,
		IsVerified:   true,
	}
	if err := h.st.CreateLocalUser(ctx, u); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	h.logger.Info("user created", "user_id", u.ID, "role", u.Role)
	httpx.JSON(w, http.StatusOK, u)
}

// DeleteUser deactivates an account. The caller cannot remove itself and the
// owner account is untouchable.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := currentUser(r)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, h.logger, model.ErrValidation)
		return
	}
	if id == caller.ID {
		httpx.Fail(w, http.StatusForbidden, "cannot delete your own account")
		return
	}

	target, err := h.st.Users.GetByID(ctx, id)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if target.Role == model.RoleOwner {
		httpx.Fail(w, http.StatusForbidden, "the owner account cannot be deleted")
		return
	}

	if err := h.st.Users.SetActive(ctx, id, false); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	h.logger.Info("user deactivated", "user_id", id, "by", caller.ID)
	httpx.JSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
