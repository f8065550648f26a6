package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
)

type setupStatusResponse struct {
	IsSetupComplete bool `json:"is_setup_complete"`
	OwnerExists     bool `json:"owner_exists"`
	TotalUsers      int  `json:"total_users"`
}

// SetupStatus reports whether first-run bootstrap has happened.
func (h *Handler) SetupStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerExists, err := h.st.Users.OwnerExists(ctx)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	total, err := h.st.Users.Count(ctx)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, setupStatusResponse{
		IsSetupComplete: ownerExists,
		OwnerExists:     ownerExists,
		TotalUsers:      total,
	})
}

type setupOwnerRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=64"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type authResponse struct {
	Token     string      `json:"token"`
	ExpiresIn int         `json:"expires_in"`
	User      *model.User `json:"user"`
}

// SetupOwner creates the singular owner account on a fresh install.
func (h *Handler) SetupOwner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req setupOwnerRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	ownerExists, err := h.st.Users.OwnerExists(ctx)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if ownerExists {
		httpx.Fail(w, http.StatusBadRequest, "Setup already complete")
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
		Role:         model.RoleOwner,
		IsActive:     true,
		IsVerified:   true,
	}
	if err := h.st.CreateLocalUser(ctx, u); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	h.logger.Info("owner account created", "user_id", u.ID, "username", u.Username)
	h.issueSession(w, r, u)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login authenticates a local account by username or email.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	u, err := h.st.Users.GetByUsername(ctx, req.Username)
	if errors.Is(err, model.ErrNotFound) && strings.Contains(req.Username, "@") {
		u, err = h.st.Users.GetByEmail(ctx, req.Username)
	}
	if errors.Is(err, model.ErrNotFound) {
		// Burn comparable time so existence is not observable.
		_ = h.hashes.Compare(ctx, "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy", req.Password)
		httpx.Error(w, h.logger, model.ErrUnauthenticated)
		return
	}
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if !u.IsActive {
		httpx.Error(w, h.logger, model.ErrUnauthenticated)
		return
	}
	if err := h.hashes.Compare(ctx, u.PasswordHash, req.Password); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}

	if err := h.st.Users.TouchLastLogin(ctx, u.ID); err != nil {
		h.logger.Warn("last-login update failed", "user_id", u.ID, "err", err)
	}
	h.issueSession(w, r, u)
}

// issueSession mints a user token and sets the session and CSRF cookies.
func (h *Handler) issueSession(w http.ResponseWriter, r *http.Request, u *model.User) {
	tok, err := h.authority.IssueUserToken(u.ID, u.Username, u.Role, h.cfg.TokenTTL)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	maxAge := int(h.cfg.TokenTTL.Seconds())

	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    tok,
		Path:     h.cfg.CookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CSRFCookieName,
		Value:    randomToken(16),
		Path:     h.cfg.CookiePath,
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	})
	httpx.JSON(w, http.StatusOK, authResponse{Token: tok, ExpiresIn: maxAge, User: u})
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid     bool        `json:"valid"`
	IsService bool        `json:"is_service,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Username  string      `json:"username,omitempty"`
	Role      model.Role  `json:"role,omitempty"`
	User      *model.User `json:"user,omitempty"`
}

// Verify resolves a token for the gateway. Service tokens authorize as
// owner; user tokens resolve to the local account.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req verifyRequest
	_ = httpx.Decode(r, &req)
	raw := req.Token
	if raw == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if raw == "" {
		httpx.JSON(w, http.StatusUnauthorized, verifyResponse{Valid: false})
		return
	}

	claims, err := h.provider.ValidateToken(ctx, raw)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if claims == nil {
		httpx.JSON(w, http.StatusUnauthorized, verifyResponse{Valid: false})
		return
	}

	if claims.AuthMethod == model.AuthServiceAuth {
		httpx.JSON(w, http.StatusOK, verifyResponse{
			Valid:     true,
			IsService: true,
			Username:  claims.Username,
			Role:      model.RoleOwner,
		})
		return
	}

	if claims.LocalUserID == nil {
		out, err := h.syncs.Sync(ctx, claims, true, false)
		if err != nil {
			httpx.Error(w, h.logger, err)
			return
		}
		claims.LocalUserID = &out.UserID
	}
	u, err := h.st.Users.GetByID(ctx, *claims.LocalUserID)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if !u.IsActive {
		httpx.JSON(w, http.StatusUnauthorized, verifyResponse{Valid: false})
		return
	}
	httpx.JSON(w, http.StatusOK, verifyResponse{
		Valid:    true,
		UserID:   u.ID.String(),
		Username: u.Username,
		Role:     u.Role,
		User:     u,
	})
}

// Session returns the authenticated user, shaped like Verify for the
// gateway's session cache.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	httpx.JSON(w, http.StatusOK, verifyResponse{
		Valid:    true,
		UserID:   u.ID.String(),
		Username: u.Username,
		Role:     u.Role,
		User:     u,
	})
}

// Me returns the authenticated user's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, currentUser(r))
}

type updateMeRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	AvatarURL *string `json:"avatar_url"`
}

// UpdateMe edits the caller's profile fields.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := currentUser(r)

	var req updateMeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		u.LastName = *req.LastName
	}
	if req.AvatarURL != nil {
		u.AvatarURL = *req.AvatarURL
	}
	if err := h.st.Users.UpdateProfile(ctx, u); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, u)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

// ChangePassword rotates the caller's password after re-verification.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := currentUser(r)

	var req changePasswordRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.hashes.Compare(ctx, u.PasswordHash, req.CurrentPassword); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	hash, err := h.hashes.Hash(ctx, req.NewPassword)
	if err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	if err := h.st.Users.SetPasswordHash(ctx, u.ID, hash); err != nil {
		httpx.Error(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// Logout revokes the backend session where applicable and clears cookies.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if claims, err := h.provider.ValidateSession(ctx, r); err == nil && claims != nil && claims.SessionID != "" {
		if _, err := h.provider.RevokeSession(ctx, claims.SessionID); err != nil {
			h.logger.Warn("session revoke failed", "err", err)
		}
	}
	for _, name := range []string{h.cfg.SessionCookieName, h.cfg.CSRFCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     h.cfg.CookiePath,
			MaxAge:   -1,
			Secure:   h.cfg.CookieSecure,
			SameSite: h.cfg.CookieSameSite,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

// randomToken returns hex of n random bytes.
func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
