package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
)

type contextKey string

const userKey contextKey = "identity.user"

// requireUser resolves the session into a local user and stores it on the
// request context.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := h.resolveUser(r)
		if err != nil {
			httpx.Error(w, h.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

func (h *Handler) resolveUser(r *http.Request) (*model.User, error) {
	// The gateway forwards the session cookie name it manages; the provider
	// additionally understands its own cookie and bearer tokens.
	ctx := r.Context()

	var raw string
	if c, err := r.Cookie(h.cfg.SessionCookieName); err == nil {
		raw = c.Value
	}

	claims, err := h.provider.ValidateSession(ctx, r)
	if err != nil {
		return nil, err
	}
	if claims == nil && raw != "" {
		claims, err = h.provider.ValidateToken(ctx, raw)
		if err != nil {
			return nil, err
		}
	}
	if claims == nil {
		return nil, model.ErrUnauthenticated
	}
	if claims.AuthMethod == model.AuthServiceAuth {
		return nil, model.ErrForbidden
	}

	if claims.LocalUserID == nil {
		out, err := h.syncs.Sync(ctx, claims, true, false)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil, model.ErrUnauthenticated
			}
			return nil, err
		}
		claims.LocalUserID = &out.UserID
	}

	u, err := h.st.Users.GetByID(ctx, *claims.LocalUserID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrUnauthenticated
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, model.ErrUnauthenticated
	}
	return u, nil
}

// requireOwner gates owner-only management routes.
func (h *Handler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r).Role != model.RoleOwner {
			httpx.Error(w, h.logger, model.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func currentUser(r *http.Request) *model.User {
	u, _ := r.Context().Value(userKey).(*model.User)
	return u
}
