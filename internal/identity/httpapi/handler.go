// Package httpapi is the identity service's HTTP surface: bootstrap, login,
// token verification, user and invite management, password reset, and the
// provider webhook endpoint.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/netmapper/fabric/internal/identity"
	"github.com/netmapper/fabric/internal/store"
	"github.com/netmapper/fabric/internal/token"
)

// Config carries the cookie and expiry knobs of the auth surface.
type Config struct {
	SessionCookieName string
	CSRFCookieName    string
	CookiePath        string
	CookieSecure      bool
	CookieSameSite    http.SameSite

	TokenTTL  time.Duration
	InviteTTL time.Duration
	ResetTTL  time.Duration

	PublicURL string
}

func (c Config) withDefaults() Config {
	if c.SessionCookieName == "" {
		c.SessionCookieName = "netmapper_session"
	}
	if c.CSRFCookieName == "" {
		c.CSRFCookieName = "netmapper_csrf"
	}
	if c.CookiePath == "" {
		c.CookiePath = "/"
	}
	if c.CookieSameSite == 0 {
		c.CookieSameSite = http.SameSiteLaxMode
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.InviteTTL <= 0 {
		c.InviteTTL = 72 * time.Hour
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = time.Hour
	}
	return c
}

// Handler serves the identity routes.
type Handler struct {
	cfg       Config
	provider  identity.Provider
	syncs     *identity.SyncEngine
	authority *token.Authority
	st        *store.Store
	hashes    *identity.HashPool
	logger    *slog.Logger
}

func NewHandler(
	cfg Config,
	provider identity.Provider,
	syncs *identity.SyncEngine,
	authority *token.Authority,
	st *store.Store,
	hashes *identity.HashPool,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		cfg:       cfg.withDefaults(),
		provider:  provider,
		syncs:     syncs,
		authority: authority,
		st:        st,
		hashes:    hashes,
		logger:    logger,
	}
}

// Routes builds the chi router for the identity service.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/auth", func(r chi.Router) {
		r.Get("/setup/status", h.SetupStatus)
		r.Post("/setup/status", h.SetupStatus)
		r.Post("/setup/owner", h.SetupOwner)
		r.Post("/login", h.Login)
		r.Post("/verify", h.Verify)
		r.Get("/invite/verify/{token}", h.VerifyInvite)
		r.Post("/invite/accept", h.AcceptInvite)
		r.Post("/password-reset/request", h.RequestPasswordReset)
		r.Post("/password-reset/confirm", h.ConfirmPasswordReset)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)
			r.Get("/session", h.Session)
			r.Get("/me", h.Me)
			r.Put("/me", h.UpdateMe)
			r.Post("/me/password", h.ChangePassword)
			r.Post("/logout", h.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser, h.requireOwner)
			r.Get("/users", h.ListUsers)
			r.Post("/users", h.CreateUser)
			r.Delete("/users/{id}", h.DeleteUser)
			r.Get("/invites", h.ListInvites)
			r.Post("/invites", h.CreateInvite)
			r.Delete("/invites/{id}", h.DeleteInvite)
		})
	})

	r.Post("/api/webhooks/clerk", h.Webhook)
	return r
}
