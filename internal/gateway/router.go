package gateway

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/cache"
	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
	"github.com/netmapper/fabric/internal/store"
	"github.com/netmapper/fabric/internal/token"
	"github.com/netmapper/fabric/internal/upstream"
)

const prefsCacheTTL = 30 * time.Second

// Config is the gateway's route-level configuration.
type Config struct {
	SessionCookieName  string
	CSRFCookieName     string
	CSRFTrustedOrigins []string
	CORSOrigins        []string
	StaticDir          string

	NetworkLimitPerUser     int
	NetworkLimitExemptRoles []string
}

// Gateway is the public-facing edge router.
type Gateway struct {
	cfg     Config
	dynamic func() Config
	auth    *Authenticator
	pool    *upstream.Pool
	signer  *token.Signer
	st      *store.Store
	cache   *cache.Cache
	metrics *Metrics
	logins  *ipLimiter
	logger  *slog.Logger
}

func New(
	cfg Config,
	auth *Authenticator,
	pool *upstream.Pool,
	signer *token.Signer,
	st *store.Store,
	c *cache.Cache,
	metrics *Metrics,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		cfg:     cfg,
		auth:    auth,
		pool:    pool,
		signer:  signer,
		st:      st,
		cache:   c,
		metrics: metrics,
		logins:  newIPLimiter(),
		logger:  logger,
	}
}

// WatchConfig routes the runtime-overridable settings (CORS origins, CSRF
// trusted origins, network limits) through src, evaluated per request, so
// configuration reloads reach the middleware without a restart.
func (g *Gateway) WatchConfig(src func() Config) { g.dynamic = src }

// current returns the live configuration snapshot.
func (g *Gateway) current() Config {
	if g.dynamic != nil {
		return g.dynamic()
	}
	return g.cfg
}

type principalKey struct{}

func principal(r *http.Request) *Principal {
	p, _ := r.Context().Value(principalKey{}).(*Principal)
	return p
}

// requireAuth authenticates the request and applies CSRF policy before
// admitting it.
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := g.auth.Authenticate(r)
		if err != nil {
			httpx.Error(w, g.logger, err)
			return
		}
		if err := g.checkCSRF(r, p); err != nil {
			httpx.Error(w, g.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// requireOwner admits owners and service callers only.
func (g *Gateway) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if p == nil || (p.Role != model.RoleOwner && !p.IsService) {
			httpx.Error(w, g.logger, model.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireElevated admits owner and admin roles (and services).
func (g *Gateway) requireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if p == nil || (p.Role != model.RoleOwner && p.Role != model.RoleAdmin && !p.IsService) {
			httpx.Error(w, g.logger, model.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// networkAccess verifies the caller can see the addressed network; write
// methods additionally require the editor role.
func (g *Gateway) networkAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if p.IsService {
			next.ServeHTTP(w, r)
			return
		}
		networkID, err := uuid.Parse(chi.URLParam(r, "networkID"))
		if err != nil {
			httpx.Error(w, g.logger, model.ErrValidation)
			return
		}
		role, err := g.st.Networks.AccessRole(r.Context(), networkID, p.UserID)
		if err != nil {
			httpx.Error(w, g.logger, err)
			return
		}
		if !safeMethod(r.Method) && role != model.PermissionEditor {
			httpx.Error(w, g.logger, model.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Routes assembles the public router.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		// Evaluated per request so origin edits land on reload.
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			for _, o := range g.current().CORSOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-CSRF-Token", "X-Request-Signature", "X-Request-Timestamp"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if g.metrics != nil {
		r.Use(g.metrics.Middleware)
	}

	identityProxy := g.proxy(upstream.ServiceIdentity)

	// Public bootstrap and credential endpoints.
	r.Group(func(r chi.Router) {
		r.Use(g.logins.middleware(g.logger))
		r.Post("/api/auth/login", identityProxy)
		r.Post("/api/auth/password-reset/request", identityProxy)
		r.Post("/api/auth/password-reset/confirm", identityProxy)
	})
	r.HandleFunc("/api/auth/setup/*", identityProxy)
	r.Post("/api/auth/verify", identityProxy)
	r.Get("/api/auth/invite/verify/{token}", identityProxy)
	r.Post("/api/auth/invite/accept", identityProxy)
	r.Post("/api/webhooks/clerk", identityProxy)

	// Authenticated user surface on the identity service.
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth)
		r.Get("/api/auth/session", g.session)
		r.HandleFunc("/api/auth/me", identityProxy)
		r.HandleFunc("/api/auth/me/*", identityProxy)
		r.Post("/api/auth/logout", g.logout)
	})

	// Owner-only identity management.
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth, g.requireOwner)
		r.HandleFunc("/api/auth/users", identityProxy)
		r.HandleFunc("/api/auth/users/*", identityProxy)
		r.HandleFunc("/api/auth/invites", identityProxy)
		r.HandleFunc("/api/auth/invites/*", identityProxy)
	})

	// Monitoring plane.
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth)
		r.HandleFunc("/api/health/*", g.proxy(upstream.ServiceHealth))
		r.HandleFunc("/api/assistant/*", g.proxy(upstream.ServiceAssistant))
		r.Get("/api/metrics/snapshot", g.proxy(upstream.ServiceMetrics))
	})
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth, g.requireElevated)
		metricsProxy := g.proxy(upstream.ServiceMetrics)
		r.Post("/api/metrics/snapshot/generate", metricsProxy)
		r.Post("/api/metrics/snapshot/publish", metricsProxy)
		r.Post("/api/metrics/config", metricsProxy)
		r.Post("/api/metrics/speed-test", metricsProxy)
	})

	// Networks: access-checked per network; creation enforces the per-user
	// limit.
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth)
		healthProxy := g.proxy(upstream.ServiceHealth)
		r.Get("/api/networks", healthProxy)
		r.With(g.enforceNetworkLimit).Post("/api/networks", healthProxy)
		r.Route("/api/networks/{networkID}", func(r chi.Router) {
			r.Use(g.networkAccess)
			r.HandleFunc("/", healthProxy)
			r.HandleFunc("/*", healthProxy)
		})
	})

	// Notification plane.
	notifyProxy := g.proxy(upstream.ServiceNotification)
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth)
		r.Get("/api/notifications/preferences/{networkID}", g.cachedPrefs(notifyProxy))
		r.Put("/api/notifications/preferences/{networkID}", g.invalidatePrefs(notifyProxy))
		r.Delete("/api/notifications/preferences/{networkID}", g.invalidatePrefs(notifyProxy))
		r.Get("/api/notifications/global/preferences", g.cachedPrefs(notifyProxy))
		r.Put("/api/notifications/global/preferences", g.invalidatePrefs(notifyProxy))
		r.Delete("/api/notifications/global/preferences", g.invalidatePrefs(notifyProxy))
		r.HandleFunc("/api/notifications/test", notifyProxy)
		r.HandleFunc("/api/notifications/test/*", notifyProxy)
		r.HandleFunc("/api/notifications/users/me/*", notifyProxy)
		r.HandleFunc("/api/notifications/history", notifyProxy)
		r.HandleFunc("/api/notifications/live", notifyProxy)
	})
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth, g.requireOwner)
		r.HandleFunc("/api/notifications/broadcast", notifyProxy)
		r.HandleFunc("/api/notifications/scheduled", notifyProxy)
		r.HandleFunc("/api/notifications/scheduled/*", notifyProxy)
		r.HandleFunc("/api/notifications/version/*", notifyProxy)
		r.HandleFunc("/api/notifications/service-status/*", notifyProxy)
	})
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth, g.requireElevated)
		r.HandleFunc("/api/notifications/silenced-devices", notifyProxy)
		r.HandleFunc("/api/notifications/silenced-devices/*", notifyProxy)
	})

	// Internal service-to-service surface requires signed requests.
	r.Group(func(r chi.Router) {
		r.Use(g.requireAuth, g.requireOwner, g.requireSignature)
		r.HandleFunc("/api/internal/*", notifyProxy)
	})

	// Everything else is the SPA.
	r.NotFound(g.serveStatic)
	return r
}

// session serves the cached session view without a per-request round trip
// to the identity service.
func (g *Gateway) session(w http.ResponseWriter, r *http.Request) {
	p, err := g.auth.Session(r)
	if err != nil {
		httpx.Error(w, g.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

// logout invalidates cached credentials, then lets the identity service
// clear cookies.
func (g *Gateway) logout(w http.ResponseWriter, r *http.Request) {
	if p := principal(r); p != nil {
		g.auth.Invalidate(p.Token)
	}
	g.proxy(upstream.ServiceIdentity)(w, r)
}

// cachedPrefs serves preference reads from cache for a short window.
func (g *Gateway) cachedPrefs(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		key := cache.MakeKey("gw", "prefs", p.UserID.String(), r.URL.Path)

		var cached []byte
		if g.cache.Get(r.Context(), key, &cached) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(cached)
			return
		}

		rec := newRecorder(w)
		next(rec, r)
		if rec.status == http.StatusOK {
			g.cache.Set(r.Context(), key, rec.body.Bytes(), prefsCacheTTL)
		}
	}
}

// invalidatePrefs drops the caller's cached preferences on any mutation.
func (g *Gateway) invalidatePrefs(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !safeMethod(r.Method) {
			p := principal(r)
			g.cache.DeletePattern(r.Context(), cache.MakeKey("gw", "prefs", p.UserID.String(), "*"))
		}
		next(w, r)
	}
}

// recorder buffers a proxied response so it can be cached.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
