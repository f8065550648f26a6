// Package httpapi is the notification service's HTTP surface: delivery
// preferences, history, test sends, broadcasts, silenced devices, the live
// websocket and the internal monitoring intake. The gateway authenticates
// every request and forwards the caller's identity in X-User-Id; owner-only
// routes are gated at the gateway too.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/httpx"
	"github.com/netmapper/fabric/internal/notify/anomaly"
	"github.com/netmapper/fabric/internal/notify/broadcast"
	"github.com/netmapper/fabric/internal/notify/bus"
	"github.com/netmapper/fabric/internal/notify/schedule"
	"github.com/netmapper/fabric/internal/notify/silence"
	"github.com/netmapper/fabric/internal/store"
)

// Broadcaster is the dispatcher slice the HTTP surface needs.
type Broadcaster interface {
	DispatchGlobal(ctx context.Context, ev *model.NotificationEvent) (int, error)
	DispatchTest(ctx context.Context, userID uuid.UUID, channels []model.Channel) ([]model.NotificationRecord, error)
}

// SamplePublisher feeds the monitoring intake into the event pipeline.
type SamplePublisher interface {
	PublishSample(ctx context.Context, s bus.HealthSample) error
	PublishDeviceEvent(ctx context.Context, networkID uuid.UUID, ev *model.NotificationEvent) error
}

// Handler serves the notification routes.
type Handler struct {
	st        *store.Store
	events    Broadcaster
	intake    SamplePublisher
	catalog   *broadcast.Catalog
	silences  *silence.List
	anomalies *anomaly.Manager
	version   *schedule.VersionChecker
	live      http.Handler

	appVersion string
	startedAt  time.Time
	logger     *slog.Logger
}

func NewHandler(
	st *store.Store,
	events Broadcaster,
	intake SamplePublisher,
	catalog *broadcast.Catalog,
	silences *silence.List,
	anomalies *anomaly.Manager,
	version *schedule.VersionChecker,
	live http.Handler,
	appVersion string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		st:         st,
		events:     events,
		intake:     intake,
		catalog:    catalog,
		silences:   silences,
		anomalies:  anomalies,
		version:    version,
		live:       live,
		appVersion: appVersion,
		startedAt:  time.Now().UTC(),
		logger:     logger,
	}
}

// Routes builds the chi router for the notification service.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/notifications", func(r chi.Router) {
		r.Use(h.requireUser)

		r.Route("/preferences/{networkID}", func(r chi.Router) {
			r.Get("/", h.GetNetworkPreferences)
			r.Put("/", h.PutNetworkPreferences)
			r.Delete("/", h.ResetNetworkPreferences)
		})
		r.Route("/global/preferences", func(r chi.Router) {
			r.Get("/", h.GetGlobalPreferences)
			r.Put("/", h.PutGlobalPreferences)
			r.Delete("/", h.ResetGlobalPreferences)
		})
		r.Route("/users/me", func(r chi.Router) {
			r.Get("/preferences", h.GetGlobalPreferences)
			r.Put("/preferences", h.PutGlobalPreferences)
			r.Get("/history", h.History)
		})

		r.Post("/test", h.SendTest)
		r.Post("/test/{channel}", h.SendTest)
		r.Get("/history", h.History)
		r.Get("/live", h.Live)

		// Role checks for the routes below happen at the gateway.
		r.Post("/broadcast", h.BroadcastNow)
		r.Route("/scheduled", func(r chi.Router) {
			r.Get("/", h.ListScheduled)
			r.Post("/", h.CreateScheduled)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetScheduled)
				r.Put("/", h.UpdateScheduled)
				r.Delete("/", h.DeleteScheduled)
				r.Post("/cancel", h.CancelScheduled)
			})
		})
		r.Get("/version", h.Version)
		r.Post("/version/check", h.CheckVersion)
		r.Get("/service-status", h.ServiceStatus)
		r.Post("/service-status/test", h.ServiceStatusTest)
		r.Route("/silenced-devices", func(r chi.Router) {
			r.Get("/", h.ListSilenced)
			r.Post("/", h.SilenceDevice)
			r.Delete("/{networkID}/{deviceIP}", h.UnsilenceDevice)
		})
	})

	// The gateway verifies the HMAC signature on /api/internal before
	// proxying, so these handlers only see trusted monitoring traffic.
	r.Route("/api/internal", func(r chi.Router) {
		r.Post("/health-samples", h.IngestSamples)
		r.Post("/events", h.IngestEvent)
		r.Get("/anomaly/{networkID}/devices/{deviceIP}", h.AnomalyStats)
		r.Post("/anomaly/false-positive", h.AnomalyFalsePositive)
	})

	return r
}

type contextKey string

const userIDKey contextKey = "notify.user_id"

// requireUser trusts the gateway-forwarded identity header. Requests that
// reach this service without one did not come through the gateway.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get("X-User-Id"))
		if err != nil {
			httpx.Error(w, h.logger, model.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func callerID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(userIDKey).(uuid.UUID)
	return id
}

// Live hands the request to the websocket handler.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	h.live.ServeHTTP(w, r)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, model.ErrValidation
	}
	return id, nil
}
