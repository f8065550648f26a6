package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/netmapper/fabric/config"
	"github.com/netmapper/fabric/internal/cache"
	"github.com/netmapper/fabric/internal/gateway"
	"github.com/netmapper/fabric/internal/identity"
	identityapi "github.com/netmapper/fabric/internal/identity/httpapi"
	"github.com/netmapper/fabric/internal/lifecycle"
	"github.com/netmapper/fabric/internal/notify/anomaly"
	"github.com/netmapper/fabric/internal/notify/broadcast"
	"github.com/netmapper/fabric/internal/notify/bus"
	"github.com/netmapper/fabric/internal/notify/dispatch"
	notifyapi "github.com/netmapper/fabric/internal/notify/httpapi"
	"github.com/netmapper/fabric/internal/notify/live"
	"github.com/netmapper/fabric/internal/notify/outage"
	"github.com/netmapper/fabric/internal/notify/policy"
	"github.com/netmapper/fabric/internal/notify/schedule"
	"github.com/netmapper/fabric/internal/notify/silence"
	"github.com/netmapper/fabric/internal/statefile"
	"github.com/netmapper/fabric/internal/store"
	"github.com/netmapper/fabric/internal/token"
	"github.com/netmapper/fabric/internal/upstream"
)

const sessionCookie = "netmapper_session"

// devSecret keeps local development friction-free; production refuses to
// start without a real JWT_SECRET.
const devSecret = "netmapper-development-only-secret"

func signingSecret(cfg config.Config, logger *slog.Logger) string {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret
	}
	logger.Warn("JWT_SECRET not set, using the development fallback")
	return devSecret
}

// ProvideLogger builds the process logger: JSON in production, text in
// development. The level is held in a LevelVar and follows config reloads.
func ProvideLogger(m *config.Manager) *slog.Logger {
	cfg := m.Current()
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	m.Notify(func(c config.Config) {
		if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
			logger.Warn("unrecognized log level, keeping previous", "value", c.LogLevel)
		}
	})
	return logger
}

func provideAuthority(cfg config.Config, logger *slog.Logger) (*token.Authority, error) {
	return token.NewAuthority(signingSecret(cfg, logger), logger)
}

func provideSigner(cfg config.Config, logger *slog.Logger) *token.Signer {
	return token.NewSigner(signingSecret(cfg, logger))
}

func provideCache(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) *cache.Cache {
	c := cache.New(context.Background(), cfg.RedisURL, cfg.RedisDB, cfg.RedisCacheEnabled, logger)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return c.Close() }})
	return c
}

// provideStore connects and migrates. Migrations are idempotent, so every
// service may run them; whichever starts first does the work.
func provideStore(lc fx.Lifecycle, cfg config.Config, logger *slog.Logger) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := store.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return st.Close() }})
	return st, nil
}

func providePool(lc fx.Lifecycle, cfg config.Config, breakers *upstream.BreakerRegistry, logger *slog.Logger) *upstream.Pool {
	pool := upstream.NewPool(logger, breakers)
	pool.Register(upstream.ServiceIdentity, cfg.AuthServiceURL)
	pool.Register(upstream.ServiceHealth, cfg.HealthServiceURL)
	pool.Register(upstream.ServiceMetrics, cfg.MetricsServiceURL)
	pool.Register(upstream.ServiceAssistant, cfg.AssistantServiceURL)
	pool.Register(upstream.ServiceNotification, cfg.NotificationServiceURL)
	pool.InitializeAll()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Warm-up is best effort; a cold upstream must not block start.
			go pool.WarmUpAll(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			pool.CloseAll()
			return nil
		},
	})
	return pool
}

// serveHTTP binds the handler and ties the server to the fx lifecycle.
func serveHTTP(lc fx.Lifecycle, logger *slog.Logger, name, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", "service", name, "err", err)
				}
			}()
			logger.Info("http server listening", "service", name, "addr", addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// gatewayConfig derives the gateway's route-level configuration from a
// snapshot; re-derived per request for the reloadable fields.
func gatewayConfig(cfg config.Config) gateway.Config {
	return gateway.Config{
		SessionCookieName:       sessionCookie,
		CSRFCookieName:          "netmapper_csrf",
		CSRFTrustedOrigins:      cfg.CSRFTrustedOriginList(),
		CORSOrigins:             cfg.CORSOriginList(),
		StaticDir:               cfg.StaticDir,
		NetworkLimitPerUser:     cfg.NetworkLimitPerUser,
		NetworkLimitExemptRoles: cfg.ExemptRoleList(),
	}
}

// NewGatewayApp assembles the public edge gateway.
func NewGatewayApp(m *config.Manager) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Manager { return m },
			func() config.Config { return m.Current() },
			ProvideLogger,
			provideAuthority,
			provideSigner,
			provideCache,
			provideStore,
			upstream.NewBreakerRegistry,
			providePool,
			gateway.NewMetrics,
			func(authority *token.Authority, pool *upstream.Pool, logger *slog.Logger) *gateway.Authenticator {
				return gateway.NewAuthenticator(authority, pool, sessionCookie, logger)
			},
			func(mgr *config.Manager, auth *gateway.Authenticator, pool *upstream.Pool, signer *token.Signer,
				st *store.Store, c *cache.Cache, metrics *gateway.Metrics, logger *slog.Logger) *gateway.Gateway {
				g := gateway.New(gatewayConfig(mgr.Current()), auth, pool, signer, st, c, metrics, logger)
				g.WatchConfig(func() gateway.Config { return gatewayConfig(mgr.Current()) })
				return g
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, g *gateway.Gateway, metrics *gateway.Metrics, logger *slog.Logger) {
			r := g.Routes()
			r.Handle("/metrics", metrics.Handler())
			serveHTTP(lc, logger, "gateway", cfg.GatewayAddr, r)
		}),
	)
}

// NewIdentityApp assembles the identity service.
func NewIdentityApp(m *config.Manager) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Manager { return m },
			func() config.Config { return m.Current() },
			ProvideLogger,
			provideAuthority,
			provideStore,
			func(lc fx.Lifecycle) *identity.HashPool {
				p := identity.NewHashPool(identity.HashPoolSize)
				lc.Append(fx.Hook{OnStop: func(context.Context) error { p.Close(); return nil }})
				return p
			},
			func(authority *token.Authority, st *store.Store, logger *slog.Logger) *identity.LocalProvider {
				return identity.NewLocalProvider(authority, st.Users, sessionCookie, logger)
			},
			func(cfg config.Config, logger *slog.Logger) *identity.CloudProvider {
				if cfg.ClerkSecretKey == "" {
					return nil
				}
				return identity.NewCloudProvider(identity.CloudConfig{
					APIBaseURL:    "https://api.clerk.com/v1",
					FrontendURL:   cfg.ApplicationURL,
					SecretKey:     cfg.ClerkSecretKey,
					WebhookSecret: cfg.ClerkWebhookSecret,
				}, logger)
			},
			func(cfg config.Config, local *identity.LocalProvider, cloud *identity.CloudProvider) (identity.Provider, error) {
				return identity.Active(func() (identity.Provider, error) {
					return identity.Build(cfg.AuthProvider, local, cloud)
				})
			},
			identity.NewSyncEngine,
			func(cfg config.Config, provider identity.Provider, syncs *identity.SyncEngine,
				authority *token.Authority, st *store.Store, hashes *identity.HashPool, logger *slog.Logger) *identityapi.Handler {
				return identityapi.NewHandler(identityapi.Config{
					SessionCookieName: sessionCookie,
					CSRFCookieName:    "netmapper_csrf",
					CookieSecure:      cfg.IsProduction(),
					TokenTTL:          cfg.TokenTTL(),
					InviteTTL:         cfg.InviteTTL(),
					ResetTTL:          cfg.ResetTTL(),
					PublicURL:         cfg.ApplicationURL,
				}, provider, syncs, authority, st, hashes, logger)
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, h *identityapi.Handler, logger *slog.Logger) {
			serveHTTP(lc, logger, "identity", cfg.IdentityAddr, h.Routes())
		}),
	)
}

// NewNotifierApp assembles the notification service and its pipeline.
func NewNotifierApp(m *config.Manager) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Manager { return m },
			func() config.Config { return m.Current() },
			ProvideLogger,
			provideStore,
			func(cfg config.Config) *statefile.Dir { return statefile.NewDir(cfg.StateDir) },
			policy.NewEngine,
			anomaly.NewManager,
			outage.NewAggregator,
			provideAdapters,
			func(st *store.Store, engine *policy.Engine, outages *outage.Aggregator,
				adapters []dispatch.Adapter, logger *slog.Logger) *dispatch.Dispatcher {
				return dispatch.New(st, engine, outages, adapters, logger)
			},
			live.NewHub,
			live.NewHandler,
			func(anomalies *anomaly.Manager, d *dispatch.Dispatcher, logger *slog.Logger) (*bus.Bus, error) {
				return bus.New(anomalies, d, logger)
			},
			func(state *statefile.Dir) (*broadcast.Catalog, error) {
				return broadcast.NewCatalog(state.File("broadcasts.json"))
			},
			func(state *statefile.Dir) (*silence.List, error) {
				return silence.NewList(state.File("silenced-devices.json"))
			},
			func(mgr *config.Manager, state *statefile.Dir, logger *slog.Logger) (*schedule.VersionChecker, error) {
				return schedule.NewVersionChecker(version,
					func() string { return mgr.Current().VersionCheckURL },
					state.File("version-check.json"), logger)
			},
			func(catalog *broadcast.Catalog, d *dispatch.Dispatcher, checker *schedule.VersionChecker, logger *slog.Logger) *schedule.Scheduler {
				return schedule.New(catalog, d, checker, logger)
			},
			func(state *statefile.Dir, anomalies *anomaly.Manager, d *dispatch.Dispatcher, logger *slog.Logger) *lifecycle.Coordinator {
				return lifecycle.NewCoordinator(state, anomalies, d, logger)
			},
			func(st *store.Store, d *dispatch.Dispatcher, b *bus.Bus, catalog *broadcast.Catalog,
				silences *silence.List, anomalies *anomaly.Manager, checker *schedule.VersionChecker,
				liveHandler *live.Handler, logger *slog.Logger) *notifyapi.Handler {
				return notifyapi.NewHandler(st, d, b, catalog, silences, anomalies, checker,
					liveHandler, version, logger)
			},
		),
		fx.Invoke(runNotifier),
	)
}

func provideAdapters(m *config.Manager) []dispatch.Adapter {
	cfg := m.Current()
	// Slack credentials are read per send so token or channel rotation in
	// the config file lands without a restart.
	slackToken := func() string { return m.Current().SlackBotToken }
	return []dispatch.Adapter{
		dispatch.NewEmailAdapter(dispatch.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		}),
		dispatch.NewSlackDMAdapter(slackToken),
		dispatch.NewSlackChannelAdapter(slackToken,
			func() string { return m.Current().SlackChannelID }),
	}
}

const snapshotEvery = 10 * time.Minute

func runNotifier(
	lc fx.Lifecycle,
	cfg config.Config,
	d *dispatch.Dispatcher,
	hub *live.Hub,
	silences *silence.List,
	b *bus.Bus,
	scheduler *schedule.Scheduler,
	coordinator *lifecycle.Coordinator,
	h *notifyapi.Handler,
	logger *slog.Logger,
) {
	d.SetPusher(hub)
	d.SetSilencer(silences)

	snapshotStop := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			b.Start()
			if err := scheduler.Start(); err != nil {
				return err
			}
			if err := coordinator.Startup(ctx); err != nil {
				return err
			}
			go func() {
				ticker := time.NewTicker(snapshotEvery)
				defer ticker.Stop()
				for {
					select {
					case <-snapshotStop:
						return
					case <-ticker.C:
						if err := coordinator.SnapshotNow(); err != nil {
							logger.Warn("periodic anomaly snapshot failed", "err", err)
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(snapshotStop)
			coordinator.Shutdown(ctx)
			scheduler.Stop()
			hub.Close()
			return b.Close()
		},
	})

	serveHTTP(lc, logger, "notifier", cfg.NotifierAddr, h.Routes())
}
