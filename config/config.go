// Package config loads the fabric's configuration from the environment,
// with an optional YAML file layered underneath, validates it, and hot
// reloads the overridable subset when the file changes.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/netmapper/fabric/internal/domain/model"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// The password shipped in the sample compose file. A database still
	// using it must never reach production.
	vendorDefaultPassword = "cartographer_default_password"
)

// Config is the full recognized configuration. Environment variables use the
// uppercased field key (database_url -> DATABASE_URL).
type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`

	GatewayAddr  string `mapstructure:"gateway_addr"`
	IdentityAddr string `mapstructure:"identity_addr"`
	NotifierAddr string `mapstructure:"notifier_addr"`

	DatabaseURL string `mapstructure:"database_url"`

	JWTSecret          string `mapstructure:"jwt_secret"`
	JWTAlgorithm       string `mapstructure:"jwt_algorithm"`
	JWTExpirationHours int    `mapstructure:"jwt_expiration_hours"`

	AuthProvider string `mapstructure:"auth_provider"`

	ClerkSecretKey     string `mapstructure:"clerk_secret_key"`
	ClerkWebhookSecret string `mapstructure:"clerk_webhook_secret"`
	WorkOSAPIKey       string `mapstructure:"workos_api_key"`
	WorkOSClientID     string `mapstructure:"workos_client_id"`

	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
	EmailFrom    string `mapstructure:"email_from"`

	SlackBotToken  string `mapstructure:"slack_bot_token"`
	SlackChannelID string `mapstructure:"slack_channel_id"`

	ApplicationURL string `mapstructure:"application_url"`

	HealthServiceURL       string `mapstructure:"health_service_url"`
	AuthServiceURL         string `mapstructure:"auth_service_url"`
	MetricsServiceURL      string `mapstructure:"metrics_service_url"`
	AssistantServiceURL    string `mapstructure:"assistant_service_url"`
	NotificationServiceURL string `mapstructure:"notification_service_url"`

	RedisURL          string `mapstructure:"redis_url"`
	RedisDB           int    `mapstructure:"redis_db"`
	RedisCacheEnabled bool   `mapstructure:"redis_cache_enabled"`

	CORSOrigins        string `mapstructure:"cors_origins"`
	CSRFTrustedOrigins string `mapstructure:"csrf_trusted_origins"`

	InviteExpirationHours          int `mapstructure:"invite_expiration_hours"`
	PasswordResetExpirationMinutes int `mapstructure:"password_reset_expiration_minutes"`

	UsageBatchSize            int `mapstructure:"usage_batch_size"`
	UsageBatchIntervalSeconds int `mapstructure:"usage_batch_interval_seconds"`

	NetworkLimitPerUser     int    `mapstructure:"network_limit_per_user"`
	NetworkLimitExemptRoles string `mapstructure:"network_limit_exempt_roles"`

	StateDir        string `mapstructure:"state_dir"`
	StaticDir       string `mapstructure:"static_dir"`
	VersionCheckURL string `mapstructure:"version_check_url"`
}

func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

func (c *Config) CORSOriginList() []string        { return splitList(c.CORSOrigins) }
func (c *Config) CSRFTrustedOriginList() []string { return splitList(c.CSRFTrustedOrigins) }
func (c *Config) ExemptRoleList() []string        { return splitList(c.NetworkLimitExemptRoles) }

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.JWTExpirationHours) * time.Hour
}

func (c *Config) InviteTTL() time.Duration {
	return time.Duration(c.InviteExpirationHours) * time.Hour
}

func (c *Config) ResetTTL() time.Duration {
	return time.Duration(c.PasswordResetExpirationMinutes) * time.Minute
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate applies the fail-hard startup rules. Production tightens them.
func (c *Config) Validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		return fmt.Errorf("ENV must be development or production, got %q: %w", c.Env, model.ErrMisconfiguration)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required: %w", model.ErrMisconfiguration)
	}
	if strings.Contains(c.DatabaseURL, vendorDefaultPassword) {
		return fmt.Errorf("DATABASE_URL still uses the shipped default password: %w", model.ErrMisconfiguration)
	}
	if c.AuthProvider != "local" && c.AuthProvider != "cloud" {
		return fmt.Errorf("AUTH_PROVIDER must be local or cloud, got %q: %w", c.AuthProvider, model.ErrMisconfiguration)
	}
	if c.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported JWT_ALGORITHM %q: %w", c.JWTAlgorithm, model.ErrMisconfiguration)
	}
	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production: %w", model.ErrMisconfiguration)
		}
		for _, origin := range c.CORSOriginList() {
			if origin == "*" {
				return fmt.Errorf("wildcard CORS origin is not allowed in production: %w", model.ErrMisconfiguration)
			}
		}
	}
	return nil
}

// keys lists every recognized setting with its default. Registering a
// default is what makes viper's env binding visible to Unmarshal.
var keys = map[string]any{
	"env":       EnvDevelopment,
	"log_level": "info",

	"gateway_addr":  ":8080",
	"identity_addr": ":8081",
	"notifier_addr": ":8082",

	"database_url": "",

	"jwt_secret":           "",
	"jwt_algorithm":        "HS256",
	"jwt_expiration_hours": 24,

	"auth_provider": "local",

	"clerk_secret_key":     "",
	"clerk_webhook_secret": "",
	"workos_api_key":       "",
	"workos_client_id":     "",

	"smtp_host":     "",
	"smtp_port":     587,
	"smtp_username": "",
	"smtp_password": "",
	"email_from":    "",

	"slack_bot_token":  "",
	"slack_channel_id": "",

	"application_url": "http://localhost:8080",

	"health_service_url":       "http://localhost:8083",
	"auth_service_url":         "http://localhost:8081",
	"metrics_service_url":      "http://localhost:8084",
	"assistant_service_url":    "http://localhost:8085",
	"notification_service_url": "http://localhost:8082",

	"redis_url":           "redis://localhost:6379",
	"redis_db":            0,
	"redis_cache_enabled": true,

	"cors_origins":         "http://localhost:5173",
	"csrf_trusted_origins": "",

	"invite_expiration_hours":           72,
	"password_reset_expiration_minutes": 60,

	"usage_batch_size":             10,
	"usage_batch_interval_seconds": 5,

	"network_limit_per_user":     1,
	"network_limit_exempt_roles": "owner,admin",

	"state_dir":         "./data/state",
	"static_dir":        "./web/dist",
	"version_check_url": "",
}

// reloadable is the subset a file edit may override at runtime. Everything
// else requires a restart.
var reloadable = []string{
	"log_level",
	"cors_origins",
	"csrf_trusted_origins",
	"network_limit_per_user",
	"network_limit_exempt_roles",
	"slack_bot_token",
	"slack_channel_id",
	"version_check_url",
}

// Manager owns the loaded configuration and its hot-reload loop.
type Manager struct {
	v      *viper.Viper
	logger *slog.Logger

	mu      sync.RWMutex
	current *Config
	subs    []func(Config)
}

// Load reads the environment (and file, when given), validates, and returns
// a manager holding the result.
func Load(file string, logger *slog.Logger) (*Manager, error) {
	v := viper.New()
	for key, def := range keys {
		v.SetDefault(key, def)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{v: v, logger: logger, current: cfg}, nil
}

// Current returns a snapshot of the active configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.current
}

// Notify registers a callback invoked with the new snapshot after every
// successful reload.
func (m *Manager) Notify(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Watch starts the hot-reload loop. Without a config file this is a no-op.
func (m *Manager) Watch() {
	if m.v.ConfigFileUsed() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.reload(e.Name)
	})
	m.v.WatchConfig()
}

// reload re-reads the file and applies the reloadable subset, logging every
// field that changed. Edits that would fail validation are dropped whole.
func (m *Manager) reload(source string) {
	fresh := &Config{}
	if err := m.v.Unmarshal(fresh); err != nil {
		m.logger.Error("config reload failed, keeping previous", "source", source, "err", err)
		return
	}

	m.mu.Lock()
	next := *m.current
	var changed []string
	for _, key := range reloadable {
		if applyField(&next, fresh, key) {
			changed = append(changed, key)
		}
	}
	if len(changed) == 0 {
		m.mu.Unlock()
		return
	}
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		m.logger.Error("config reload rejected", "source", source, "err", err)
		return
	}
	m.current = &next
	subs := append([]func(Config){}, m.subs...)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", "source", source, "changed", changed)
	for _, fn := range subs {
		fn(next)
	}
}

func applyField(dst, src *Config, key string) bool {
	switch key {
	case "log_level":
		if dst.LogLevel != src.LogLevel {
			dst.LogLevel = src.LogLevel
			return true
		}
	case "cors_origins":
		if dst.CORSOrigins != src.CORSOrigins {
			dst.CORSOrigins = src.CORSOrigins
			return true
		}
	case "csrf_trusted_origins":
		if dst.CSRFTrustedOrigins != src.CSRFTrustedOrigins {
			dst.CSRFTrustedOrigins = src.CSRFTrustedOrigins
			return true
		}
	case "network_limit_per_user":
		if dst.NetworkLimitPerUser != src.NetworkLimitPerUser {
			dst.NetworkLimitPerUser = src.NetworkLimitPerUser
			return true
		}
	case "network_limit_exempt_roles":
		if dst.NetworkLimitExemptRoles != src.NetworkLimitExemptRoles {
			dst.NetworkLimitExemptRoles = src.NetworkLimitExemptRoles
			return true
		}
	case "slack_bot_token":
		if dst.SlackBotToken != src.SlackBotToken {
			dst.SlackBotToken = src.SlackBotToken
			return true
		}
	case "slack_channel_id":
		if dst.SlackChannelID != src.SlackChannelID {
			dst.SlackChannelID = src.SlackChannelID
			return true
		}
	case "version_check_url":
		if dst.VersionCheckURL != src.VersionCheckURL {
			dst.VersionCheckURL = src.VersionCheckURL
			return true
		}
	}
	return false
}
