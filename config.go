package sitepulse

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/eringen/sitepulse/clock"
)

// SiteConfig holds all configuration for a sitepulse deployment.
type SiteConfig struct {
	Name        string `mapstructure:"name"`        // Site name (default "Sitepulse")
	URL         string `mapstructure:"url"`         // Canonical URL (default "http://localhost:3000")
	Addr        string `mapstructure:"addr"`        // Listen address (default ":3000")
	Environment string `mapstructure:"environment"` // "production" (default) or "development"
	LogLevel    string `mapstructure:"log_level"`   // logrus level name (default "info")

	// Phone is offered as a fallback when a lead form cannot be processed.
	Phone string `mapstructure:"phone"`

	SessionSecret string `mapstructure:"session_secret"` // Required: visitor cookie secret
	CookieSecure  bool   `mapstructure:"cookie_secure"`  // Set true for HTTPS

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// RateLimitConfig holds the request quotas.
type RateLimitConfig struct {
	GeneralLimit    int           `mapstructure:"general_limit"`    // default 60
	GeneralWindow   time.Duration `mapstructure:"general_window"`   // default 1m
	ContactLimit    int           `mapstructure:"contact_limit"`    // default 5
	ContactWindow   time.Duration `mapstructure:"contact_window"`   // default 5m
	EmergencyLimit  int           `mapstructure:"emergency_limit"`  // default 10
	EmergencyWindow time.Duration `mapstructure:"emergency_window"` // default 5m
	SweepThreshold  int           `mapstructure:"sweep_threshold"`  // default 1000
	JanitorInterval time.Duration `mapstructure:"janitor_interval"` // default 1m
}

// AnalyticsConfig sizes the in-memory stores.
type AnalyticsConfig struct {
	EventCapacity            int           `mapstructure:"event_capacity"`             // default 10000
	HeatmapCapacity          int           `mapstructure:"heatmap_capacity"`           // default 1000
	PerformanceCapacity      int           `mapstructure:"performance_capacity"`       // default 1000
	LeadCapacity             int           `mapstructure:"lead_capacity"`              // default 1000
	SessionTimeout           time.Duration `mapstructure:"session_timeout"`            // default 30m
	RetentionHours           int           `mapstructure:"retention_hours"`            // default 24
	ConversionAlertThreshold float64       `mapstructure:"conversion_alert_threshold"` // percent, default 2
	AlertInterval            time.Duration `mapstructure:"alert_interval"`             // default 15m
}

// RedisConfig enables mirroring rate-limit decisions to Redis.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`     // default "localhost:6379"
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"` // default "sitepulse:ratelimit"
	TTL      time.Duration `mapstructure:"ttl"`    // default 24h
}

// IsDevelopment reports whether the site runs in local development mode.
func (c SiteConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *SiteConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "Sitepulse"
	}
	if c.URL == "" {
		c.URL = "http://localhost:3000"
	}
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	r := &c.RateLimit
	if r.GeneralLimit == 0 {
		r.GeneralLimit = 60
	}
	if r.GeneralWindow == 0 {
		r.GeneralWindow = time.Minute
	}
	if r.ContactLimit == 0 {
		r.ContactLimit = 5
	}
	if r.ContactWindow == 0 {
		r.ContactWindow = 5 * time.Minute
	}
	if r.EmergencyLimit == 0 {
		r.EmergencyLimit = 10
	}
	if r.EmergencyWindow == 0 {
		r.EmergencyWindow = 5 * time.Minute
	}
	if r.SweepThreshold == 0 {
		r.SweepThreshold = 1000
	}
	if r.JanitorInterval == 0 {
		r.JanitorInterval = time.Minute
	}

	an := &c.Analytics
	if an.EventCapacity == 0 {
		an.EventCapacity = 10000
	}
	if an.HeatmapCapacity == 0 {
		an.HeatmapCapacity = 1000
	}
	if an.PerformanceCapacity == 0 {
		an.PerformanceCapacity = 1000
	}
	if an.LeadCapacity == 0 {
		an.LeadCapacity = 1000
	}
	if an.SessionTimeout == 0 {
		an.SessionTimeout = 30 * time.Minute
	}
	if an.RetentionHours == 0 {
		an.RetentionHours = 24
	}
	if an.ConversionAlertThreshold == 0 {
		an.ConversionAlertThreshold = 2
	}
	if an.AlertInterval == 0 {
		an.AlertInterval = 15 * time.Minute
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "sitepulse:ratelimit"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
}

// LoadConfig reads configuration from the file at path (YAML, TOML or JSON)
// and SITEPULSE_* environment variables, which take precedence. Nested keys
// use underscores: SITEPULSE_RATE_LIMIT_CONTACT_LIMIT. With an empty path
// an optional sitepulse.* file in . or ./config is used.
func LoadConfig(path string) (SiteConfig, error) {
	v := viper.New()

	var defaults SiteConfig
	defaults.setDefaults()
	setViperDefaults(v, defaults)

	v.SetEnvPrefix("SITEPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sitepulse")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return SiteConfig{}, fmt.Errorf("sitepulse: read config: %w", err)
		}
	}

	var cfg SiteConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return SiteConfig{}, fmt.Errorf("sitepulse: decode config: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

// setViperDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setViperDefaults(v *viper.Viper, d SiteConfig) {
	v.SetDefault("name", d.Name)
	v.SetDefault("url", d.URL)
	v.SetDefault("addr", d.Addr)
	v.SetDefault("environment", d.Environment)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("phone", d.Phone)
	v.SetDefault("session_secret", d.SessionSecret)
	v.SetDefault("cookie_secure", d.CookieSecure)

	v.SetDefault("rate_limit.general_limit", d.RateLimit.GeneralLimit)
	v.SetDefault("rate_limit.general_window", d.RateLimit.GeneralWindow)
	v.SetDefault("rate_limit.contact_limit", d.RateLimit.ContactLimit)
	v.SetDefault("rate_limit.contact_window", d.RateLimit.ContactWindow)
	v.SetDefault("rate_limit.emergency_limit", d.RateLimit.EmergencyLimit)
	v.SetDefault("rate_limit.emergency_window", d.RateLimit.EmergencyWindow)
	v.SetDefault("rate_limit.sweep_threshold", d.RateLimit.SweepThreshold)
	v.SetDefault("rate_limit.janitor_interval", d.RateLimit.JanitorInterval)

	v.SetDefault("analytics.event_capacity", d.Analytics.EventCapacity)
	v.SetDefault("analytics.heatmap_capacity", d.Analytics.HeatmapCapacity)
	v.SetDefault("analytics.performance_capacity", d.Analytics.PerformanceCapacity)
	v.SetDefault("analytics.lead_capacity", d.Analytics.LeadCapacity)
	v.SetDefault("analytics.session_timeout", d.Analytics.SessionTimeout)
	v.SetDefault("analytics.retention_hours", d.Analytics.RetentionHours)
	v.SetDefault("analytics.conversion_alert_threshold", d.Analytics.ConversionAlertThreshold)
	v.SetDefault("analytics.alert_interval", d.Analytics.AlertInterval)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("redis.ttl", d.Redis.TTL)
}

// Option configures additional App behavior.
type Option func(*App)

// WithCustomRoutes registers additional routes on the Echo instance.
// The callback runs after the built-in routes are registered.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}

// WithClock replaces the wall clock used by every store.
func WithClock(c clock.Clock) Option {
	return func(a *App) {
		a.clock = c
	}
}

// WithLogger replaces the process logger.
func WithLogger(l *logrus.Logger) Option {
	return func(a *App) {
		a.Log = l
	}
}
