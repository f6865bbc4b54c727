// Package sitepulse is the traffic-control and telemetry backend of a
// marketing site. It rate-limits the public API, aggregates web-vitals into
// hourly buckets, tracks visitor sessions and conversion funnels, and takes
// contact and emergency lead submissions.
//
// All state lives in process memory and is lost on restart. Rate-limit
// decisions can additionally be mirrored to Redis.
package sitepulse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/eringen/sitepulse/aggregate"
	"github.com/eringen/sitepulse/analytics"
	"github.com/eringen/sitepulse/clock"
	"github.com/eringen/sitepulse/eventlog"
	"github.com/eringen/sitepulse/funnel"
	"github.com/eringen/sitepulse/performance"
	"github.com/eringen/sitepulse/ratelimit"
	"github.com/eringen/sitepulse/telemetry"
)

// ErrClosed is returned by Setup once the app has been shut down.
var ErrClosed = errors.New("sitepulse: app is shut down")

// App is the central sitepulse application. It owns every in-memory store
// and wires them into the Echo handlers.
type App struct {
	Config SiteConfig
	Echo   *echo.Echo
	Log    *logrus.Logger

	Limiter    *ratelimit.Limiter
	Aggregator *aggregate.Aggregator
	Tracker    *funnel.Tracker
	Leads      *eventlog.Log[Lead]
	Metrics    *telemetry.Metrics
	RateStats  *ratelimit.MemoryStatsStore

	clock        clock.Clock
	stats        ratelimit.StatsStore
	redis        *redis.Client
	customRoutes []func(*App)

	// mu guards the lifecycle fields below and the redis client.
	mu           sync.Mutex
	ready        bool
	closed       bool
	stopJanitors context.CancelFunc
	janitors     []<-chan struct{}
}

// New creates a new App with the given configuration.
func New(cfg SiteConfig, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config: cfg,
		Echo:   echo.New(),
		clock:  clock.Real{},
	}
	a.Echo.HideBanner = true

	for _, opt := range opts {
		opt(a)
	}
	if a.Log == nil {
		a.Log = NewLogger(cfg.Environment, cfg.LogLevel)
	}
	a.Echo.Logger = newEchoLogger(a.Log)

	return a
}

// Setup validates the configuration, builds the stores and registers
// middleware and routes. Start calls it; tests may call it directly and
// drive a.Echo with httptest.
func (a *App) Setup() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.ready {
		return nil
	}
	if a.Config.SessionSecret == "" {
		return fmt.Errorf("sitepulse: SessionSecret is required")
	}

	cfg := a.Config
	a.Limiter = ratelimit.New(
		ratelimit.WithClock(a.clock),
		ratelimit.WithSweepThreshold(cfg.RateLimit.SweepThreshold),
	)
	a.Aggregator = aggregate.New(
		aggregate.WithClock(a.clock),
		aggregate.WithRetention(time.Duration(cfg.Analytics.RetentionHours)*time.Hour),
	)
	a.Tracker = funnel.New(
		funnel.WithClock(a.clock),
		funnel.WithSessionTimeout(cfg.Analytics.SessionTimeout),
		funnel.WithAlertThreshold(cfg.Analytics.ConversionAlertThreshold),
		funnel.WithNotifier(funnel.NewLogNotifier(a.Log, cfg.Analytics.AlertInterval)),
	)
	a.Leads = eventlog.New[Lead](cfg.Analytics.LeadCapacity)
	a.Metrics = telemetry.New("sitepulse")
	a.RateStats = ratelimit.NewMemoryStatsStore()

	stats := ratelimit.MultiStats{a.Metrics, a.RateStats}
	if cfg.Redis.Enabled {
		rdb, err := a.connectRedis()
		if err != nil {
			return err
		}
		a.redis = rdb
		stats = append(stats, ratelimit.NewRedisStatsStore(rdb,
			ratelimit.WithStatsPrefix(cfg.Redis.Prefix),
			ratelimit.WithStatsTTL(cfg.Redis.TTL),
		))
	}
	a.stats = stats

	a.setupMiddleware()
	if err := a.setupRoutes(); err != nil {
		return err
	}
	for _, fn := range a.customRoutes {
		fn(a)
	}

	a.ready = true
	return nil
}

func (a *App) connectRedis() (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("sitepulse: redis ping %s: %w", a.Config.Redis.Addr, err)
	}
	return rdb, nil
}

// Start sets the app up, starts the background janitors and serves until
// Shutdown is called. Setup and janitors that are already in place are
// reused. Start returns nil when Shutdown wins the race against it.
func (a *App) Start() error {
	if err := a.Setup(); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	a.StartJanitors(context.Background())

	a.Log.WithFields(logrus.Fields{
		"addr":        a.Config.Addr,
		"environment": a.Config.Environment,
	}).Info("sitepulse listening")

	if err := a.Echo.Start(a.Config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartJanitors starts the periodic sweeps of the rate-limit table and the
// metric buckets. They stop when ctx is cancelled or on Shutdown. It does
// nothing before Setup, after Shutdown, or when the janitors already run.
func (a *App) StartJanitors(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready || a.closed || a.stopJanitors != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	a.stopJanitors = cancel

	interval := a.Config.RateLimit.JanitorInterval
	a.janitors = append(a.janitors,
		a.Limiter.StartJanitor(ctx, interval),
		a.Aggregator.StartJanitor(ctx, interval),
	)
}

// Shutdown stops the janitors, gracefully stops the server and releases
// external connections. The app cannot be started again afterwards.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	stop, janitors := a.stopJanitors, a.janitors
	a.stopJanitors, a.janitors = nil, nil
	a.mu.Unlock()

	var errs []error
	if stop != nil {
		stop()
	wait:
		for _, done := range janitors {
			select {
			case <-done:
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				break wait
			}
		}
	}

	errs = append(errs, a.Echo.Shutdown(ctx), a.Close())
	return errors.Join(errs...)
}

// Close releases external connections.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redis == nil {
		return nil
	}
	err := a.redis.Close()
	a.redis = nil
	return err
}

func (a *App) setupRoutes() error {
	e := a.Echo

	e.GET("/healthz", a.handleHealth)
	e.GET("/sitepulse.js", a.handleBeacon)
	e.GET("/metrics", echo.WrapHandler(a.Metrics.Handler()))

	api := e.Group("/api")
	api.GET("/csrf-token", a.handleCSRFToken)

	analyticsHandler, err := analytics.NewHandler(a.Tracker,
		analytics.WithClock(a.clock),
		analytics.WithMetrics(a.Metrics),
		analytics.WithEventCapacity(a.Config.Analytics.EventCapacity),
		analytics.WithHeatmapCapacity(a.Config.Analytics.HeatmapCapacity),
		analytics.WithSessionIDFunc(visitorSessionID),
	)
	if err != nil {
		return fmt.Errorf("sitepulse: init analytics: %w", err)
	}
	analyticsHandler.RegisterRoutes(api)

	performance.NewHandler(a.Aggregator,
		performance.WithClock(a.clock),
		performance.WithMetrics(a.Metrics),
		performance.WithCapacity(a.Config.Analytics.PerformanceCapacity),
	).RegisterRoutes(api)

	rl := a.Config.RateLimit
	api.POST("/contact", a.handleContact, a.formLimit("contact", rl.ContactLimit, rl.ContactWindow))
	api.POST("/emergency", a.handleEmergency, a.formLimit("emergency", rl.EmergencyLimit, rl.EmergencyWindow))
	return nil
}

func (a *App) formLimit(policy string, limit int, window time.Duration) echo.MiddlewareFunc {
	return ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter: a.Limiter,
		Policy:  policy,
		Limit:   limit,
		Window:  window,
		KeyFn:   ratelimit.PrefixKey(policy),
		Stats:   a.stats,
		Clock:   a.clock,
	})
}

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
