package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/eringen/sitepulse/clock"
)

// UnknownClient is the key used for requests whose client IP cannot be
// determined. All such clients share one window.
const UnknownClient = "unknown"

// Response headers describing the caller's quota.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// KeyFunc derives the limiter key for a request.
type KeyFunc func(c echo.Context) string

// ClientIP returns the request's real IP, or UnknownClient.
func ClientIP(c echo.Context) string {
	if ip := c.RealIP(); ip != "" {
		return ip
	}
	return UnknownClient
}

// RouteKey keys requests by "{ip}:{path}".
func RouteKey(c echo.Context) string {
	return ClientIP(c) + ":" + c.Request().URL.Path
}

// PrefixKey keys requests by "{prefix}:{ip}".
func PrefixKey(prefix string) KeyFunc {
	return func(c echo.Context) string {
		return prefix + ":" + ClientIP(c)
	}
}

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Skipper middleware.Skipper
	Limiter *Limiter
	// Policy names the limit in stats and logs, e.g. "general" or "contact".
	Policy string
	Limit  int
	Window time.Duration
	KeyFn  KeyFunc
	Stats  StatsStore
	Clock  clock.Clock
}

// Middleware rejects requests over the configured quota with 429 and
// annotates every limited response with quota headers.
func Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = middleware.DefaultSkipper
	}
	if cfg.KeyFn == nil {
		cfg.KeyFn = RouteKey
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = New(WithClock(cfg.Clock))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}

			key := cfg.KeyFn(c)
			dec := cfg.Limiter.Check(key, cfg.Limit, cfg.Window)

			if cfg.Stats != nil {
				req := c.Request()
				if err := cfg.Stats.Record(req.Context(), StatsEvent{
					Policy:  cfg.Policy,
					Key:     key,
					Allowed: dec.Allowed,
					Method:  req.Method,
					Path:    req.URL.Path,
					At:      cfg.Clock.Now(),
				}); err != nil {
					c.Logger().Warnf("record rate limit stats: %v", err)
				}
			}

			h := c.Response().Header()
			h.Set(HeaderLimit, strconv.Itoa(dec.Limit))
			h.Set(HeaderRemaining, strconv.Itoa(dec.Remaining))
			h.Set(HeaderReset, strconv.FormatInt(dec.ResetTime.Unix(), 10))

			if !dec.Allowed {
				retry := int(math.Ceil(dec.RetryAfter(cfg.Clock.Now()).Seconds()))
				h.Set(HeaderRetryAfter, strconv.Itoa(retry))
				c.Logger().Infof("rate limit %q exceeded for %s", cfg.Policy, key)
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error":      "Too many requests. Please try again later.",
					"retryAfter": retry,
				})
			}
			return next(c)
		}
	}
}
