package sitepulse

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eringen/sitepulse/apierr"
	"github.com/eringen/sitepulse/ratelimit"
)

const (
	visitorSessionName = "sitepulse_visitor"
	visitorIDKey       = "sid"
	visitorIDContext   = "sitepulse.visitor_id"

	csrfCookieName = "csrf-token"
	csrfHeader     = "X-CSRF-Token"
)

func isAPI(c echo.Context) bool {
	return strings.HasPrefix(c.Request().URL.Path, "/api/")
}

func (a *App) setupMiddleware() {
	e := a.Echo

	e.IPExtractor = echo.ExtractIPFromXFFHeader(
		echo.TrustLoopback(true),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(true),
	)

	e.HTTPErrorHandler = a.httpErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.Log.WithFields(logrus.Fields{
				"method":    v.Method,
				"uri":       v.URI,
				"status":    v.Status,
				"latency":   v.Latency.String(),
				"remote_ip": v.RemoteIP,
			}).Info("request")
			return nil
		},
	}))

	e.Use(middleware.Recover())

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/metrics"
		},
	}))

	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		HSTSMaxAge:            31536000,
	}))

	e.Use(middleware.BodyLimit("64K"))

	e.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Skipper: func(c echo.Context) bool { return !isAPI(c) },
		Limiter: a.Limiter,
		Policy:  "general",
		Limit:   a.Config.RateLimit.GeneralLimit,
		Window:  a.Config.RateLimit.GeneralWindow,
		KeyFn:   ratelimit.RouteKey,
		Stats:   a.stats,
		Clock:   a.clock,
	}))

	e.Use(session.Middleware(a.newSessionStore()))
	e.Use(visitorSession)

	e.Use(middleware.CSRFWithConfig(middleware.CSRFConfig{
		TokenLookup:    "header:" + csrfHeader,
		CookieName:     csrfCookieName,
		CookiePath:     "/",
		CookieMaxAge:   86400,
		CookieHTTPOnly: true,
		CookieSameSite: http.SameSiteStrictMode,
		CookieSecure:   a.Config.CookieSecure,
		Skipper: func(c echo.Context) bool {
			return a.Config.IsDevelopment()
		},
		ErrorHandler: a.csrfFailed,
	}))

	e.Use(cacheControlMiddleware)
}

func cacheControlMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")
		return next(c)
	}
}

func (a *App) newSessionStore() *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(a.Config.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		MaxAge:   60 * 60 * 24,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.Config.CookieSecure,
	}
	return store
}

// visitorSession makes sure every API caller carries a visitor id cookie.
func visitorSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !isAPI(c) {
			return next(c)
		}
		sess, err := session.Get(visitorSessionName, c)
		if err != nil {
			// Undecodable cookie, e.g. after a secret rotation; a fresh
			// session replaces it.
			c.Logger().Debugf("visitor session: %v", err)
		}
		if sess == nil {
			return next(c)
		}

		id, _ := sess.Values[visitorIDKey].(string)
		if id == "" {
			id = uuid.NewString()
			sess.Values[visitorIDKey] = id
			if err := sess.Save(c.Request(), c.Response()); err != nil {
				c.Logger().Warnf("save visitor session: %v", err)
			}
		}
		c.Set(visitorIDContext, id)
		return next(c)
	}
}

// visitorSessionID returns the visitor id assigned by visitorSession.
func visitorSessionID(c echo.Context) string {
	id, _ := c.Get(visitorIDContext).(string)
	return id
}

// CsrfToken extracts the CSRF token from the Echo context.
func CsrfToken(c echo.Context) string {
	token, _ := c.Get(middleware.DefaultCSRFConfig.ContextKey).(string)
	return token
}

func (a *App) csrfFailed(err error, c echo.Context) error {
	req := c.Request()
	a.Log.WithFields(logrus.Fields{
		"event":  "csrf_validation_failed",
		"ip":     ratelimit.ClientIP(c),
		"method": req.Method,
		"path":   req.URL.Path,
		"reason": err.Error(),
	}).Warn("security event")
	return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden"})
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := apierr.ErrInternal
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if code < http.StatusInternalServerError {
			msg = fmt.Sprint(he.Message)
		}
	}
	if code >= http.StatusInternalServerError {
		c.Logger().Errorf("server error: %v", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}
