package sitepulse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eringen/sitepulse/clock"
)

var testNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type testApp struct {
	*App
	clk  *clock.Manual
	hook *logtest.Hook
}

func newTestApp(t *testing.T, mutate func(*SiteConfig)) *testApp {
	t.Helper()
	cfg := SiteConfig{
		SessionSecret: "test-session-secret",
		Environment:   "development",
		Phone:         "(555) 010-0199",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clk := clock.NewManual(testNow)

	a := New(cfg, WithClock(clk), WithLogger(logger))
	require.NoError(t, a.Setup())
	return &testApp{App: a, clk: clk, hook: hook}
}

type request struct {
	method  string
	target  string
	body    string
	ip      string
	cookies []*http.Cookie
	header  map[string]string
}

func (ta *testApp) serve(t *testing.T, r request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if r.body != "" {
		req = httptest.NewRequest(r.method, r.target, strings.NewReader(r.body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(r.method, r.target, nil)
	}
	if r.ip == "" {
		r.ip = "198.51.100.20"
	}
	req.RemoteAddr = r.ip + ":40000"
	for _, c := range r.cookies {
		req.AddCookie(c)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	ta.Echo.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSetupRequiresSessionSecret(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	a := New(SiteConfig{}, WithLogger(logger))
	err := a.Setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SessionSecret")
}

func TestHealthz(t *testing.T) {
	ta := newTestApp(t, nil)
	rec, body := ta.serve(t, request{method: http.MethodGet, target: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Nil(t, cookieNamed(rec, visitorSessionName), "visitor cookie outside /api")
}

func TestMetricsEndpoint(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.serve(t, request{method: http.MethodGet, target: "/api/analytics/track?type=summary"})

	rec, _ := ta.serve(t, request{method: http.MethodGet, target: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sitepulse_ratelimit_decisions_total{outcome="allowed",policy="general"} 1`)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	ta := newTestApp(t, nil)
	rec, body := ta.serve(t, request{method: http.MethodGet, target: "/api/nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, body["error"])
}

func TestGlobalRateLimit(t *testing.T) {
	ta := newTestApp(t, func(c *SiteConfig) { c.RateLimit.GeneralLimit = 3 })

	for i := 1; i <= 3; i++ {
		rec, _ := ta.serve(t, request{method: http.MethodGet, target: "/api/performance"})
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec, body := ta.serve(t, request{method: http.MethodGet, target: "/api/performance"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, body["error"])

	// Other paths and other clients have their own windows.
	rec, _ = ta.serve(t, request{method: http.MethodGet, target: "/api/performance/aggregate"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ta.serve(t, request{method: http.MethodGet, target: "/api/performance", ip: "198.51.100.21"})
	assert.Equal(t, http.StatusOK, rec.Code)

	ta.clk.Advance(time.Minute)
	rec, _ = ta.serve(t, request{method: http.MethodGet, target: "/api/performance"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health checks are never limited.
	for i := 0; i < 5; i++ {
		rec, _ = ta.serve(t, request{method: http.MethodGet, target: "/healthz"})
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	total := ta.RateStats.Total()
	assert.EqualValues(t, 1, total.Denied)
	assert.EqualValues(t, 6, total.Allowed)

	_, body = ta.serve(t, request{method: http.MethodGet, target: "/healthz"})
	limits := body["rateLimit"].(map[string]any)
	assert.Equal(t, map[string]any{"allowed": float64(6), "denied": float64(1)}, limits["total"])
	general := limits["policies"].(map[string]any)["general"].(map[string]any)
	assert.EqualValues(t, 1, general["denied"])
	route := limits["routes"].(map[string]any)["GET /api/performance"].(map[string]any)
	assert.EqualValues(t, 5, route["allowed"])
	assert.EqualValues(t, 1, route["denied"])
}

const validContact = `{"name":"Dana Reyes","email":"dana@example.com","message":"Basement flooded overnight."}`

func TestContactAcceptsLead(t *testing.T) {
	ta := newTestApp(t, nil)

	rec, body := ta.serve(t, request{method: http.MethodPost, target: "/api/contact", body: validContact})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])

	leads := ta.Leads.Snapshot()
	require.Len(t, leads, 1)
	assert.Equal(t, "contact", leads[0].Form)
	assert.Equal(t, "Dana Reyes", leads[0].Name)
	assert.Equal(t, "198.51.100.20", leads[0].IP)
	assert.NotEmpty(t, leads[0].ID)

	// The submission is a conversion of the visitor's session.
	require.NotNil(t, cookieNamed(rec, visitorSessionName))
	assert.Equal(t, 1, ta.Tracker.Summary().Conversions)
}

func TestContactValidation(t *testing.T) {
	ta := newTestApp(t, nil)

	tests := []struct {
		name   string
		body   string
		fields []string
	}{
		{"empty", `{}`, []string{"name", "email", "phone", "message"}},
		{"bad email", `{"name":"A","email":"not-an-email","message":"hi"}`, []string{"email"}},
		{"bad phone", `{"name":"A","phone":"call me","message":"hi"}`, []string{"phone"}},
		{"short phone", `{"name":"A","phone":"555-0100","message":"hi"}`, []string{"phone"}},
		{"long name", `{"name":"` + strings.Repeat("x", 101) + `","phone":"(555) 010-0199","message":"hi"}`, []string{"name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := ta.serve(t, request{method: http.MethodPost, target: "/api/contact", body: tt.body})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Validation failed", body["error"])
			fields := body["fields"].(map[string]any)
			for _, f := range tt.fields {
				assert.Contains(t, fields, f)
			}
		})
	}
	assert.Equal(t, 0, ta.Leads.Len())
}

func TestContactRateLimit(t *testing.T) {
	ta := newTestApp(t, nil)

	for i := 1; i <= 5; i++ {
		rec, _ := ta.serve(t, request{method: http.MethodPost, target: "/api/contact", body: validContact})
		require.Equal(t, http.StatusOK, rec.Code, "submission %d", i)
		ta.clk.Advance(10 * time.Second)
	}

	rec, _ := ta.serve(t, request{method: http.MethodPost, target: "/api/contact", body: validContact})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "250", rec.Header().Get("Retry-After"))
	assert.Equal(t, 5, ta.Leads.Len())

	// The emergency form has its own quota.
	rec, _ = ta.serve(t, request{method: http.MethodPost, target: "/api/emergency",
		body: `{"name":"Dana","phone":"(555) 010-0199","damageType":"water"}`})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEmergency(t *testing.T) {
	ta := newTestApp(t, nil)

	rec, body := ta.serve(t, request{method: http.MethodPost, target: "/api/emergency",
		body: `{"name":"Sam","email":"sam@example.com","damageType":"lava"}`})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := body["fields"].(map[string]any)
	assert.Contains(t, fields, "phone")
	assert.Contains(t, fields, "damageType")

	rec, body = ta.serve(t, request{method: http.MethodPost, target: "/api/emergency",
		body: `{"name":"Sam","phone":"+1 555 010 0199","damageType":"Fire","address":"12 Elm St"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	leads := ta.Leads.Snapshot()
	require.Len(t, leads, 1)
	assert.Equal(t, "emergency", leads[0].Form)
	assert.Equal(t, "fire", leads[0].DamageType)

	entry := ta.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "request", entry.Message)
	found := false
	for _, e := range ta.hook.AllEntries() {
		if e.Message == "lead received" {
			found = true
			assert.Equal(t, "emergency", e.Data["form"])
		}
	}
	assert.True(t, found, "lead was not logged")
}

func TestLeadFailedOffersPhone(t *testing.T) {
	ta := newTestApp(t, nil)
	e := echo.New()
	e.Logger = newEchoLogger(ta.Log)
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/contact", nil), httptest.NewRecorder())
	rec := c.Response().Writer.(*httptest.ResponseRecorder)

	require.NoError(t, ta.leadFailed(c, "contact", assert.AnError))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body["error"])
	assert.Contains(t, body["fallback"], "(555) 010-0199")
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestVisitorSessionFeedsTracker(t *testing.T) {
	ta := newTestApp(t, nil)

	rec, _ := ta.serve(t, request{method: http.MethodGet, target: "/api/analytics/track?type=summary"})
	cookie := cookieNamed(rec, visitorSessionName)
	require.NotNil(t, cookie)

	rec, _ = ta.serve(t, request{
		method:  http.MethodPost,
		target:  "/api/analytics/track",
		body:    `{"type":"pageview","data":{"page":"/mold-remediation"}}`,
		cookies: []*http.Cookie{cookie},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, cookieNamed(rec, visitorSessionName), "existing visitor id was replaced")

	sessions := ta.Tracker.Sessions(0)
	require.Len(t, sessions, 1)
	assert.Equal(t, "/mold-remediation", sessions[0].LastPage)
}

func TestCSRFProtectsAPIWrites(t *testing.T) {
	ta := newTestApp(t, func(c *SiteConfig) { c.Environment = "production" })

	rec, body := ta.serve(t, request{method: http.MethodPost, target: "/api/contact", body: validContact})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", body["error"])
	assert.Equal(t, 0, ta.Leads.Len())

	var security *logrus.Entry
	for _, e := range ta.hook.AllEntries() {
		if e.Message == "security event" {
			security = e
		}
	}
	require.NotNil(t, security, "csrf failure was not logged")
	assert.Equal(t, logrus.WarnLevel, security.Level)
	assert.Equal(t, "csrf_validation_failed", security.Data["event"])

	rec, body = ta.serve(t, request{method: http.MethodGet, target: "/api/csrf-token"})
	require.Equal(t, http.StatusOK, rec.Code)
	csrf := cookieNamed(rec, csrfCookieName)
	require.NotNil(t, csrf)
	assert.True(t, csrf.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, csrf.SameSite)
	assert.Equal(t, 86400, csrf.MaxAge)
	token, _ := body["token"].(string)
	require.Equal(t, csrf.Value, token)

	rec, _ = ta.serve(t, request{
		method:  http.MethodPost,
		target:  "/api/contact",
		body:    validContact,
		cookies: []*http.Cookie{csrf},
		header:  map[string]string{csrfHeader: token},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCSRFSkippedInDevelopment(t *testing.T) {
	ta := newTestApp(t, nil)
	rec, _ := ta.serve(t, request{method: http.MethodPost, target: "/api/analytics/heatmap",
		body: `{"x":1,"y":2,"type":"click"}`})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownStopsJanitors(t *testing.T) {
	defer goleak.VerifyNone(t)

	ta := newTestApp(t, func(c *SiteConfig) { c.RateLimit.JanitorInterval = 10 * time.Millisecond })
	ta.StartJanitors(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ta.Shutdown(ctx))
}

func TestShutdownRacingStartLeavesNothingRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	for i := 0; i < 20; i++ {
		ta := newTestApp(t, func(c *SiteConfig) {
			c.Addr = "127.0.0.1:0"
			c.RateLimit.JanitorInterval = 10 * time.Millisecond
		})
		errc := make(chan error, 1)
		go func() { errc <- ta.Start() }()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, ta.Shutdown(ctx))
		cancel()

		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not return after Shutdown")
		}
	}
}

func TestNoRestartAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	ta := newTestApp(t, func(c *SiteConfig) { c.RateLimit.JanitorInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ta.Shutdown(ctx))

	ta.StartJanitors(context.Background())
	assert.Empty(t, ta.janitors, "janitors started after Shutdown")
	assert.ErrorIs(t, ta.Setup(), ErrClosed)
	assert.NoError(t, ta.Start())
}

func TestStartJanitorsIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	ta := newTestApp(t, func(c *SiteConfig) { c.RateLimit.JanitorInterval = 10 * time.Millisecond })
	ta.StartJanitors(context.Background())
	ta.StartJanitors(context.Background())
	assert.Len(t, ta.janitors, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ta.Shutdown(ctx))
}

func TestBeaconScript(t *testing.T) {
	ta := newTestApp(t, nil)
	rec, _ := ta.serve(t, request{method: http.MethodGet, target: "/sitepulse.js"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "javascript")
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "/api/analytics/track")
}

func TestWithCustomRoutes(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	a := New(SiteConfig{SessionSecret: "s", Environment: "development"},
		WithLogger(logger),
		WithCustomRoutes(func(a *App) {
			a.Echo.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
		}),
	)
	require.NoError(t, a.Setup())
	require.NoError(t, a.Setup(), "Setup must be idempotent")

	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}
