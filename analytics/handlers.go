package analytics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/sitepulse/aggregate"
	"github.com/eringen/sitepulse/apierr"
	"github.com/eringen/sitepulse/clock"
	"github.com/eringen/sitepulse/eventlog"
	"github.com/eringen/sitepulse/funnel"
	"github.com/eringen/sitepulse/ratelimit"
	"github.com/eringen/sitepulse/telemetry"
)

// Default store capacities.
const (
	DefaultEventCapacity   = 10000
	DefaultHeatmapCapacity = 1000
	maxSessionsListed      = 50
	dimensionLimit         = 10

	// retention bounds the generic record log to the longest report period.
	retention = 30 * 24 * time.Hour
)

// Input validation limits.
const (
	maxPathLen      = 2048
	maxSessionIDLen = 128
	maxNameLen      = 256
	maxUserAgentLen = 512
)

// Handler handles analytics HTTP requests.
type Handler struct {
	tracker   *funnel.Tracker
	events    *eventlog.Log[Record]
	heatmap   *eventlog.Log[HeatmapPoint]
	metrics   *telemetry.Metrics
	clock     clock.Clock
	salt      string
	sessionID func(echo.Context) string
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock sets the time source used for timestamps and periods.
func WithClock(c clock.Clock) Option { return func(h *Handler) { h.clock = c } }

// WithMetrics sets the Prometheus counters to update.
func WithMetrics(m *telemetry.Metrics) Option { return func(h *Handler) { h.metrics = m } }

// WithEventCapacity bounds the generic event log.
func WithEventCapacity(n int) Option {
	return func(h *Handler) { h.events = eventlog.New[Record](n) }
}

// WithHeatmapCapacity bounds the heatmap point log.
func WithHeatmapCapacity(n int) Option {
	return func(h *Handler) { h.heatmap = eventlog.New[HeatmapPoint](n) }
}

// WithSessionIDFunc supplies a session id when a track request carries none.
func WithSessionIDFunc(fn func(echo.Context) string) Option {
	return func(h *Handler) { h.sessionID = fn }
}

// NewHandler creates a new analytics handler on top of tracker.
func NewHandler(tracker *funnel.Tracker, opts ...Option) (*Handler, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	h := &Handler{
		tracker: tracker,
		events:  eventlog.New[Record](DefaultEventCapacity),
		heatmap: eventlog.New[HeatmapPoint](DefaultHeatmapCapacity),
		clock:   clock.Real{},
		salt:    salt,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// RegisterRoutes registers analytics routes on the /api group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/analytics/track", h.Track)
	api.GET("/analytics/track", h.TrackReport)
	api.POST("/analytics/standard", h.Standard)
	api.GET("/analytics/standard", h.StandardReport)
	api.POST("/analytics/heatmap", h.Heatmap)
	api.GET("/analytics/heatmap", h.HeatmapReport)
}

// TrackRequest is the body of POST /api/analytics/track.
type TrackRequest struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Name      string         `json:"name"`
	Page      string         `json:"page"`
	Step      string         `json:"step"`
	UserID    string         `json:"userId"`
	Value     *float64       `json:"value"`
	Data      map[string]any `json:"data"`
}

func stringField(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// toEvent resolves the request into a tracker event. Fields may be sent at
// the top level or inside data.
func (r *TrackRequest) toEvent() (funnel.Event, error) {
	v := apierr.NewValidation()
	if !funnel.ValidType(r.Type) {
		v.Add("type", "must be one of event, pageview, conversion, identify, funnel")
	}
	if len(r.SessionID) > maxSessionIDLen {
		v.Add("sessionId", fmt.Sprintf("exceeds maximum length of %d", maxSessionIDLen))
	}

	ev := funnel.Event{
		Type:   r.Type,
		Name:   firstNonEmpty(r.Name, stringField(r.Data, "event", "name", "goal")),
		Page:   firstNonEmpty(r.Page, stringField(r.Data, "page", "path", "url")),
		Step:   firstNonEmpty(r.Step, stringField(r.Data, "step")),
		UserID: firstNonEmpty(r.UserID, stringField(r.Data, "userId")),
		Data:   r.Data,
	}
	if r.Value != nil {
		ev.Value = *r.Value
	} else if n, ok := aggregate.Numeric(r.Data["value"]); ok {
		ev.Value = n
	}

	switch {
	case len(ev.Page) > maxPathLen:
		v.Add("page", fmt.Sprintf("exceeds maximum length of %d", maxPathLen))
	case r.Type == funnel.TypePageview && ev.Page == "":
		v.Add("page", "is required for pageview events")
	}
	if len(ev.Name) > maxNameLen {
		v.Add("name", fmt.Sprintf("exceeds maximum length of %d", maxNameLen))
	}
	if r.Type == funnel.TypeFunnel && ev.Step == "" {
		v.Add("step", "is required for funnel events")
	}
	if r.Type == funnel.TypeIdentify && ev.UserID == "" {
		v.Add("userId", "is required for identify events")
	}
	return ev, v.Err()
}

func firstNonEmpty(vals ...string) string {
	for _, s := range vals {
		if s != "" {
			return s
		}
	}
	return ""
}

var trackMessages = map[string]string{
	funnel.TypeEvent:      "Event tracked",
	funnel.TypePageview:   "Pageview tracked",
	funnel.TypeConversion: "Conversion tracked",
	funnel.TypeIdentify:   "User identified",
	funnel.TypeFunnel:     "Funnel step tracked",
}

// Track records one session event.
func (h *Handler) Track(c echo.Context) error {
	var req TrackRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Respond(c, apierr.Invalid("body", "must be a JSON object"))
	}

	ev, err := req.toEvent()
	if err != nil {
		return apierr.Respond(c, err)
	}

	sessionID := req.SessionID
	if sessionID == "" && h.sessionID != nil {
		sessionID = h.sessionID(c)
	}
	if sessionID == "" {
		return apierr.Respond(c, apierr.Invalid("sessionId", "is required"))
	}

	ev.Timestamp = h.clock.Now().UTC()
	h.tracker.RecordEvent(sessionID, ev)
	h.metrics.EventIngested("track_" + ev.Type)
	h.metrics.SetActiveSessions(h.tracker.Len())

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": trackMessages[ev.Type],
	})
}

// TrackReport returns the summary, sessions, conversions or per-session
// events view.
func (h *Handler) TrackReport(c echo.Context) error {
	switch c.QueryParam("type") {
	case "", "summary":
		return c.JSON(http.StatusOK, h.tracker.Summary())
	case "sessions":
		sessions := h.tracker.Sessions(maxSessionsListed)
		return c.JSON(http.StatusOK, map[string]any{
			"sessions": sessions,
			"total":    h.tracker.Len(),
		})
	case "conversions":
		convs := h.tracker.Conversions(0)
		return c.JSON(http.StatusOK, map[string]any{
			"conversions":    convs,
			"total":          len(convs),
			"conversionRate": h.tracker.Summary().ConversionRate,
		})
	case "events":
		id := c.QueryParam("sessionId")
		if id == "" {
			return apierr.Respond(c, apierr.Invalid("sessionId", "is required"))
		}
		events := h.tracker.Events(id)
		if events == nil {
			events = []funnel.Event{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"sessionId": id,
			"events":    events,
			"total":     len(events),
		})
	default:
		return apierr.Respond(c, apierr.Invalid("type", "must be one of summary, sessions, conversions, events"))
	}
}

// parseTimestamp accepts RFC 3339 strings and millisecond epoch numbers.
func parseTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		ms, ok := aggregate.Numeric(v)
		if !ok || ms <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ms)).UTC(), true
	}
}

// decodeObject reads the request body as a JSON object.
func decodeObject(c echo.Context) (map[string]any, error) {
	var payload map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil || payload == nil {
		return nil, apierr.Invalid("body", "must be a JSON object")
	}
	return payload, nil
}

// Standard ingests one free-form analytics record.
func (h *Handler) Standard(c echo.Context) error {
	payload, err := decodeObject(c)
	if err != nil {
		return apierr.Respond(c, err)
	}

	ts, ok := parseTimestamp(payload["timestamp"])
	if !ok {
		ts = h.clock.Now().UTC()
	}
	typ := stringField(payload, "type")
	if typ == "" {
		typ = "event"
	}
	path := stringField(payload, "path", "page", "url")
	if len(path) > maxPathLen {
		return apierr.Respond(c, apierr.Invalid("path", fmt.Sprintf("exceeds maximum length of %d", maxPathLen)))
	}

	userAgent := stringField(payload, "userAgent")
	if userAgent == "" {
		userAgent = c.Request().UserAgent()
	}
	if len(userAgent) > maxUserAgentLen {
		userAgent = userAgent[:maxUserAgentLen]
	}
	browser, os, device := ParseUserAgent(userAgent)

	rec := Record{
		Type:      typ,
		Path:      path,
		VisitorID: VisitorID(h.salt, ratelimit.ClientIP(c), userAgent),
		Browser:   browser,
		OS:        os,
		Device:    device,
		Referrer:  CleanReferrer(stringField(payload, "referrer")),
		Data:      payload,
		Timestamp: ts,
	}
	if IsBot(userAgent) {
		rec.Bot = true
		rec.BotName = ExtractBotName(userAgent)
	}
	h.events.Append(rec)
	h.events.PruneBefore(h.clock.Now().Add(-retention), func(r Record) time.Time { return r.Timestamp })
	h.metrics.EventIngested("standard_" + typ)

	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// StandardCounts are the filtered counts returned by StandardReport. The
// dimension breakdowns cover human traffic only; bots are broken down by
// name in TopBots.
type StandardCounts struct {
	PageViews      int             `json:"pageViews"`
	UniqueVisitors int             `json:"uniqueVisitors"`
	Events         int             `json:"events"`
	Bots           int             `json:"bots"`
	Total          int             `json:"total"`
	TopPages       []DimensionStat `json:"topPages"`
	Browsers       []DimensionStat `json:"browsers"`
	OS             []DimensionStat `json:"os"`
	Devices        []DimensionStat `json:"devices"`
	Referrers      []DimensionStat `json:"referrers"`
	TopBots        []DimensionStat `json:"topBots"`
}

func (h *Handler) countSince(cutoff time.Time) StandardCounts {
	var counts StandardCounts
	visitors := make(map[string]struct{})
	pages := make(map[string]int)
	browsers := make(map[string]int)
	systems := make(map[string]int)
	devices := make(map[string]int)
	referrers := make(map[string]int)
	bots := make(map[string]int)
	for _, r := range h.events.Query(func(r Record) bool { return !r.Timestamp.Before(cutoff) }, 0) {
		counts.Total++
		if r.Bot {
			counts.Bots++
			bots[r.BotName]++
			continue
		}
		visitors[r.VisitorID] = struct{}{}
		if r.Type == "pageview" {
			counts.PageViews++
			if r.Path != "" {
				pages[r.Path]++
			}
		} else {
			counts.Events++
		}
		browsers[r.Browser]++
		systems[r.OS]++
		devices[r.Device]++
		referrers[r.Referrer]++
	}
	counts.UniqueVisitors = len(visitors)
	counts.TopPages = topDimensions(pages, dimensionLimit)
	counts.Browsers = topDimensions(browsers, dimensionLimit)
	counts.OS = topDimensions(systems, dimensionLimit)
	counts.Devices = topDimensions(devices, dimensionLimit)
	counts.Referrers = topDimensions(referrers, dimensionLimit)
	counts.TopBots = topDimensions(bots, dimensionLimit)
	return counts
}

// StandardReport returns counts for the requested metric and period.
func (h *Handler) StandardReport(c echo.Context) error {
	metric := c.QueryParam("metric")
	if metric == "" {
		metric = "all"
	}
	period, d := parsePeriod(c.QueryParam("period"))
	counts := h.countSince(h.clock.Now().Add(-d))

	var value int
	switch metric {
	case "all":
		return c.JSON(http.StatusOK, map[string]any{
			"metric": metric,
			"period": period,
			"data":   counts,
		})
	case "pageViews":
		value = counts.PageViews
	case "uniqueVisitors":
		value = counts.UniqueVisitors
	case "events":
		value = counts.Events
	default:
		return apierr.Respond(c, apierr.Invalid("metric", "must be one of pageViews, uniqueVisitors, events, all"))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"metric": metric,
		"period": period,
		"value":  value,
	})
}

// HeatmapRequest is the body of POST /api/analytics/heatmap.
type HeatmapRequest struct {
	X              *float64 `json:"x"`
	Y              *float64 `json:"y"`
	Type           string   `json:"type"`
	Page           string   `json:"page"`
	ViewportWidth  int      `json:"viewportWidth"`
	ViewportHeight int      `json:"viewportHeight"`
	Element        string   `json:"element"`
}

func (r *HeatmapRequest) validate() error {
	v := apierr.NewValidation()
	if r.X == nil || *r.X < 0 {
		v.Add("x", "must be a non-negative number")
	}
	if r.Y == nil || *r.Y < 0 {
		v.Add("y", "must be a non-negative number")
	}
	if r.Type != PointClick && r.Type != PointMove {
		v.Add("type", "must be click or move")
	}
	if len(r.Page) > maxPathLen {
		v.Add("page", fmt.Sprintf("exceeds maximum length of %d", maxPathLen))
	}
	return v.Err()
}

// Heatmap records one pointer interaction.
func (h *Handler) Heatmap(c echo.Context) error {
	var req HeatmapRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Respond(c, apierr.Invalid("body", "must be a JSON object"))
	}
	if req.Type == "" {
		req.Type = PointClick
	}
	if err := req.validate(); err != nil {
		return apierr.Respond(c, err)
	}
	if req.Page == "" {
		req.Page = "/"
	}

	h.heatmap.Append(HeatmapPoint{
		X:              *req.X,
		Y:              *req.Y,
		Type:           req.Type,
		Page:           req.Page,
		ViewportWidth:  req.ViewportWidth,
		ViewportHeight: req.ViewportHeight,
		Element:        req.Element,
		Timestamp:      h.clock.Now().UTC(),
	})
	h.metrics.EventIngested("heatmap_" + req.Type)

	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// HeatmapReport returns grid-aggregated clicks and movements.
func (h *Handler) HeatmapReport(c echo.Context) error {
	limit := h.heatmap.Cap()
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return apierr.Respond(c, apierr.Invalid("limit", "must be a positive integer"))
		}
		limit = min(n, limit)
	}

	var filter func(HeatmapPoint) bool
	if page := strings.TrimSpace(c.QueryParam("page")); page != "" {
		filter = func(p HeatmapPoint) bool { return p.Page == page }
	}
	points := h.heatmap.Query(filter, limit)

	return c.JSON(http.StatusOK, map[string]any{
		"clicks":    AggregateClicks(points),
		"movements": AggregateMoves(points),
		"total":     len(points),
	})
}
