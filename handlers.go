package sitepulse

import (
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/eringen/sitepulse/apierr"
	"github.com/eringen/sitepulse/funnel"
	"github.com/eringen/sitepulse/ratelimit"
)

// Field limits for lead forms.
const (
	maxNameLen    = 100
	maxEmailLen   = 254
	maxMessageLen = 5000
	maxFieldLen   = 200
)

// DamageTypes lists the accepted emergency damage categories.
var DamageTypes = []string{"water", "fire", "mold", "storm", "sewage", "other"}

// Lead is one accepted contact or emergency submission.
type Lead struct {
	ID         string    `json:"id"`
	Form       string    `json:"form"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Service    string    `json:"service,omitempty"`
	DamageType string    `json:"damageType,omitempty"`
	Address    string    `json:"address,omitempty"`
	Message    string    `json:"message,omitempty"`
	IP         string    `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Service string `json:"service"`
	Message string `json:"message"`
}

type emergencyRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Address    string `json:"address"`
	DamageType string `json:"damageType"`
	Message    string `json:"message"`
}

func (r *contactRequest) trim() {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.TrimSpace(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Service = strings.TrimSpace(r.Service)
	r.Message = strings.TrimSpace(r.Message)
}

func (r *contactRequest) validate() error {
	v := apierr.NewValidation()
	checkName(v, r.Name)
	if r.Email == "" && r.Phone == "" {
		v.Add("email", "email or phone is required")
		v.Add("phone", "email or phone is required")
	}
	checkEmail(v, r.Email)
	checkPhone(v, r.Phone)
	switch {
	case r.Message == "":
		v.Add("message", "is required")
	case len(r.Message) > maxMessageLen:
		v.Add("message", fmt.Sprintf("exceeds maximum length of %d", maxMessageLen))
	}
	if len(r.Service) > maxFieldLen {
		v.Add("service", fmt.Sprintf("exceeds maximum length of %d", maxFieldLen))
	}
	return v.Err()
}

func (r *emergencyRequest) trim() {
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Email = strings.TrimSpace(r.Email)
	r.Address = strings.TrimSpace(r.Address)
	r.DamageType = strings.ToLower(strings.TrimSpace(r.DamageType))
	r.Message = strings.TrimSpace(r.Message)
}

func (r *emergencyRequest) validate() error {
	v := apierr.NewValidation()
	checkName(v, r.Name)
	if r.Phone == "" {
		v.Add("phone", "is required")
	}
	checkPhone(v, r.Phone)
	checkEmail(v, r.Email)
	if r.DamageType != "" && !validDamageType(r.DamageType) {
		v.Add("damageType", "must be one of "+strings.Join(DamageTypes, ", "))
	}
	if len(r.Address) > maxFieldLen {
		v.Add("address", fmt.Sprintf("exceeds maximum length of %d", maxFieldLen))
	}
	if len(r.Message) > maxMessageLen {
		v.Add("message", fmt.Sprintf("exceeds maximum length of %d", maxMessageLen))
	}
	return v.Err()
}

func checkName(v *apierr.ValidationError, name string) {
	switch {
	case name == "":
		v.Add("name", "is required")
	case len(name) > maxNameLen:
		v.Add("name", fmt.Sprintf("exceeds maximum length of %d", maxNameLen))
	}
}

func checkEmail(v *apierr.ValidationError, email string) {
	if email == "" {
		return
	}
	if len(email) > maxEmailLen {
		v.Add("email", fmt.Sprintf("exceeds maximum length of %d", maxEmailLen))
		return
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		v.Add("email", "is not a valid address")
	}
}

// checkPhone accepts 10 to 15 digits with the usual separators.
func checkPhone(v *apierr.ValidationError, phone string) {
	if phone == "" {
		return
	}
	digits := 0
	for _, r := range phone {
		switch {
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune(" +-().", r):
		default:
			v.Add("phone", "contains invalid characters")
			return
		}
	}
	if digits < 10 || digits > 15 {
		v.Add("phone", "must contain 10 to 15 digits")
	}
}

func validDamageType(t string) bool {
	for _, d := range DamageTypes {
		if d == t {
			return true
		}
	}
	return false
}

// leadFailed hides err behind a 500 that still gives the caller a way to
// reach the office.
func (a *App) leadFailed(c echo.Context, form string, err error) error {
	c.Logger().Errorf("%s submission: %v", form, err)
	body := map[string]string{"error": apierr.ErrInternal}
	if a.Config.Phone != "" {
		body["fallback"] = "Please call us directly at " + a.Config.Phone
	}
	return c.JSON(http.StatusInternalServerError, body)
}

// conversionEvent records a submitted lead as a conversion of the
// visitor's session.
func conversionEvent(lead Lead) funnel.Event {
	return funnel.Event{
		Type:      funnel.TypeConversion,
		Name:      lead.Form + "_form",
		Timestamp: lead.Timestamp,
	}
}

func (a *App) acceptLead(c echo.Context, lead Lead) error {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generate lead id: %w", err)
	}
	lead.ID = id.String()
	lead.IP = ratelimit.ClientIP(c)
	lead.Timestamp = a.clock.Now().UTC()

	a.Leads.Append(lead)
	a.Metrics.LeadAccepted(lead.Form)
	if sid := visitorSessionID(c); sid != "" {
		a.Tracker.RecordEvent(sid, conversionEvent(lead))
		a.Metrics.SetActiveSessions(a.Tracker.Len())
	}

	a.Log.WithFields(logrus.Fields{
		"form":        lead.Form,
		"lead_id":     lead.ID,
		"service":     lead.Service,
		"damage_type": lead.DamageType,
	}).Info("lead received")
	return nil
}

func (a *App) handleContact(c echo.Context) error {
	var req contactRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Respond(c, apierr.Invalid("body", "must be a JSON object"))
	}
	req.trim()
	if err := req.validate(); err != nil {
		return apierr.Respond(c, err)
	}

	err := a.acceptLead(c, Lead{
		Form:    "contact",
		Name:    req.Name,
		Email:   req.Email,
		Phone:   req.Phone,
		Service: req.Service,
		Message: req.Message,
	})
	if err != nil {
		return a.leadFailed(c, "contact", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Thank you! We will get back to you shortly.",
	})
}

func (a *App) handleEmergency(c echo.Context) error {
	var req emergencyRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Respond(c, apierr.Invalid("body", "must be a JSON object"))
	}
	req.trim()
	if err := req.validate(); err != nil {
		return apierr.Respond(c, err)
	}

	err := a.acceptLead(c, Lead{
		Form:       "emergency",
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		DamageType: req.DamageType,
		Address:    req.Address,
		Message:    req.Message,
	})
	if err != nil {
		return a.leadFailed(c, "emergency", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Emergency request received. A technician will call you within minutes.",
	})
}

func (a *App) handleCSRFToken(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"token": CsrfToken(c)})
}

func (a *App) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  a.Tracker.Len(),
		"leads":     a.Leads.Len(),
		"rateLimit": map[string]any{
			"total":    a.RateStats.Total(),
			"policies": a.RateStats.ByPolicy(),
			"routes":   a.RateStats.ByRoute(),
		},
	})
}

func (a *App) handleBeacon(c echo.Context) error {
	js, err := EmbeddedAssets.ReadFile("embedded/sitepulse.js")
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "public, max-age=3600")
	return c.Blob(http.StatusOK, "application/javascript; charset=utf-8", js)
}
