// Package apierr maps handler failures onto the JSON error responses served
// by the API.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrInternal is the message returned for any unexpected failure.
const ErrInternal = "Internal server error"

// ValidationError collects field-level problems with a request.
type ValidationError struct {
	Fields map[string]string
}

// NewValidation returns an empty ValidationError.
func NewValidation() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

// Add records a problem with field. The first message per field wins.
func (v *ValidationError) Add(field, msg string) {
	if _, ok := v.Fields[field]; !ok {
		v.Fields[field] = msg
	}
}

// Err returns v if any field failed, nil otherwise.
func (v *ValidationError) Err() error {
	if len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, v.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Invalid is a shorthand for a single-field ValidationError.
func Invalid(field, msg string) error {
	v := NewValidation()
	v.Add(field, msg)
	return v
}

// Respond writes the JSON response for err. Validation errors become 400
// with the field map, echo.HTTPErrors keep their code, and anything else is
// logged and hidden behind a generic 500.
func Respond(c echo.Context, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":  "Validation failed",
			"fields": verr.Fields,
		})
	}

	var herr *echo.HTTPError
	if errors.As(err, &herr) && herr.Code < http.StatusInternalServerError {
		return c.JSON(herr.Code, map[string]string{"error": fmt.Sprint(herr.Message)})
	}

	c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": ErrInternal})
}
