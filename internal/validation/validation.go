// Package validation provides input validation helpers for the public API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB. Gateway callbacks are tiny;
// anything larger is garbage or abuse.
const MaxRequestSize = 1 << 20

// Order IDs are decimal digits only so they survive both gateways'
// account fields intact.
var orderIDRegex = regexp.MustCompile(`^[0-9]{1,32}$`)

// IsValidOrderID reports whether id is a well-formed order identifier.
func IsValidOrderID(id string) bool {
	return orderIDRegex.MatchString(id)
}

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects per-field failures from a Validate pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Field + ": " + ve.Message
	}
	return strings.Join(parts, "; ")
}

// Validate runs each check in order and collects every failure.
func Validate(checks ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when value is empty or whitespace.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidOrderID fails when a non-empty value is not a numeric order id.
// Pair with Required when the field must also be present.
func ValidOrderID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidOrderID(value) {
			return &ValidationError{Field: field, Message: "must be a numeric order id"}
		}
		return nil
	}
}
