// Package validation provides request validation helpers for the escrow API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxNotesLength bounds free-text notes attached to verifications and reviews.
const MaxNotesLength = 2000

var (
	// idRegex accepts prefixed UUID-style identifiers ("tx_…", "ses_…") and bare UUIDs
	idRegex = regexp.MustCompile(`^([a-z]{2,4}_)?[a-fA-F0-9-]{8,64}$`)
	// dateRegex is YYYY-MM-DD
	dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	// timeRegex is HH:MM (24h)
	timeRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string looks like an entity identifier
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks that a non-empty field looks like an identifier
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "is not a valid identifier"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that a non-empty value is one of the allowed options
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// DecimalRange checks min <= value <= max for an optional decimal field
func DecimalRange(field string, value *decimal.Decimal, min, max decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		if value.LessThan(min) || value.GreaterThan(max) {
			return &ValidationError{Field: field, Message: "must be between " + min.String() + " and " + max.String()}
		}
		return nil
	}
}

// MaxDecimals checks that an optional decimal has at most places fractional digits
func MaxDecimals(field string, value *decimal.Decimal, places int32) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return nil
		}
		if !value.Equal(value.Round(places)) {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must have at most %d decimal places", places)}
		}
		return nil
	}
}

// ValidAmount checks that a string is a positive decimal amount with at most two decimals
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		if !d.Equal(d.Round(2)) {
			return &ValidationError{Field: field, Message: "amount must have at most two decimals"}
		}
		return nil
	}
}

// ValidDate checks YYYY-MM-DD
func ValidDate(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !dateRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be formatted YYYY-MM-DD"}
		}
		return nil
	}
}

// ValidTime checks HH:MM
func ValidTime(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !timeRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be formatted HH:MM"}
		}
		return nil
	}
}

// IDParamMiddleware validates the :id URL parameter on routes that use it.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id is not a valid identifier",
			})
			return
		}
		c.Next()
	}
}
