// Package validation provides request guards and field validators shared
// by the HTTP handlers.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxTextLength bounds free-text fields such as dispute reasons and notes.
const MaxTextLength = 2000

// idRegex matches the identifiers the API issues (ord_0001, esc_0002, usr_x).
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s has the shape of an API identifier.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// IDParamMiddleware rejects malformed :id path parameters before they reach
// a store. Routes without :id pass through.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-64 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}

// SanitizeString trims whitespace, drops NUL bytes and invalid UTF-8, and
// truncates to maxLen runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}

// FieldError is one failed field check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err returns nil when there are no errors, else a validation apperr.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return apperr.Validationf("%s", e.Error())
}

// Validate runs the validators and collects their failures.
func Validate(validators ...func() *FieldError) Errors {
	var errs Errors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max runes
func MaxLength(field, value string, max int) func() *FieldError {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidID checks that a non-empty field looks like an API identifier.
func ValidID(field, value string) func() *FieldError {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return &FieldError{Field: field, Message: "is not a valid id"}
		}
		return nil
	}
}

// PositiveAmount checks that a field is a positive decimal with at most two
// fractional digits.
func PositiveAmount(field string, value money.Amount) func() *FieldError {
	return func() *FieldError {
		if !value.IsPositive() {
			return &FieldError{Field: field, Message: "must be greater than zero"}
		}
		if !money.Equal(value, money.Round(value)) {
			return &FieldError{Field: field, Message: "must have at most two decimal places"}
		}
		return nil
	}
}

// ValidAmount checks that a string field parses as a positive amount.
func ValidAmount(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		a, err := money.Parse(value)
		if err != nil {
			return &FieldError{Field: field, Message: "invalid amount format"}
		}
		return PositiveAmount(field, a)()
	}
}
