// Package apperr classifies domain errors and renders them as HTTP responses.
//
// Domain packages declare sentinel errors with New; callers compare them with
// errors.Is and the HTTP layer maps them through Respond.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/cardescrow/internal/logging"
	"github.com/mbd888/cardescrow/internal/validation"
)

// Kind is the category of a failure.
type Kind int

const (
	Internal Kind = iota
	Validation
	Unauthorized
	Forbidden
	NotFound
	Conflict
	RateLimited
	InvalidTransition
	PresenceNotConfirmed
	SessionExpired
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case InvalidTransition:
		return "invalid_transition"
	case PresenceNotConfirmed:
		return "presence_not_confirmed"
	case SessionExpired:
		return "session_expired"
	default:
		return "internal"
	}
}

// Status returns the HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case Validation, InvalidTransition, PresenceNotConfirmed, SessionExpired:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New declares a classified error. Use it for package-level sentinels.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies err under kind. The sentinel chain of err is preserved.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

// Internalf builds an Internal error carrying detail that is logged but
// never sent to clients.
func Internalf(format string, args ...any) *Error {
	return &Error{Kind: Internal, Code: "internal_error", Message: "internal error", Err: fmt.Errorf(format, args...)}
}

// Limited builds a RateLimited error with a retry hint.
func Limited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       RateLimited,
		Code:       "rate_limit_exceeded",
		Message:    "Too many requests. Please slow down.",
		RetryAfter: retryAfter,
	}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		return Validation
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Respond writes err as a JSON error response. Internal errors are logged
// with full detail and reported to the client with a generic message.
func Respond(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	var e *Error
	if !errors.As(err, &e) || e.Kind == Internal {
		logging.L(c.Request.Context()).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An internal error occurred",
		})
		return
	}

	body := gin.H{"error": e.Code, "message": e.Message}
	if e.Kind == RateLimited {
		secs := int(e.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		body["retryAfter"] = secs
	}
	c.JSON(e.Kind.Status(), body)
}

// Abort is Respond followed by c.Abort, for middleware.
func Abort(c *gin.Context, err error) {
	Respond(c, err)
	c.Abort()
}
