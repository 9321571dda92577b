package handler

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/jdziat/sniper/pkg/core"
	"github.com/jdziat/sniper/pkg/security"
)

// APIKeyHeader carries the shared secret of machine callers.
const APIKeyHeader = "X-Api-Key"

// APIError is the body of an error response.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps an APIError.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError writes an error envelope with status.
func RespondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, envelope(code, err))
}

// AbortError writes an error envelope and stops the handler chain.
func AbortError(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, envelope(code, err))
}

func envelope(code string, err error) ErrorEnvelope {
	msg := "unknown error"
	if err != nil {
		msg = security.SanitizeErrorMessage(err.Error())
	}
	return ErrorEnvelope{Error: APIError{Message: msg, Code: code}}
}

// RespondOK writes payload with 200.
func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// StatusFor maps an error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrUnknownProvider):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrAuthRequired):
		return http.StatusConflict, "auth_required"
	}
	return http.StatusInternalServerError, "internal"
}

// Fail writes err with the status StatusFor picks. Unclassified errors are
// reported without their message.
func Fail(c *gin.Context, err error) {
	status, code := StatusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		RespondError(c, status, code, errors.New("internal error"))
		return
	}
	RespondError(c, status, code, err)
}

// RequireAPIKey rejects requests whose X-Api-Key does not match expected.
// With no key configured every request is refused with 503, so an
// unconfigured deployment never runs open.
func RequireAPIKey(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			AbortError(c, http.StatusServiceUnavailable, "not_configured", errors.New("api key is not configured"))
			return
		}
		if !security.SecretEqual(c.GetHeader(APIKeyHeader), expected) {
			AbortError(c, http.StatusUnauthorized, "invalid_api_key", errors.New("invalid api key"))
			return
		}
		c.Next()
	}
}
