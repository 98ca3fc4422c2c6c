package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chalklabs/chalk/pkg/services"
)

// ErrorResponse is the envelope carried by every non-2xx JSON response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// GeneratingResponse tells a polling client the artifact it asked for is
// still being produced and when to ask again.
type GeneratingResponse struct {
	Status     string `json:"status"`
	RetryAfter int    `json:"retry_after"`
}

// generatingRetryAfter is the suggested poll interval, in seconds, while
// an artifact is still generating.
const generatingRetryAfter = 2

// backpressureRetryAfter is the suggested delay, in seconds, after the
// service sheds an upload for being at capacity.
const backpressureRetryAfter = 5

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message})
}

// classifyServiceError maps a service error onto an HTTP status, a stable
// error code and a client-safe message. It reports false for errors
// outside the known taxonomy.
func classifyServiceError(err error) (int, string, string, bool) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		code := "validation"
		// Password rules get their own code so clients can surface
		// the strength checklist instead of a generic field error.
		if verr.Field == "password" {
			code = "weak_password"
		}
		return http.StatusBadRequest, code, verr.Message, true
	}

	switch {
	case errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "invalid email or password", true
	case errors.Is(err, services.ErrExpiredToken):
		return http.StatusUnauthorized, "expired_token", "token has expired", true
	case errors.Is(err, services.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token", "token is invalid", true
	case errors.Is(err, services.ErrInvalidOTP):
		return http.StatusBadRequest, "invalid_otp", "code is not valid for this email", true
	case errors.Is(err, services.ErrExpiredOTP):
		return http.StatusBadRequest, "expired_otp", "code has expired, request a new one", true
	case errors.Is(err, services.ErrPermissionDenied):
		return http.StatusForbidden, "permission", "you do not have access to this resource", true
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, "not_found", "resource not found", true
	case errors.Is(err, services.ErrNotCancellable):
		return http.StatusConflict, "conflict", "processing already finished and can no longer be stopped", true
	case errors.Is(err, services.ErrAlreadyExists):
		return http.StatusConflict, "conflict", "resource already exists", true
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "too many requests, slow down", true
	}
	return 0, "", "", false
}

// writeServiceError translates a service-layer error into the error
// envelope. Unknown errors are logged with the route and returned as an
// opaque 500 so internals never leak to clients.
func writeServiceError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrGenerating) {
		c.Header("Retry-After", strconv.Itoa(generatingRetryAfter))
		c.JSON(http.StatusAccepted, GeneratingResponse{
			Status:     "generating",
			RetryAfter: generatingRetryAfter,
		})
		return
	}
	if errors.Is(err, services.ErrBackpressure) {
		c.Header("Retry-After", strconv.Itoa(backpressureRetryAfter))
		writeError(c, http.StatusServiceUnavailable, "backpressure", "service is at capacity, retry shortly")
		return
	}
	if status, code, message, ok := classifyServiceError(err); ok {
		writeError(c, status, code, message)
		return
	}
	slog.Error("unhandled service error", "path", c.FullPath(), "error", err)
	writeError(c, http.StatusInternalServerError, "internal", "internal server error")
}
