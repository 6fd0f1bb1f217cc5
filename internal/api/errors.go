package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/routecodex/internal/codec"
	"github.com/router-for-me/routecodex/internal/pipeline"
	"github.com/router-for-me/routecodex/internal/sse"
	"github.com/router-for-me/routecodex/internal/transport"
)

// errorBody is the client-facing error envelope, shared by JSON responses
// and in-band SSE error frames.
type errorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// mapError translates an internal failure into an HTTP status and error
// envelope.
func mapError(err error) (int, errorBody) {
	var convErr *codec.ErrConversion
	if errors.As(err, &convErr) {
		return http.StatusBadRequest, errorBody{
			Message: convErr.Error(),
			Type:    "invalid_request_error",
			Code:    "conversion_failed",
		}
	}

	var perr *transport.ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.StatusCode == 429:
			return http.StatusTooManyRequests, errorBody{Message: perr.Message, Type: "rate_limit_error", Code: "rate_limited"}
		case perr.StatusCode == 401 || perr.StatusCode == 403:
			return perr.StatusCode, errorBody{Message: perr.Message, Type: "authentication_error", Code: "upstream_auth"}
		case perr.StatusCode == 404:
			return http.StatusNotFound, errorBody{Message: perr.Message, Type: "invalid_request_error", Code: "not_found"}
		case perr.StatusCode >= 400 && perr.StatusCode < 500:
			return http.StatusBadRequest, errorBody{Message: perr.Message, Type: "invalid_request_error", Code: "upstream_rejected"}
		case perr.StatusCode >= 500:
			return http.StatusBadGateway, errorBody{Message: perr.Message, Type: "server_error", Code: "upstream_error"}
		case perr.Type == transport.ErrorTypeNetwork:
			return http.StatusGatewayTimeout, errorBody{Message: perr.Message, Type: "server_error", Code: "upstream_unreachable"}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, errorBody{Message: "request deadline exceeded", Type: "server_error", Code: "timeout"}
	}

	message := err.Error()
	switch {
	case strings.Contains(message, "exhausted") || strings.Contains(message, "attempt cap"):
		return http.StatusTooManyRequests, errorBody{Message: message, Type: "rate_limit_error", Code: "pool_exhausted"}
	case strings.Contains(message, "no available target"):
		return http.StatusServiceUnavailable, errorBody{Message: message, Type: "server_error", Code: "no_target"}
	case strings.Contains(message, "oauth"):
		return http.StatusForbidden, errorBody{Message: message, Type: "authentication_error", Code: "credential_failure"}
	}
	return http.StatusInternalServerError, errorBody{Message: message, Type: "server_error", Code: "internal_error"}
}

// writeError sends the JSON error envelope. Safe when d is nil (body read
// failure before the DTO existed).
func writeError(c *gin.Context, d *pipeline.DTO, err error) {
	status, body := mapError(err)
	if d != nil {
		body.RequestID = d.Route.RequestID
	}
	c.JSON(status, gin.H{"error": body})
}

func writeValidationError(c *gin.Context, d *pipeline.DTO, message string) {
	body := errorBody{Message: message, Type: "invalid_request_error", Code: "invalid_json"}
	if d != nil {
		body.RequestID = d.Route.RequestID
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": body})
}

// writeStreamError converts a mid-stream failure into one in-band error
// frame plus the terminator. Never a second HTTP status.
func writeStreamError(w *sse.Writer, d *pipeline.DTO, err error) {
	_, body := mapError(err)
	body.RequestID = d.Route.RequestID

	frame := `{"error":{}}`
	frame, _ = sjson.Set(frame, "error.message", body.Message)
	frame, _ = sjson.Set(frame, "error.type", body.Type)
	frame, _ = sjson.Set(frame, "error.code", body.Code)
	frame, _ = sjson.Set(frame, "error.requestId", body.RequestID)
	w.WriteData(frame)
	w.WriteDone()
}
