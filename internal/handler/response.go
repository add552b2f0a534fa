package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/testgen/internal/domain"
)

// Envelope is the standard API response wrapper.
type Envelope struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError represents a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// JSON writes a successful JSON response with the standard envelope.
func JSON(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// HTTPErrorHandler is the global error handler for echo.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, env := mapError(err)
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, env)
	}
	if err != nil {
		slog.Error("failed to send error response", "error", err)
	}
}

func mapError(err error) (int, Envelope) {
	// Handle echo's own HTTP errors (404, 405, bind failures, rate limits)
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, Envelope{Error: msg, Code: codeForStatus(echoErr.Code)}
	}

	var upstreamErr *domain.UpstreamError
	if errors.As(err, &upstreamErr) {
		status := http.StatusInternalServerError
		code := "upstream_error"
		switch upstreamErr.Kind {
		case domain.UpstreamUnauthorized:
			status, code = http.StatusUnauthorized, "upstream_unauthorized"
		case domain.UpstreamMissing:
			status, code = http.StatusNotFound, "upstream_not_found"
		}
		slog.Warn("upstream failure", "kind", upstreamErr.Kind, "error", err)
		return status, Envelope{Error: upstreamErr.Message, Code: code}
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, Envelope{
			Error: "Validation failed",
			Code:  "validation_error",
			Details: []FieldError{
				{Field: validationErr.Field, Message: validationErr.Message},
			},
		}
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, Envelope{
			Error: "The requested resource was not found",
			Code:  "not_found",
		}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, Envelope{
			Error: "Authentication is required",
			Code:  "unauthorized",
		}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, Envelope{
			Error: "You do not have permission to perform this action",
			Code:  "forbidden",
		}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, Envelope{
			Error: "The request is invalid",
			Code:  "invalid_input",
		}
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusBadRequest, Envelope{
			Error: "The operation is not allowed in the current state",
			Code:  "invalid_state",
		}
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, Envelope{
			Error: "The resource already exists",
			Code:  "conflict",
		}
	default:
		slog.Error("unhandled error", "error", err)
		return http.StatusInternalServerError, Envelope{
			Error: "An unexpected error occurred",
			Code:  "internal_error",
		}
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "http_error"
	}
}
