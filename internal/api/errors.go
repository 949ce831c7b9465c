package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvgen/internal/inference"
)

var errBadBody = errors.New("invalid request body")

func badBody(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadBody, fmt.Sprintf(format, args...))
}

// statusFor maps engine errors onto HTTP statuses and error types.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadBody), errors.Is(err, inference.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, inference.ErrInfeasible):
		return http.StatusUnprocessableEntity, "infeasible_request_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func errorBody(err error) *ErrorBody {
	_, typ := statusFor(err)
	return &ErrorBody{Message: err.Error(), Type: typ}
}

func writeError(c *echo.Context, err error) error {
	status, _ := statusFor(err)
	return c.JSON(status, map[string]any{"error": errorBody(err)})
}
