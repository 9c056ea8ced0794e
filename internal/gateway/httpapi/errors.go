package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
	"github.com/jkaninda/okapi"
)

// CodeForbidden is returned when platform RBAC refuses an operation.
const CodeForbidden = "FORBIDDEN"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps a workflow error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case workflow.CodeInvalidConfig, workflow.CodeInvalidRequest, workflow.CodeUnknownAction:
		return http.StatusBadRequest
	case workflow.CodeNotFound:
		return http.StatusNotFound
	case workflow.CodeDuplicateRequest, workflow.CodeAlreadyTerminal, workflow.CodeConflict:
		return http.StatusConflict
	case workflow.CodeRoleMismatch:
		return http.StatusForbidden
	case workflow.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error","code"}. Internal errors are logged
// with the correlation ID and never echoed to the client.
func (g *Gateway) writeError(ctx context.Context, c *okapi.Context, err error) error {
	code := workflow.Code(err)
	status := statusFor(code)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		g.logger.ErrorContext(ctx, "workflow operation failed",
			slog.String("correlation_id", security.CorrelationID(ctx)),
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	case http.StatusGatewayTimeout:
		msg = "operation timed out"
	}
	return c.JSON(status, ErrorBody{Error: msg, Code: code})
}

func badRequest(c *okapi.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: msg, Code: workflow.CodeInvalidRequest})
}
