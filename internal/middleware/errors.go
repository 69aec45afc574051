package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// Error codes rendered in the `code` field of every error body.
const (
	CodeNoToken                 = "NO_TOKEN"
	CodeInvalidToken            = "INVALID_TOKEN"
	CodeUserNotFound            = "USER_NOT_FOUND"
	CodeAccountInactive         = "ACCOUNT_INACTIVE"
	CodeAuthRequired            = "AUTH_REQUIRED"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodePermissionDenied        = "PERMISSION_DENIED"
	CodeInvalidCredentials      = "INVALID_CREDENTIALS"
	CodeValidation              = "VALIDATION_ERROR"
	CodeNotFound                = "NOT_FOUND"
	CodeConflict                = "CONFLICT"
	CodeTooManyRequests         = "TOO_MANY_REQUESTS"
	CodeInternal                = "INTERNAL_ERROR"
)

// APIError is an error that knows how it is rendered to clients.
// Err is the internal cause; it is only exposed in development mode.
type APIError struct {
	Status  int
	Code    string
	Message string
	Extra   map[string]any
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// HTTPStatus lets the metrics middleware label the response before the
// error handler has written it.
func (e *APIError) HTTPStatus() int { return e.Status }

func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

func NoToken() *APIError {
	return NewAPIError(http.StatusUnauthorized, CodeNoToken, "authentication token missing")
}

func InvalidToken() *APIError {
	return NewAPIError(http.StatusUnauthorized, CodeInvalidToken, "invalid or expired token")
}

func UserNotFound() *APIError {
	return NewAPIError(http.StatusUnauthorized, CodeUserNotFound, "user not found")
}

func AccountInactive() *APIError {
	return NewAPIError(http.StatusForbidden, CodeAccountInactive, "account is inactive")
}

func AuthRequired() *APIError {
	return NewAPIError(http.StatusUnauthorized, CodeAuthRequired, "authentication required")
}

func InsufficientPermissions(required []model.Role, current model.Role) *APIError {
	e := NewAPIError(http.StatusForbidden, CodeInsufficientPermissions, "insufficient permissions")
	e.Extra = map[string]any{"required": required, "current": current}
	return e
}

func PermissionDenied(required model.PermissionName, current []model.PermissionName) *APIError {
	if current == nil {
		current = []model.PermissionName{}
	}
	e := NewAPIError(http.StatusForbidden, CodePermissionDenied, "permission denied")
	e.Extra = map[string]any{"required": required, "current": current}
	return e
}

func InvalidCredentials() *APIError {
	return NewAPIError(http.StatusUnauthorized, CodeInvalidCredentials, "invalid email or password")
}

func Validation(err error) *APIError {
	e := NewAPIError(http.StatusBadRequest, CodeValidation, "invalid request")
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func NotFound(message string) *APIError {
	return NewAPIError(http.StatusNotFound, CodeNotFound, message)
}

func Conflict(message string) *APIError {
	return NewAPIError(http.StatusConflict, CodeConflict, message)
}

func Internal(err error) *APIError {
	e := NewAPIError(http.StatusInternalServerError, CodeInternal, "internal server error")
	e.Err = err
	return e
}

// Body renders e as the JSON error envelope.
func (e *APIError) Body(dev bool) map[string]any {
	body := make(map[string]any, len(e.Extra)+3)
	for k, v := range e.Extra {
		body[k] = v
	}
	body["message"] = e.Message
	body["code"] = e.Code
	if dev && e.Err != nil {
		body["error"] = e.Err.Error()
	}
	return body
}

// ErrorHandler replaces echo's default handler so that every failure,
// including routing and binding errors, uses the {message, code} envelope.
func ErrorHandler(log *zap.Logger, dev bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		apiErr := toAPIError(err)
		if apiErr.Status >= http.StatusInternalServerError {
			log.Error("request error",
				zap.Error(err),
				zap.Int("status", apiErr.Status),
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.String("ip", c.RealIP()),
			)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(apiErr.Status)
		} else {
			werr = c.JSON(apiErr.Status, apiErr.Body(dev))
		}
		if werr != nil {
			log.Error("failed to send error response", zap.Error(werr))
		}
	}
}

func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok || msg == "" {
			msg = strings.ToLower(http.StatusText(he.Code))
		}
		out := NewAPIError(he.Code, httpCode(he.Code), msg)
		out.Err = he.Internal
		return out
	}
	return Internal(err)
}

func httpCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeTooManyRequests
	case http.StatusUnauthorized:
		return CodeAuthRequired
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusConflict:
		return CodeConflict
	}
	if status >= http.StatusInternalServerError {
		return CodeInternal
	}
	return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}
