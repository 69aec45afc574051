package middleware

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/reseau-solidaire/backoffice-api/internal/audit"
	"github.com/reseau-solidaire/backoffice-api/internal/metrics"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// Auditor receives denial events. *audit.Recorder implements it.
type Auditor interface {
	Record(ctx context.Context, e model.AuditEntry)
}

// RequireRole lets the request through only when the session role is one of
// roles. There is no hierarchy: each route lists every role it accepts.
// Denials are audited before the 403 is returned.
func RequireRole(auditor Auditor, roles ...model.Role) echo.MiddlewareFunc {
	required := append([]model.Role(nil), roles...)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, ok := CurrentSession(c)
			if !ok {
				metrics.AuthDenied(CodeAuthRequired)
				return AuthRequired()
			}
			if s.HasRole(required...) {
				return next(c)
			}

			auditor.Record(c.Request().Context(), audit.FromRequest(c, s.ID,
				model.ActionUnauthorizedAccess, "route", c.Path(),
				map[string]any{
					"required_roles": required,
					"current_role":   s.Role,
					"method":         c.Request().Method,
					"path":           c.Request().URL.Path,
				}))
			metrics.AuthDenied(CodeInsufficientPermissions)
			return InsufficientPermissions(required, s.Role)
		}
	}
}
