package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/reseau-solidaire/backoffice-api/internal/audit"
	"github.com/reseau-solidaire/backoffice-api/internal/metrics"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// RequirePermission checks exact membership of perm in the session's
// permission set. A denial is audited with the full held set.
func RequirePermission(auditor Auditor, perm model.PermissionName) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, ok := CurrentSession(c)
			if !ok {
				metrics.AuthDenied(CodeAuthRequired)
				return AuthRequired()
			}
			if s.HasPermission(perm) {
				return next(c)
			}

			held := append([]model.PermissionName{}, s.Permissions...)
			auditor.Record(c.Request().Context(), audit.FromRequest(c, s.ID,
				model.ActionPermissionDenied, "route", c.Path(),
				map[string]any{
					"required_permission": perm,
					"held_permissions":    held,
					"method":              c.Request().Method,
					"path":                c.Request().URL.Path,
				}))
			metrics.AuthDenied(CodePermissionDenied)
			return PermissionDenied(perm, held)
		}
	}
}
