package audit

import (
	"github.com/labstack/echo/v4"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// FromRequest builds an entry carrying the client IP and user agent of c.
// actor and resourceID may be empty. Fields are cut to their column widths.
func FromRequest(c echo.Context, actor, action, resourceType, resourceID string, detail map[string]any) model.AuditEntry {
	return model.AuditEntry{
		ActorID:      model.StringPtr(actor),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   model.StringPtr(resourceID),
		Detail:       detail,
		IP:           c.RealIP(),
		UserAgent:    c.Request().UserAgent(),
	}.Clamped()
}
