package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/reseau-solidaire/backoffice-api/internal/middleware"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// AuditLister is implemented by *repository.AuditRepo.
type AuditLister interface {
	List(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error)
}

type AuditHandler struct {
	Logs AuditLister
}

func NewAuditHandler(logs AuditLister) *AuditHandler { return &AuditHandler{Logs: logs} }

// List supports ?actor_id=, ?action=, ?resource_type=, ?limit=, ?offset=.
func (h *AuditHandler) List(c echo.Context) error {
	f := model.AuditFilter{
		ActorID:      c.QueryParam("actor_id"),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
	}
	var err error
	if f.Limit, err = queryUint(c, "limit"); err != nil {
		return err
	}
	if f.Offset, err = queryUint(c, "offset"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	entries, err := h.Logs.List(ctx, f)
	if err != nil {
		return middleware.Internal(err)
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": entries, "limit": f.Limit, "offset": f.Offset})
}
