// Package router wires middleware and handlers onto the echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/handler"
	"github.com/reseau-solidaire/backoffice-api/internal/logger"
	"github.com/reseau-solidaire/backoffice-api/internal/metrics"
	"github.com/reseau-solidaire/backoffice-api/internal/middleware"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// Setup installs the error handler, validator and the global middleware in
// order: recover, request id, request logger, metrics, optional session.
func Setup(e *echo.Echo, log *zap.Logger, dev bool, sessions *middleware.SessionResolver) {
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.ErrorHandler(log, dev)
	e.Validator = handler.NewValidator()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(logger.NewEchoRequestLogger(log))
	e.Use(metrics.Instrument())
	e.Use(sessions.AttachSessionIfPresent())
}

// RegisterRoutes registers the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Health)
	e.GET("/readyz", h.Ready)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// RegisterAuth registers the public auth routes under /v1/auth and the
// self-service routes under /v1/me. limiter guards register and login.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, sessions *middleware.SessionResolver, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register, limiter)
	g.POST("/login", a.Login, limiter)
	g.POST("/logout", a.Logout)

	me := e.Group("/v1/me", sessions.RequireSession())
	me.GET("", a.Me)
	me.PATCH("", a.UpdateProfile)
	me.PUT("/password", a.ChangePassword)
}

// RegisterAdmin registers user management for SUPER_ADMIN and ADMIN and the
// audit report, which requires CONSULTER_AUDIT whatever the role.
func RegisterAdmin(e *echo.Echo, adm *handler.AdminHandler, logs *handler.AuditHandler,
	sessions *middleware.SessionResolver, auditor middleware.Auditor) {
	admins := e.Group("/v1/admin", sessions.RequireSession())

	adminOnly := middleware.RequireRole(auditor, model.RoleSuperAdmin, model.RoleAdmin)
	admins.GET("/users", adm.ListUsers, adminOnly)
	admins.POST("/users", adm.CreateUser, adminOnly)
	admins.GET("/users/:id", adm.GetUser, adminOnly)
	admins.PATCH("/users/:id", adm.UpdateUser, adminOnly)
	admins.DELETE("/users/:id", adm.ArchiveUser, adminOnly)
	admins.PUT("/users/:id/permissions", adm.SetPermissions, adminOnly,
		middleware.RequirePermission(auditor, model.PermManageUsers))
	admins.GET("/permissions", adm.ListPermissions, adminOnly)

	admins.GET("/audit-logs", logs.List, middleware.RequirePermission(auditor, model.PermViewAudit))
}
