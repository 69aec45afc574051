package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/reseau-solidaire/backoffice-api/internal/audit"
	"github.com/reseau-solidaire/backoffice-api/internal/metrics"
	"github.com/reseau-solidaire/backoffice-api/internal/middleware"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
	"github.com/reseau-solidaire/backoffice-api/internal/repository"
	"github.com/reseau-solidaire/backoffice-api/internal/utils"
)

// AdminHandler serves user and permission management for administrators.
type AdminHandler struct {
	Users       UserStore
	Permissions PermissionStore
	Auditor     middleware.Auditor
	BcryptCost  int
}

func NewAdminHandler(users UserStore, perms PermissionStore, auditor middleware.Auditor, bcryptCost int) *AdminHandler {
	return &AdminHandler{Users: users, Permissions: perms, Auditor: auditor, BcryptCost: bcryptCost}
}

type createUserReq struct {
	Email string `json:"email" validate:"required,email,max=255"`
	Name  string `json:"name" validate:"required,max=120"`
	Role  string `json:"role" validate:"required"`
}

type updateUserReq struct {
	Name   *string `json:"name" validate:"omitempty,max=120"`
	Role   *string `json:"role"`
	Status *string `json:"status"`
}

type setPermissionsReq struct {
	Permissions []string `json:"permissions" validate:"required,dive,required"`
}

type createUserResp struct {
	User              model.User `json:"user"`
	TemporaryPassword string     `json:"temporary_password"`
}

// ListUsers supports ?role=, ?status=, ?include_archived=true, ?limit=, ?offset=.
func (h *AdminHandler) ListUsers(c echo.Context) error {
	var f model.UserFilter
	var err error
	if v := c.QueryParam("role"); v != "" {
		if f.Role, err = model.ParseRole(v); err != nil {
			return middleware.Validation(err)
		}
	}
	if v := c.QueryParam("status"); v != "" {
		if f.Status, err = model.ParseStatus(v); err != nil {
			return middleware.Validation(err)
		}
	}
	f.IncludeArchived = c.QueryParam("include_archived") == "true"
	if f.Limit, err = queryUint(c, "limit"); err != nil {
		return err
	}
	if f.Offset, err = queryUint(c, "offset"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	users, err := h.Users.List(ctx, f)
	if err != nil {
		return middleware.Internal(err)
	}
	if users == nil {
		users = []model.User{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": users, "limit": f.Limit, "offset": f.Offset})
}

func (h *AdminHandler) GetUser(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	u, err := h.findUser(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

// CreateUser invites a user with a generated temporary password, returned
// once in the response.
func (h *AdminHandler) CreateUser(c echo.Context) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	var req createUserReq
	if err := bind(c, &req); err != nil {
		return err
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		return middleware.Validation(err)
	}
	if err := h.guardSuperAdmin(c, s, role, ""); err != nil {
		return err
	}

	tmp, err := utils.TemporaryPassword()
	if err != nil {
		return middleware.Internal(err)
	}
	hash, err := utils.HashPassword(tmp, h.BcryptCost)
	if err != nil {
		return middleware.Internal(err)
	}
	u := &model.User{Email: req.Email, Name: req.Name, PasswordHash: hash, Role: role, Status: model.StatusActive}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	if err := h.Users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return middleware.Conflict("email already registered")
		}
		return middleware.Internal(err)
	}
	u.Permissions = []model.PermissionName{}

	h.Auditor.Record(ctx, audit.FromRequest(c, s.ID, model.ActionUserCreated, "user", u.ID,
		map[string]any{"email": u.Email, "role": u.Role}))
	return c.JSON(http.StatusCreated, createUserResp{User: *u, TemporaryPassword: tmp})
}

// UpdateUser changes name, role or status. Administrators cannot change
// their own role or status. Reactivating an archived user also unarchives it.
func (h *AdminHandler) UpdateUser(c echo.Context) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	var req updateUserReq
	if err := bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")

	var upd model.UserUpdate
	changes := map[string]any{}
	if req.Name != nil {
		upd.Name = req.Name
		changes["name"] = *req.Name
	}
	if req.Role != nil {
		role, err := model.ParseRole(*req.Role)
		if err != nil {
			return middleware.Validation(err)
		}
		if err := h.guardSuperAdmin(c, s, role, id); err != nil {
			return err
		}
		upd.Role = &role
		changes["role"] = role
	}
	if req.Status != nil {
		st, err := model.ParseStatus(*req.Status)
		if err != nil {
			return middleware.Validation(err)
		}
		upd.Status = &st
		changes["status"] = st
	}
	if upd.Empty() {
		return middleware.Validation(errors.New("nothing to update"))
	}
	if id == s.ID && (upd.Role != nil || upd.Status != nil) {
		return middleware.Validation(errors.New("cannot change your own role or status"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	target, err := h.findUser(ctx, id)
	if err != nil {
		return err
	}
	if err := h.guardSuperAdmin(c, s, target.Role, id); err != nil {
		return err
	}
	if target.Archived && upd.Status != nil && *upd.Status == model.StatusActive {
		unarchived := false
		upd.Archived = &unarchived
		changes["unarchived"] = true
	}
	if err := h.Users.Update(ctx, id, upd); err != nil {
		return middleware.Internal(err)
	}
	updated, err := h.findUser(ctx, id)
	if err != nil {
		return err
	}

	changes["previous_role"] = target.Role
	changes["previous_status"] = target.Status
	h.Auditor.Record(ctx, audit.FromRequest(c, s.ID, model.ActionUserUpdated, "user", id, changes))
	return c.JSON(http.StatusOK, updated)
}

// ArchiveUser deactivates and archives a user. Rows are never deleted.
func (h *AdminHandler) ArchiveUser(c echo.Context) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if id == s.ID {
		return middleware.Validation(errors.New("cannot archive your own account"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	target, err := h.findUser(ctx, id)
	if err != nil {
		return err
	}
	if err := h.guardSuperAdmin(c, s, target.Role, id); err != nil {
		return err
	}
	if err := h.Users.Archive(ctx, id); err != nil {
		return middleware.Internal(err)
	}
	h.Auditor.Record(ctx, audit.FromRequest(c, s.ID, model.ActionUserArchived, "user", id,
		map[string]any{"email": target.Email}))
	return c.NoContent(http.StatusNoContent)
}

// SetPermissions replaces the permission set of a user. Unknown names are
// rejected; each name is upserted before linking.
func (h *AdminHandler) SetPermissions(c echo.Context) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	var req setPermissionsReq
	if err := bind(c, &req); err != nil {
		return err
	}

	seen := make(map[model.PermissionName]bool, len(req.Permissions))
	names := make([]model.PermissionName, 0, len(req.Permissions))
	for _, raw := range req.Permissions {
		p, err := model.ParsePermission(raw)
		if err != nil {
			return middleware.Validation(err)
		}
		if !seen[p] {
			seen[p] = true
			names = append(names, p)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	target, err := h.findUser(ctx, id)
	if err != nil {
		return err
	}

	perms := make([]model.Permission, 0, len(names))
	for _, n := range names {
		p, err := h.Permissions.UpsertByName(ctx, n, "")
		if err != nil {
			return middleware.Internal(fmt.Errorf("upsert %s: %w", n, err))
		}
		perms = append(perms, p)
	}
	if err := h.Users.SetPermissions(ctx, id, perms); err != nil {
		return middleware.Internal(err)
	}

	before := target.Permissions
	if before == nil {
		before = []model.PermissionName{}
	}
	h.Auditor.Record(ctx, audit.FromRequest(c, s.ID, model.ActionPermissionsUpdated, "user", id,
		map[string]any{"before": before, "after": names}))
	return c.JSON(http.StatusOK, echo.Map{"user_id": id, "permissions": names})
}

// ListPermissions returns the permission catalogue.
func (h *AdminHandler) ListPermissions(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	perms, err := h.Permissions.List(ctx)
	if err != nil {
		return middleware.Internal(err)
	}
	if perms == nil {
		perms = []model.Permission{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": perms})
}

func (h *AdminHandler) findUser(ctx context.Context, id string) (model.User, error) {
	u, err := h.Users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.User{}, middleware.NotFound("user not found")
		}
		return model.User{}, middleware.Internal(err)
	}
	return u, nil
}

// guardSuperAdmin restricts anything touching a SUPER_ADMIN to super admins.
// A refusal is audited the same way as a role gate denial.
func (h *AdminHandler) guardSuperAdmin(c echo.Context, s model.Session, role model.Role, targetID string) error {
	if role != model.RoleSuperAdmin || s.Role == model.RoleSuperAdmin {
		return nil
	}
	required := []model.Role{model.RoleSuperAdmin}
	h.Auditor.Record(c.Request().Context(), audit.FromRequest(c, s.ID,
		model.ActionUnauthorizedAccess, "user", targetID,
		map[string]any{
			"required_roles": required,
			"current_role":   s.Role,
			"target_role":    role,
			"method":         c.Request().Method,
			"path":           c.Request().URL.Path,
		}))
	metrics.AuthDenied(middleware.CodeInsufficientPermissions)
	return middleware.InsufficientPermissions(required, s.Role)
}
