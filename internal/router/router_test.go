package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/audit"
	"github.com/reseau-solidaire/backoffice-api/internal/handler"
	"github.com/reseau-solidaire/backoffice-api/internal/middleware"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
	"github.com/reseau-solidaire/backoffice-api/internal/repository"
	"github.com/reseau-solidaire/backoffice-api/internal/utils"
)

type store struct {
	mu    sync.Mutex
	users map[string]model.User
}

func (s *store) Create(context.Context, *model.User) error { return errors.New("not used") }

func (s *store) FindByID(_ context.Context, id string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (s *store) FindByEmail(context.Context, string) (model.User, error) {
	return model.User{}, repository.ErrNotFound
}

func (s *store) Update(context.Context, string, model.UserUpdate) error { return nil }

func (s *store) List(context.Context, model.UserFilter) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *store) Archive(context.Context, string) error { return nil }

func (s *store) SetPermissions(context.Context, string, []model.Permission) error { return nil }

func (s *store) UpsertByName(_ context.Context, n model.PermissionName, _ string) (model.Permission, error) {
	return model.Permission{ID: string(n), Name: n}, nil
}

type permissions struct{ *store }

func (permissions) List(context.Context) ([]model.Permission, error) { return nil, nil }

type auditLog struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (a *auditLog) Write(_ context.Context, e model.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditLog) List(context.Context, model.AuditFilter) ([]model.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.AuditEntry(nil), a.entries...), nil
}

func (a *auditLog) snapshot() []model.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.AuditEntry(nil), a.entries...)
}

type pinger struct{}

func (pinger) PingContext(context.Context) error { return nil }

type pipeline struct {
	e     *echo.Echo
	codec *utils.TokenCodec
	log   *auditLog
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	codec, err := utils.NewTokenCodec("pipeline-secret", time.Hour)
	require.NoError(t, err)

	users := &store{users: map[string]model.User{
		"m1": {ID: "m1", Email: "m1@example.org", Role: model.RoleMember, Status: model.StatusActive},
		"a1": {ID: "a1", Email: "a1@example.org", Role: model.RoleAdmin, Status: model.StatusActive},
		"a2": {ID: "a2", Email: "a2@example.org", Role: model.RoleAdmin, Status: model.StatusActive,
			Permissions: []model.PermissionName{model.PermManageUsers}},
		"mod": {ID: "mod", Email: "mod@example.org", Role: model.RoleModerator, Status: model.StatusActive,
			Permissions: []model.PermissionName{model.PermViewAudit}},
	}}
	logs := &auditLog{}
	recorder := audit.NewRecorder(logs, zap.NewNop(), audit.Options{})

	log := zap.NewNop()
	sessions := middleware.NewSessionResolver(codec, users, log, "")
	e := echo.New()
	Setup(e, log, false, sessions)
	RegisterRoutes(e, handler.NewHealthHandler(pinger{}, nil))
	RegisterAdmin(e,
		handler.NewAdminHandler(users, permissions{users}, recorder, 4),
		handler.NewAuditHandler(logs),
		sessions, recorder,
	)
	return &pipeline{e: e, codec: codec, log: logs}
}

func (p *pipeline) call(t *testing.T, method, path, as, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if as != "" {
		tok, err := p.codec.Mint(as)
		require.NoError(t, err)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
	}
	rec := httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestAdminRoutesRequireToken(t *testing.T) {
	p := newPipeline(t)

	rec, body := p.call(t, http.MethodGet, "/v1/admin/users", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, middleware.CodeNoToken, body["code"])
	assert.Empty(t, p.log.snapshot())
}

func TestMemberDeniedAdminRouteIsAudited(t *testing.T) {
	p := newPipeline(t)

	rec, body := p.call(t, http.MethodGet, "/v1/admin/users", "m1", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, middleware.CodeInsufficientPermissions, body["code"])
	assert.ElementsMatch(t, []any{"SUPER_ADMIN", "ADMIN"}, body["required"])
	assert.Equal(t, "MEMBER", body["current"])
	assert.NotContains(t, body, "error")

	entries := p.log.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionUnauthorizedAccess, entries[0].Action)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, "m1", *entries[0].ActorID)
	assert.Equal(t, "/v1/admin/users", *entries[0].ResourceID)
}

func TestPermissionRouteNeedsRoleAndPermission(t *testing.T) {
	p := newPipeline(t)
	body := `{"permissions":["GERER_ACTIVITES"]}`

	rec, out := p.call(t, http.MethodPut, "/v1/admin/users/m1/permissions", "a1", body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, middleware.CodePermissionDenied, out["code"])
	assert.Equal(t, "GERER_UTILISATEURS", out["required"])

	rec, out = p.call(t, http.MethodPut, "/v1/admin/users/m1/permissions", "a2", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{"GERER_ACTIVITES"}, out["permissions"])

	var actions []string
	for _, e := range p.log.snapshot() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{model.ActionPermissionDenied, model.ActionPermissionsUpdated}, actions)
}

func TestAuditReportFollowsPermissionNotRole(t *testing.T) {
	p := newPipeline(t)

	rec, _ := p.call(t, http.MethodGet, "/v1/admin/audit-logs", "mod", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out := p.call(t, http.MethodGet, "/v1/admin/audit-logs", "a1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, middleware.CodePermissionDenied, out["code"])
}

func TestOperationalRoutes(t *testing.T) {
	p := newPipeline(t)

	rec, _ := p.call(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out := p.call(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ready"])

	rec, out = p.call(t, http.MethodGet, "/nowhere", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, middleware.CodeNotFound, out["code"])
}
