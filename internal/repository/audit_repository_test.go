package repository

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

func TestAuditRepoInsert(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs (id, actor_id, action, resource_type, resource_id, detail, ip, user_agent, created_at)")).
		WithArgs(sqlmock.AnyArg(), nil, model.ActionLoginFailed, "user", nil, []byte(`{"email":"x@example.org"}`), "10.0.0.1", "curl/8", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), model.AuditEntry{
		Action:       model.ActionLoginFailed,
		ResourceType: "user",
		Detail:       map[string]any{"email": "x@example.org"},
		IP:           "10.0.0.1",
		UserAgent:    "curl/8",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepoInsertIsIdempotentAndFitsColumns(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepo(db)
	ua := strings.Repeat("A", 600)

	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE id = id")).
			WithArgs("evt-1", "u2", model.ActionPermissionDenied, "route", "/v1/admin/audit-logs", sqlmock.AnyArg(),
				"10.0.0.1", ua[:model.AuditUserAgentMax], sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, int64(1-i)))
	}

	e := model.AuditEntry{
		ID:           "evt-1",
		ActorID:      model.StringPtr("u2"),
		Action:       model.ActionPermissionDenied,
		ResourceType: "route",
		ResourceID:   model.StringPtr("/v1/admin/audit-logs"),
		IP:           "10.0.0.1",
		UserAgent:    ua,
	}
	require.NoError(t, repo.Insert(context.Background(), e))
	require.NoError(t, repo.Insert(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepoList(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_logs WHERE actor_id = ? AND action = ? ORDER BY created_at DESC LIMIT 10 OFFSET 20")).
		WithArgs("u2", model.ActionUnauthorizedAccess).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor_id", "action", "resource_type", "resource_id", "detail", "ip", "user_agent", "created_at"}).
			AddRow("a1", "u2", model.ActionUnauthorizedAccess, "route", nil, []byte(`{"current":"MEMBER","required":["ADMIN"]}`), "127.0.0.1", "test", now).
			AddRow("a2", nil, model.ActionUnauthorizedAccess, "route", "r1", nil, "", "", now))

	entries, err := repo.List(context.Background(), model.AuditFilter{
		ActorID: "u2",
		Action:  model.ActionUnauthorizedAccess,
		Limit:   10,
		Offset:  20,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "u2", *entries[0].ActorID)
	require.Equal(t, "MEMBER", entries[0].Detail["current"])
	require.Nil(t, entries[1].ActorID)
	require.Equal(t, "r1", *entries[1].ResourceID)
	require.Nil(t, entries[1].Detail)
	require.NoError(t, mock.ExpectationsWereMet())
}
