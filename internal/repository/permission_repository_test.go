package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

const upsertPermissionSQL = "INSERT INTO permissions (id, name, description) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE name = name"

func TestPermissionRepoUpsertIsFirstWriteWins(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPermissionRepo(db)
	created := time.Now().UTC()

	// First call creates the row.
	mock.ExpectExec(regexp.QuoteMeta(upsertPermissionSQL)).
		WithArgs(sqlmock.AnyArg(), "GERER_NEWSLETTERS", "Première description").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, description, created_at FROM permissions WHERE name = ? LIMIT 1")).
		WithArgs("GERER_NEWSLETTERS").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow("p1", "GERER_NEWSLETTERS", "Première description", created))

	// Second call hits the unique key; MySQL reports 0 affected rows and
	// the existing row is returned untouched.
	mock.ExpectExec(regexp.QuoteMeta(upsertPermissionSQL)).
		WithArgs(sqlmock.AnyArg(), "GERER_NEWSLETTERS", "Autre description").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM permissions WHERE name = ?")).
		WithArgs("GERER_NEWSLETTERS").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow("p1", "GERER_NEWSLETTERS", "Première description", created))

	first, err := repo.UpsertByName(context.Background(), model.PermManageNewsletters, "Première description")
	require.NoError(t, err)
	second, err := repo.UpsertByName(context.Background(), model.PermManageNewsletters, "Autre description")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Première description", second.Description)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepoUpsertDefaultsDescription(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPermissionRepo(db)

	mock.ExpectExec(regexp.QuoteMeta(upsertPermissionSQL)).
		WithArgs(sqlmock.AnyArg(), "GERER_FORUMS", model.KnownPermissions[model.PermManageForums]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM permissions WHERE name").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow("p2", "GERER_FORUMS", model.KnownPermissions[model.PermManageForums], time.Now()))

	p, err := repo.UpsertByName(context.Background(), model.PermManageForums, "")
	require.NoError(t, err)
	require.Equal(t, model.PermManageForums, p.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepoEnsureKnown(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPermissionRepo(db)
	mock.MatchExpectationsInOrder(false)

	for name, desc := range model.KnownPermissions {
		mock.ExpectExec(regexp.QuoteMeta(upsertPermissionSQL)).
			WithArgs(sqlmock.AnyArg(), string(name), desc).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("FROM permissions WHERE name = ?")).
			WithArgs(string(name)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
				AddRow("id-"+string(name), string(name), desc, time.Now()))
	}

	require.NoError(t, repo.EnsureKnown(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
