package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

var userColumns = []string{
	"id", "email", "name", "password_hash", "role", "status",
	"last_login_at", "archived", "created_at", "updated_at",
}

// UserRepo owns the `users` and `user_permissions` tables.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (model.User, error) {
	var (
		u         model.User
		lastLogin sql.NullTime
	)
	err := s.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.Status,
		&lastLogin, &u.Archived, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

// Create inserts u, assigning a fresh id. The email is normalised first so
// uniqueness is case-insensitive.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = model.NormalizeEmail(u.Email)
	if u.Role == "" {
		u.Role = model.RoleMember
	}
	if u.Status == "" {
		u.Status = model.StatusActive
	}
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (id, email, name, password_hash, role, status) VALUES (?,?,?,?,?,?)",
		u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.Status)
	if err != nil {
		if isDuplicate(err) {
			return ErrEmailExists
		}
		return err
	}
	return nil
}

// FindByID fetches a user and its permission names.
func (r *UserRepo) FindByID(ctx context.Context, id string) (model.User, error) {
	return r.findOne(ctx, sq.Eq{"id": id})
}

// FindByEmail fetches a user by normalised email.
func (r *UserRepo) FindByEmail(ctx context.Context, email string) (model.User, error) {
	return r.findOne(ctx, sq.Eq{"email": model.NormalizeEmail(email)})
}

func (r *UserRepo) findOne(ctx context.Context, where sq.Eq) (model.User, error) {
	query, args, err := sq.Select(userColumns...).From("users").Where(where).Limit(1).ToSql()
	if err != nil {
		return model.User{}, err
	}
	u, err := scanUser(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	perms, err := r.permissionNames(ctx, []string{u.ID})
	if err != nil {
		return model.User{}, err
	}
	u.Permissions = perms[u.ID]
	return u, nil
}

// List returns users matching f, newest first.
func (r *UserRepo) List(ctx context.Context, f model.UserFilter) ([]model.User, error) {
	b := sq.Select(userColumns...).From("users").OrderBy("created_at DESC")
	if f.Role != "" {
		b = b.Where(sq.Eq{"role": f.Role})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": f.Status})
	}
	if !f.IncludeArchived {
		b = b.Where(sq.Eq{"archived": false})
	}
	limit := f.Limit
	if limit == 0 || limit > 200 {
		limit = 50
	}
	b = b.Limit(limit).Offset(f.Offset)

	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		users []model.User
		ids   []string
	)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
		ids = append(ids, u.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return users, nil
	}
	perms, err := r.permissionNames(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].Permissions = perms[users[i].ID]
	}
	return users, nil
}

func (r *UserRepo) permissionNames(ctx context.Context, userIDs []string) (map[string][]model.PermissionName, error) {
	query, args, err := sq.Select("up.user_id", "p.name").
		From("user_permissions up").
		Join("permissions p ON p.id = up.permission_id").
		Where(sq.Eq{"up.user_id": userIDs}).
		OrderBy("p.name").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]model.PermissionName, len(userIDs))
	for rows.Next() {
		var (
			userID string
			name   model.PermissionName
		)
		if err := rows.Scan(&userID, &name); err != nil {
			return nil, err
		}
		out[userID] = append(out[userID], name)
	}
	return out, rows.Err()
}

// Update writes the non-nil fields of upd. Concurrent writers are not
// serialised; the last write wins.
func (r *UserRepo) Update(ctx context.Context, id string, upd model.UserUpdate) error {
	if upd.Empty() {
		return nil
	}
	b := sq.Update("users")
	if upd.Name != nil {
		b = b.Set("name", *upd.Name)
	}
	if upd.PasswordHash != nil {
		b = b.Set("password_hash", *upd.PasswordHash)
	}
	if upd.Role != nil {
		b = b.Set("role", *upd.Role)
	}
	if upd.Status != nil {
		b = b.Set("status", *upd.Status)
	}
	if upd.Archived != nil {
		b = b.Set("archived", *upd.Archived)
	}
	if upd.LastLoginAt != nil {
		b = b.Set("last_login_at", upd.LastLoginAt.UTC())
	}
	query, args, err := b.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query, args...)
	return err
}

// Archive is the only form of deletion: the row stays so audit entries and
// authored content keep a valid reference.
func (r *UserRepo) Archive(ctx context.Context, id string) error {
	inactive := model.StatusInactive
	archived := true
	return r.Update(ctx, id, model.UserUpdate{Status: &inactive, Archived: &archived})
}

// SetPermissions replaces the permission set of a user. The permissions
// must already exist (see PermissionRepo.UpsertByName).
func (r *UserRepo) SetPermissions(ctx context.Context, userID string, perms []model.Permission) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM user_permissions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clear permissions: %w", err)
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_permissions (user_id, permission_id) VALUES (?, ?)",
			userID, p.ID); err != nil {
			return fmt.Errorf("insert permission %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}
