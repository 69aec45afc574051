package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// PermissionRepo manages the permission catalogue.
type PermissionRepo struct{ DB *sql.DB }

func NewPermissionRepo(db *sql.DB) *PermissionRepo { return &PermissionRepo{DB: db} }

// UpsertByName returns the permission called name, creating it with
// description when missing. An existing row is never modified: the first
// description written wins.
func (r *PermissionRepo) UpsertByName(ctx context.Context, name model.PermissionName, description string) (model.Permission, error) {
	if description == "" {
		description = name.DefaultDescription()
	}
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO permissions (id, name, description) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE name = name",
		uuid.NewString(), name, description)
	if err != nil {
		return model.Permission{}, fmt.Errorf("upsert permission %s: %w", name, err)
	}
	return r.FindByName(ctx, name)
}

// FindByName fetches a single permission.
func (r *PermissionRepo) FindByName(ctx context.Context, name model.PermissionName) (model.Permission, error) {
	var p model.Permission
	err := r.DB.QueryRowContext(ctx,
		"SELECT id, name, description, created_at FROM permissions WHERE name = ? LIMIT 1", name).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Permission{}, ErrNotFound
		}
		return model.Permission{}, err
	}
	return p, nil
}

// List returns the whole catalogue ordered by name.
func (r *PermissionRepo) List(ctx context.Context) ([]model.Permission, error) {
	rows, err := r.DB.QueryContext(ctx, "SELECT id, name, description, created_at FROM permissions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []model.Permission
	for rows.Next() {
		var p model.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// EnsureKnown upserts every permission of the registry.
func (r *PermissionRepo) EnsureKnown(ctx context.Context) error {
	for name, desc := range model.KnownPermissions {
		if _, err := r.UpsertByName(ctx, name, desc); err != nil {
			return err
		}
	}
	return nil
}
