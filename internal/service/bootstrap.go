// Package service holds startup routines run before the server accepts traffic.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
	"github.com/reseau-solidaire/backoffice-api/internal/repository"
	"github.com/reseau-solidaire/backoffice-api/internal/utils"
)

// PermissionCatalog is implemented by *repository.PermissionRepo.
type PermissionCatalog interface {
	EnsureKnown(ctx context.Context) error
}

// AdminSeeder is the subset of the user store used to seed the first account.
type AdminSeeder interface {
	FindByEmail(ctx context.Context, email string) (model.User, error)
	Create(ctx context.Context, u *model.User) error
}

// SeedAdmin describes the optional first SUPER_ADMIN account.
type SeedAdmin struct {
	Email      string
	Password   string
	Name       string
	BcryptCost int
}

// Bootstrap makes sure every known permission exists and, when configured,
// that a SUPER_ADMIN account exists. An existing account is left untouched.
func Bootstrap(ctx context.Context, perms PermissionCatalog, users AdminSeeder, seed SeedAdmin, log *zap.Logger) error {
	if err := perms.EnsureKnown(ctx); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	if seed.Email == "" || seed.Password == "" {
		return nil
	}

	_, err := users.FindByEmail(ctx, seed.Email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("lookup bootstrap admin: %w", err)
	}

	hash, err := utils.HashPassword(seed.Password, seed.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash bootstrap admin password: %w", err)
	}
	u := &model.User{
		Email:        seed.Email,
		Name:         seed.Name,
		PasswordHash: hash,
		Role:         model.RoleSuperAdmin,
		Status:       model.StatusActive,
	}
	if err := users.Create(ctx, u); err != nil {
		// Another instance may have seeded it concurrently.
		if errors.Is(err, repository.ErrEmailExists) {
			return nil
		}
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	log.Info("bootstrap super admin created", zap.String("user_id", u.ID), zap.String("email", u.Email))
	return nil
}
