package model

import (
	"fmt"
	"strings"
	"time"
)

// Role is the single coarse-grained category assigned to a user. Roles do
// not inherit from each other: every route lists the roles it accepts.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleModerator  Role = "MODERATOR"
	RoleMember     Role = "MEMBER"
)

// Roles lists every valid role in display order.
var Roles = []Role{RoleSuperAdmin, RoleAdmin, RoleModerator, RoleMember}

// ParseRole converts user input into a Role. Matching is case-insensitive
// but the value must name one of the known roles.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// UserStatus tells whether an account may authenticate.
type UserStatus string

const (
	StatusActive   UserStatus = "ACTIVE"
	StatusInactive UserStatus = "INACTIVE"
)

// ParseStatus converts user input into a UserStatus.
func ParseStatus(s string) (UserStatus, error) {
	switch st := UserStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusActive, StatusInactive:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// User represents a row of the `users` table together with the names of
// the permissions linked through `user_permissions`.
//
// Fields:
//
//	ID           – uuid primary key.
//	Email        – unique, always stored lower-cased.
//	Name         – display name.
//	PasswordHash – bcrypt hash, never serialised.
//	Role         – single role.
//	Status       – ACTIVE or INACTIVE.
//	Permissions  – named capabilities held by the user.
//	LastLoginAt  – last successful session resolution (nullable).
//	Archived     – set when the account was deleted by an admin.
type User struct {
	ID           string           `json:"id"`
	Email        string           `json:"email"`
	Name         string           `json:"name"`
	PasswordHash string           `json:"-"`
	Role         Role             `json:"role"`
	Status       UserStatus       `json:"status"`
	Permissions  []PermissionName `json:"permissions"`
	LastLoginAt  *time.Time       `json:"last_login_at,omitempty"`
	Archived     bool             `json:"archived"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// IsActive reports whether the account may be used to authenticate.
func (u User) IsActive() bool { return u.Status == StatusActive }

// UserUpdate carries a partial update of a user. Nil fields are left
// untouched.
type UserUpdate struct {
	Name         *string
	PasswordHash *string
	Role         *Role
	Status       *UserStatus
	Archived     *bool
	LastLoginAt  *time.Time
}

// Empty reports whether the update would not change anything.
func (u UserUpdate) Empty() bool {
	return u.Name == nil && u.PasswordHash == nil && u.Role == nil &&
		u.Status == nil && u.Archived == nil && u.LastLoginAt == nil
}

// UserFilter narrows admin user listings.
type UserFilter struct {
	Role            Role
	Status          UserStatus
	IncludeArchived bool
	Limit           uint64
	Offset          uint64
}

// NormalizeEmail is the single place emails are canonicalised; uniqueness
// is enforced on the normalised value.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
