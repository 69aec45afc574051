package model

// Session is the identity resolved for one request. It is projected from a
// User at request time and never persisted.
type Session struct {
	ID          string           `json:"id"`
	Email       string           `json:"email"`
	Name        string           `json:"name"`
	Role        Role             `json:"role"`
	Status      UserStatus       `json:"status"`
	Permissions []PermissionName `json:"permissions"`
}

// SessionFromUser projects the fields a request may rely on.
func SessionFromUser(u User) Session {
	perms := make([]PermissionName, len(u.Permissions))
	copy(perms, u.Permissions)
	return Session{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		Status:      u.Status,
		Permissions: perms,
	}
}

// HasRole reports whether the session role is one of roles.
func (s Session) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if s.Role == r {
			return true
		}
	}
	return false
}

// HasPermission is an exact membership test.
func (s Session) HasPermission(p PermissionName) bool {
	for _, held := range s.Permissions {
		if held == p {
			return true
		}
	}
	return false
}
