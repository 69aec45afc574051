package model

import (
	"time"
	"unicode/utf8"
)

// Audit actions written by the auth subsystem and the admin handlers.
const (
	ActionUnauthorizedAccess = "UNAUTHORIZED_ACCESS_ATTEMPT"
	ActionPermissionDenied   = "PERMISSION_DENIED"
	ActionLoginSuccess       = "LOGIN_SUCCESS"
	ActionLoginFailed        = "LOGIN_FAILED"
	ActionLogout             = "LOGOUT"
	ActionUserRegistered     = "USER_REGISTERED"
	ActionUserCreated        = "USER_CREATED"
	ActionUserUpdated        = "USER_UPDATED"
	ActionUserArchived       = "USER_ARCHIVED"
	ActionPermissionsUpdated = "PERMISSIONS_UPDATED"
	ActionPasswordChanged    = "PASSWORD_CHANGED"
	ActionProfileUpdated     = "PROFILE_UPDATED"
)

// AuditEntry mirrors one row of the append-only `audit_logs` table.
// ActorID is nil for anonymous events such as failed logins.
type AuditEntry struct {
	ID           string         `json:"id"`
	ActorID      *string        `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   *string        `json:"resource_id"`
	Detail       map[string]any `json:"detail"`
	IP           string         `json:"ip"`
	UserAgent    string         `json:"user_agent"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Column widths of `audit_logs`, in characters.
const (
	AuditActionMax    = 100
	AuditResourceMax  = 100
	AuditIPMax        = 64
	AuditUserAgentMax = 512
)

// Clamped returns a copy of e whose text fields fit their columns. Client
// supplied values such as the user agent have no length limit of their own.
func (e AuditEntry) Clamped() AuditEntry {
	e.Action = clip(e.Action, AuditActionMax)
	e.ResourceType = clip(e.ResourceType, AuditResourceMax)
	if e.ResourceID != nil {
		id := clip(*e.ResourceID, AuditResourceMax)
		e.ResourceID = &id
	}
	e.IP = clip(e.IP, AuditIPMax)
	e.UserAgent = clip(e.UserAgent, AuditUserAgentMax)
	return e
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if len(s) <= n || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// AuditFilter narrows audit log listings for reporting.
type AuditFilter struct {
	ActorID      string
	Action       string
	ResourceType string
	Limit        uint64
	Offset       uint64
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
