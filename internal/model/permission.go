package model

import (
	"fmt"
	"strings"
	"time"
)

// PermissionName is a fine-grained capability name. Values coming from the
// outside must go through ParsePermission.
type PermissionName string

const (
	PermManageActivities  PermissionName = "GERER_ACTIVITES"
	PermManageEvents      PermissionName = "GERER_EVENEMENTS"
	PermManageNews        PermissionName = "GERER_ACTUALITES"
	PermManageResources   PermissionName = "GERER_RESSOURCES"
	PermManagePartners    PermissionName = "GERER_PARTENAIRES"
	PermManageNewsletters PermissionName = "GERER_NEWSLETTERS"
	PermManageForums      PermissionName = "GERER_FORUMS"
	PermManageLegalPages  PermissionName = "GERER_PAGES_LEGALES"
	PermManageUsers       PermissionName = "GERER_UTILISATEURS"
	PermViewAudit         PermissionName = "CONSULTER_AUDIT"
)

// KnownPermissions is the registry of capability names accepted at the API
// boundary, with the description used when the row is first created.
var KnownPermissions = map[PermissionName]string{
	PermManageActivities:  "Gérer les activités",
	PermManageEvents:      "Gérer les événements",
	PermManageNews:        "Gérer les actualités",
	PermManageResources:   "Gérer les ressources",
	PermManagePartners:    "Gérer les partenaires",
	PermManageNewsletters: "Gérer les newsletters",
	PermManageForums:      "Gérer les forums et discussions",
	PermManageLegalPages:  "Gérer les pages légales",
	PermManageUsers:       "Gérer les utilisateurs et leurs permissions",
	PermViewAudit:         "Consulter le journal d'audit",
}

// ParsePermission validates a capability name against KnownPermissions.
// The comparison is exact after trimming and upper-casing.
func ParsePermission(s string) (PermissionName, error) {
	p := PermissionName(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := KnownPermissions[p]; !ok {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// DefaultDescription returns the registry description, or a generic one.
func (p PermissionName) DefaultDescription() string {
	if d, ok := KnownPermissions[p]; ok {
		return d
	}
	return "Permission " + string(p)
}

// Permission mirrors the `permissions` table.
type Permission struct {
	ID          string         `json:"id"`
	Name        PermissionName `json:"name"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
}
