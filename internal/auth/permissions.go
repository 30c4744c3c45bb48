package auth

import (
	"fmt"
	"strings"
)

// Modules of the admin panel.
const (
	ModuleEvents     = "events"
	ModuleTenants    = "tenants"
	ModuleBlog       = "blog"
	ModulePromotions = "promotions"
	ModuleVIP        = "vip"
	ModuleContacts   = "contacts"
	ModuleSettings   = "settings"
	ModuleUsers      = "users"
	ModuleRoles      = "roles"
	ModuleActivity   = "activity"
	ModuleAuth       = "auth"
)

// Permission actions.
const (
	ActionView    = "view"
	ActionCreate  = "create"
	ActionEdit    = "edit"
	ActionDelete  = "delete"
	ActionPublish = "publish"
	ActionExport  = "export"
)

var crud = []string{ActionView, ActionCreate, ActionEdit, ActionDelete}

var catalogActions = []struct {
	module  string
	label   string
	actions []string
}{
	{ModuleEvents, "Events", append(crud, ActionPublish)},
	{ModuleTenants, "Tenants", crud},
	{ModuleBlog, "Blog posts", append(crud, ActionPublish)},
	{ModulePromotions, "Promotions", append(crud, ActionPublish)},
	{ModuleVIP, "VIP tiers", crud},
	{ModuleContacts, "Contacts", []string{ActionView, ActionDelete, ActionExport}},
	{ModuleSettings, "Site settings", []string{ActionView, ActionEdit}},
	{ModuleUsers, "Admin users", crud},
	{ModuleRoles, "Roles", crud},
	{ModuleActivity, "Activity log", []string{ActionView, ActionExport}},
}

// BuiltinCatalog returns the permissions the service seeds at startup. IDs are left empty.
func BuiltinCatalog() []Permission {
	var out []Permission
	for _, m := range catalogActions {
		for _, action := range m.actions {
			out = append(out, Permission{
				Module:      m.module,
				Action:      action,
				DisplayName: fmt.Sprintf("%s %s", strings.ToUpper(action[:1])+action[1:], strings.ToLower(m.label)),
				Description: fmt.Sprintf("Allows %s on %s", action, strings.ToLower(m.label)),
				IsActive:    true,
			})
		}
	}
	return out
}

// PermissionKey joins module and action as "module:action".
func PermissionKey(module, action string) string {
	return module + ":" + action
}

// ParsePermissionKey splits "module:action".
func ParsePermissionKey(key string) (module, action string, err error) {
	module, action, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || module == "" || action == "" || strings.Contains(action, ":") {
		return "", "", fmt.Errorf("%w: malformed permission key %q", ErrInvalidInput, key)
	}
	return module, action, nil
}

// HasPermission reports whether perms contains exactly (module, action).
func HasPermission(perms []Permission, module, action string) bool {
	for _, p := range perms {
		if p.Module == module && p.Action == action {
			return true
		}
	}
	return false
}
