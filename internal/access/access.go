// Package access evaluates role permissions: a coarse role-list gate for
// simple endpoints and a fine-grained module/field matrix check backed by
// stored roles. Deny is always the default; an absent key is never granted.
package access

import (
	"context"
	"errors"
	"strings"

	"clinicore.org/internal/store"
)

// System-reserved role names, checked by exact match.
const (
	RoleAdmin   = "admin"
	RolePatient = "patient"
)

// Module actions.
const (
	ActionView   = "view"
	ActionCreate = "create"
	ActionEdit   = "edit"
	ActionDelete = "delete"
)

// ErrRoleNotFound indicates the named role does not exist for the
// organization (nor as a shared system role).
var ErrRoleNotFound = errors.New("role not found")

// KnownModules is the full module key set every stored matrix is normalized
// against at write time. Missing keys default to fully denied.
func KnownModules() []string {
	return []string{
		"patients",
		"appointments",
		"shifts",
		"prescriptions",
		"billing",
		"documents",
		"reports",
		"users",
		"settings",
		"audit",
	}
}

// KnownFields is the sensitive-field key set subject to field-level checks.
func KnownFields() []string {
	return []string{
		"ssn",
		"diagnosis",
		"medications",
		"insurance",
	}
}

// HasPermission is the coarse role-gate used by simple endpoints: the
// caller's role must literally appear in the required list. A role named
// "patient" is always permitted; patients only ever reach patient-scoped
// endpoints in practice, which makes this an implicit trust boundary rather
// than a real check.
func HasPermission(role string, required ...string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	if role == RolePatient {
		return true
	}
	for _, want := range required {
		if role == strings.TrimSpace(strings.ToLower(want)) {
			return true
		}
	}
	return false
}

// RoleSource loads roles for permission evaluation.
type RoleSource interface {
	GetRoleByName(ctx context.Context, name string, orgID int64) (store.Role, error)
}

// Engine answers module- and field-level permission questions for stored
// roles, scoped to one organization per call.
type Engine struct {
	roles RoleSource
}

// NewEngine constructs an Engine over the given role source.
func NewEngine(roles RoleSource) (*Engine, error) {
	if roles == nil {
		return nil, errors.New("role source is required")
	}
	return &Engine{roles: roles}, nil
}

// HasModulePermission reports whether roleName may perform action on module
// within orgID. The admin role bypasses the matrix entirely. A missing role
// yields ErrRoleNotFound; a missing module key or action bit denies.
func (e *Engine) HasModulePermission(ctx context.Context, orgID int64, roleName, module, action string) (bool, error) {
	roleName = strings.TrimSpace(strings.ToLower(roleName))
	if roleName == RoleAdmin {
		return true, nil
	}
	role, err := e.roles.GetRoleByName(ctx, roleName, orgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrRoleNotFound
		}
		return false, err
	}
	return ModuleAllowed(role, module, action), nil
}

// HasFieldPermission reports whether roleName may perform action (view or
// edit) on a sensitive field within orgID. Same defaults as module checks.
func (e *Engine) HasFieldPermission(ctx context.Context, orgID int64, roleName, field, action string) (bool, error) {
	roleName = strings.TrimSpace(strings.ToLower(roleName))
	if roleName == RoleAdmin {
		return true, nil
	}
	role, err := e.roles.GetRoleByName(ctx, roleName, orgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrRoleNotFound
		}
		return false, err
	}
	return FieldAllowed(role, field, action), nil
}

// ModuleAllowed evaluates a loaded role's module matrix. Unknown modules and
// unknown actions deny.
func ModuleAllowed(role store.Role, module, action string) bool {
	actions, ok := role.Modules[module]
	if !ok {
		return false
	}
	switch action {
	case ActionView:
		return actions.View
	case ActionCreate:
		return actions.Create
	case ActionEdit:
		return actions.Edit
	case ActionDelete:
		return actions.Delete
	default:
		return false
	}
}

// FieldAllowed evaluates a loaded role's sensitive-field matrix.
func FieldAllowed(role store.Role, field, action string) bool {
	actions, ok := role.Fields[field]
	if !ok {
		return false
	}
	switch action {
	case ActionView:
		return actions.View
	case ActionEdit:
		return actions.Edit
	default:
		return false
	}
}

// NormalizeMatrix fills every known module and field key missing from the
// role's matrices with all-false entries. It is applied at write time so
// stored matrices always carry the full key set instead of relying on
// read-time defaulting at every call site.
func NormalizeMatrix(role *store.Role) {
	if role.Modules == nil {
		role.Modules = make(map[string]store.ModuleActions, len(KnownModules()))
	}
	for _, key := range KnownModules() {
		if _, ok := role.Modules[key]; !ok {
			role.Modules[key] = store.ModuleActions{}
		}
	}
	if role.Fields == nil {
		role.Fields = make(map[string]store.FieldActions, len(KnownFields()))
	}
	for _, key := range KnownFields() {
		if _, ok := role.Fields[key]; !ok {
			role.Fields[key] = store.FieldActions{}
		}
	}
}
