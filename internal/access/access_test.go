package access

import (
	"context"
	"errors"
	"testing"

	"clinicore.org/internal/store"
)

type fakeRoleSource struct {
	roles map[string]store.Role
}

func (f *fakeRoleSource) GetRoleByName(_ context.Context, name string, orgID int64) (store.Role, error) {
	role, ok := f.roles[name]
	if !ok || (role.OrganizationID != orgID && role.OrganizationID != 0) {
		return store.Role{}, store.ErrNotFound
	}
	return role, nil
}

func newTestEngine(t *testing.T, roles ...store.Role) *Engine {
	t.Helper()
	src := &fakeRoleSource{roles: make(map[string]store.Role)}
	for _, r := range roles {
		src.roles[r.Name] = r
	}
	engine, err := NewEngine(src)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func nurseRole(orgID int64) store.Role {
	return store.Role{
		Name:           "nurse",
		OrganizationID: orgID,
		Modules: map[string]store.ModuleActions{
			"patients": {View: true},
			"shifts":   {View: true, Edit: true},
		},
		Fields: map[string]store.FieldActions{
			"medications": {View: true},
		},
	}
}

func TestDefaultDenyForMissingModule(t *testing.T) {
	engine := newTestEngine(t, nurseRole(1))

	for _, action := range []string{ActionView, ActionCreate, ActionEdit, ActionDelete} {
		ok, err := engine.HasModulePermission(context.Background(), 1, "nurse", "billing", action)
		if err != nil {
			t.Fatalf("HasModulePermission(%s): %v", action, err)
		}
		if ok {
			t.Fatalf("module absent from matrix must deny action %s", action)
		}
	}
}

func TestMatrixGrantsAndDenies(t *testing.T) {
	engine := newTestEngine(t, nurseRole(1))

	ok, err := engine.HasModulePermission(context.Background(), 1, "nurse", "patients", ActionView)
	if err != nil || !ok {
		t.Fatalf("expected view granted, ok=%v err=%v", ok, err)
	}
	ok, err = engine.HasModulePermission(context.Background(), 1, "nurse", "patients", ActionCreate)
	if err != nil || ok {
		t.Fatalf("expected create denied, ok=%v err=%v", ok, err)
	}
}

func TestAdminBypassesMatrix(t *testing.T) {
	// No roles stored at all: admin must still pass, even for modules the
	// application has never heard of.
	engine := newTestEngine(t)

	for _, action := range []string{ActionView, ActionCreate, ActionEdit, ActionDelete} {
		ok, err := engine.HasModulePermission(context.Background(), 1, "admin", "unknown-module", action)
		if err != nil {
			t.Fatalf("HasModulePermission: %v", err)
		}
		if !ok {
			t.Fatalf("admin must bypass matrix for action %s", action)
		}
	}
	ok, err := engine.HasFieldPermission(context.Background(), 1, "Admin", "ssn", ActionEdit)
	if err != nil || !ok {
		t.Fatalf("admin must bypass field matrix, ok=%v err=%v", ok, err)
	}
}

func TestMissingRoleDenies(t *testing.T) {
	engine := newTestEngine(t)

	ok, err := engine.HasModulePermission(context.Background(), 1, "ghost", "patients", ActionView)
	if !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
	if ok {
		t.Fatal("missing role must deny")
	}
}

func TestRoleScopedToOtherOrgDenies(t *testing.T) {
	engine := newTestEngine(t, nurseRole(2))

	_, err := engine.HasModulePermission(context.Background(), 1, "nurse", "patients", ActionView)
	if !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound for foreign org role, got %v", err)
	}
}

func TestFieldPermissions(t *testing.T) {
	engine := newTestEngine(t, nurseRole(1))

	ok, err := engine.HasFieldPermission(context.Background(), 1, "nurse", "medications", ActionView)
	if err != nil || !ok {
		t.Fatalf("expected medications view granted, ok=%v err=%v", ok, err)
	}
	ok, err = engine.HasFieldPermission(context.Background(), 1, "nurse", "medications", ActionEdit)
	if err != nil || ok {
		t.Fatalf("expected medications edit denied, ok=%v err=%v", ok, err)
	}
	ok, err = engine.HasFieldPermission(context.Background(), 1, "nurse", "ssn", ActionView)
	if err != nil || ok {
		t.Fatalf("field absent from matrix must deny, ok=%v err=%v", ok, err)
	}
}

func TestCoarseGate(t *testing.T) {
	if !HasPermission("doctor", "doctor", "nurse") {
		t.Fatal("listed role must pass")
	}
	if HasPermission("receptionist", "doctor", "nurse") {
		t.Fatal("unlisted role must fail")
	}
	if HasPermission("", "doctor") {
		t.Fatal("empty role must fail")
	}
	// The patient role passes regardless of the required list.
	if !HasPermission("patient", "doctor") {
		t.Fatal("patient role is always permitted by the coarse gate")
	}
	if !HasPermission("Doctor", "doctor") {
		t.Fatal("role comparison must be case-insensitive")
	}
}

func TestNormalizeMatrixFillsAllKnownKeys(t *testing.T) {
	role := store.Role{Name: "reception"}
	NormalizeMatrix(&role)

	for _, key := range KnownModules() {
		actions, ok := role.Modules[key]
		if !ok {
			t.Fatalf("module %s missing after normalization", key)
		}
		if actions.View || actions.Create || actions.Edit || actions.Delete {
			t.Fatalf("module %s must default to all-false", key)
		}
	}
	for _, key := range KnownFields() {
		actions, ok := role.Fields[key]
		if !ok {
			t.Fatalf("field %s missing after normalization", key)
		}
		if actions.View || actions.Edit {
			t.Fatalf("field %s must default to all-false", key)
		}
	}
}

func TestNormalizeMatrixPreservesGrants(t *testing.T) {
	role := nurseRole(1)
	NormalizeMatrix(&role)

	if !role.Modules["patients"].View {
		t.Fatal("normalization must not clear existing grants")
	}
	if !role.Fields["medications"].View {
		t.Fatal("normalization must not clear existing field grants")
	}
}
