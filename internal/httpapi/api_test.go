package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"clinicore.org/internal/access"
	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/pipeline"
	"clinicore.org/internal/store"
	"clinicore.org/internal/store/memory"
	"clinicore.org/internal/tenant"
)

type fixture struct {
	api      *API
	store    *memory.Store
	codec    *auth.Codec
	recorder *audit.Recorder
	orgA     store.Organization
	orgB     store.Organization
	admin    store.User
	nurse    store.User
}

const testPassword = "correct-horse-battery"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	orgA, err := st.CreateOrganization(ctx, store.Organization{Subdomain: "alpha", Name: "Alpha Clinic", Region: "us"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	orgB, err := st.CreateOrganization(ctx, store.Organization{Subdomain: "beta", Name: "Beta Clinic", Region: "eu"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	for _, org := range []store.Organization{orgA, orgB} {
		if err := st.UpsertSubscription(ctx, store.Subscription{OrganizationID: org.ID, Status: store.SubscriptionActive}); err != nil {
			t.Fatalf("upsert subscription: %v", err)
		}
	}

	nurseRole := store.Role{
		Name:           "nurse",
		OrganizationID: orgA.ID,
		DisplayName:    "Nurse",
		Modules: map[string]store.ModuleActions{
			"patients":     {View: true},
			"appointments": {View: true, Create: true, Edit: true},
		},
		Fields: map[string]store.FieldActions{
			"diagnosis": {View: true},
		},
	}
	access.NormalizeMatrix(&nurseRole)
	if _, err := st.CreateRole(ctx, nurseRole); err != nil {
		t.Fatalf("create role: %v", err)
	}

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	admin, err := st.CreateUser(ctx, store.User{
		OrganizationID: orgA.ID, Email: "admin@alpha.health", Role: "admin", Active: true, PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	nurse, err := st.CreateUser(ctx, store.User{
		OrganizationID: orgA.ID, Email: "nurse@alpha.health", Role: "nurse", Active: true, PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("create nurse: %v", err)
	}

	codec, err := auth.NewCodec("test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	resolver, err := tenant.NewResolver(st, tenant.WithDemoMode(false), tenant.WithCacheTTL(time.Millisecond))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	t.Cleanup(resolver.Close)
	enforcer, err := pipeline.NewEnforcer(codec, st)
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	engine, err := access.NewEngine(st)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	recorder, err := audit.NewRecorder(st, 64)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	t.Cleanup(recorder.Close)

	api, err := New(Options{
		Store:     st,
		Resolver:  resolver,
		Enforcer:  enforcer,
		Engine:    engine,
		Recorder:  recorder,
		Codec:     codec,
		SystemKey: "sys-key",
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{api: api, store: st, codec: codec, recorder: recorder, orgA: orgA, orgB: orgB, admin: admin, nurse: nurse}
}

func (f *fixture) tokenFor(t *testing.T, u store.User) string {
	t.Helper()
	token, _, err := f.codec.Issue(u.ID, u.OrganizationID, u.Email, u.Role)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path, tenantSlug, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if tenantSlug != "" {
		req.Header.Set(tenant.HeaderTenant, tenantSlug)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthzSkipsPipeline(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/v1/auth/login", "alpha", "", loginRequest{
		Email: "nurse@alpha.health", Password: testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" || resp.User.ID != f.nurse.ID {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	me := f.do(t, "GET", "/v1/auth/me", "alpha", resp.Token, nil)
	if me.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %s", me.Code, me.Body.String())
	}
	var user store.User
	decodeBody(t, me, &user)
	if user.Email != "nurse@alpha.health" || user.OrganizationID != f.orgA.ID {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newFixture(t)

	for name, req := range map[string]loginRequest{
		"bad password": {Email: "nurse@alpha.health", Password: "wrong-password-here"},
		"unknown user": {Email: "ghost@alpha.health", Password: testPassword},
	} {
		rec := f.do(t, "POST", "/v1/auth/login", "alpha", "", req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid credentials") {
			t.Fatalf("%s: expected uniform message, got %s", name, rec.Body.String())
		}
	}
}

func TestRecordsViewAllowedCreateDenied(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(t, f.nurse)

	view := f.do(t, "GET", "/v1/records/patients", "alpha", token, nil)
	if view.Code != http.StatusOK {
		t.Fatalf("view: expected 200, got %d: %s", view.Code, view.Body.String())
	}
	var listing struct {
		Module         string   `json:"module"`
		RedactedFields []string `json:"redacted_fields"`
	}
	decodeBody(t, view, &listing)
	if listing.Module != "patients" {
		t.Fatalf("unexpected module: %+v", listing)
	}
	redacted := strings.Join(listing.RedactedFields, ",")
	if !strings.Contains(redacted, "ssn") || strings.Contains(redacted, "diagnosis") {
		t.Fatalf("unexpected redactions: %v", listing.RedactedFields)
	}

	create := f.do(t, "POST", "/v1/records/patients", "alpha", token, map[string]any{"name": "x"})
	if create.Code != http.StatusForbidden {
		t.Fatalf("create: expected 403, got %d: %s", create.Code, create.Body.String())
	}
	if !strings.Contains(create.Body.String(), "permission denied: create on patients") {
		t.Fatalf("unexpected body: %s", create.Body.String())
	}
}

func TestDeniedRequestIsAudited(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(t, f.nurse)

	rec := f.do(t, "POST", "/v1/records/patients", "alpha", token, map[string]any{"name": "x"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	f.recorder.Close()

	var found bool
	for _, e := range f.store.AuditEntries(f.orgA.ID) {
		if e.Action == "access.denied" && e.ResourceID == "patients" && e.Status == audit.StatusFailure {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an access.denied audit entry")
	}
}

func TestCallerWithDeletedRoleGetsNotFound(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(t, f.nurse)

	// The role is removed while users still reference it. Such callers
	// report the absent role, not a permission denial.
	if err := f.store.DeleteRole(context.Background(), "nurse", f.orgA.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}

	rec := f.do(t, "GET", "/v1/records/patients", "alpha", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "role not found") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	perms := f.do(t, "GET", "/v1/me/permissions", "alpha", token, nil)
	if perms.Code != http.StatusNotFound {
		t.Fatalf("permissions: expected 404, got %d: %s", perms.Code, perms.Body.String())
	}
}

func TestMyAppointmentsRoleGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	patient, err := f.store.CreateUser(ctx, store.User{
		OrganizationID: f.orgA.ID, Email: "patient@alpha.health", Role: "patient", Active: true, PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	auditor, err := f.store.CreateUser(ctx, store.User{
		OrganizationID: f.orgA.ID, Email: "auditor@alpha.health", Role: "auditor", Active: true, PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("create auditor: %v", err)
	}

	rec := f.do(t, "GET", "/v1/me/appointments", "alpha", f.tokenFor(t, f.nurse), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nurse: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		UserID       int64 `json:"user_id"`
		Appointments []any `json:"appointments"`
	}
	decodeBody(t, rec, &resp)
	if resp.UserID != f.nurse.ID {
		t.Fatalf("unexpected user id: %+v", resp)
	}

	// The coarse gate lets any role named "patient" through.
	rec = f.do(t, "GET", "/v1/me/appointments", "alpha", f.tokenFor(t, patient), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patient: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", "/v1/me/appointments", "alpha", f.tokenFor(t, auditor), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("auditor: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "permission denied: view on appointments") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCrossTenantTokenRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/auth/me", "beta", f.tokenFor(t, f.nurse), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "tenant access denied") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestDeactivatedUserRejectedMidSession(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(t, f.nurse)

	inactive := false
	if _, err := f.store.UpdateUser(context.Background(), f.nurse.ID, f.orgA.ID, store.UserUpdate{Active: &inactive}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	rec := f.do(t, "GET", "/v1/auth/me", "alpha", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInactiveSubscriptionBlocksTenant(t *testing.T) {
	f := newFixture(t)
	if err := f.store.UpsertSubscription(context.Background(), store.Subscription{
		OrganizationID: f.orgB.ID, Status: "cancelled",
	}); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}

	rec := f.do(t, "GET", "/v1/info", "beta", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "subscription inactive") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestMyPermissionsForStoredRole(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/me/permissions", "alpha", f.tokenFor(t, f.nurse), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Role    string                         `json:"role"`
		Modules map[string]store.ModuleActions `json:"modules"`
	}
	decodeBody(t, rec, &resp)
	if resp.Role != "nurse" {
		t.Fatalf("unexpected role: %s", resp.Role)
	}
	if !resp.Modules["patients"].View || resp.Modules["patients"].Create {
		t.Fatalf("unexpected matrix: %+v", resp.Modules["patients"])
	}
	// Normalization stored the full module key set.
	if _, ok := resp.Modules["billing"]; !ok {
		t.Fatalf("expected normalized matrix, got keys %v", resp.Modules)
	}
}

func TestMyPermissionsForAdminIsFullyGranted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/me/permissions", "alpha", f.tokenFor(t, f.admin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Modules map[string]store.ModuleActions `json:"modules"`
	}
	decodeBody(t, rec, &resp)
	m := resp.Modules["audit"]
	if !m.View || !m.Create || !m.Edit || !m.Delete {
		t.Fatalf("expected full grants for admin, got %+v", m)
	}
}

func TestComplianceFollowsTenantRegion(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/compliance", "beta", f.tokenFor(t, f.admin), nil)
	// Admin token belongs to alpha; beta context rejects it first.
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-tenant compliance read, got %d", rec.Code)
	}

	rec = f.do(t, "GET", "/v1/compliance", "alpha", f.tokenFor(t, f.admin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Region     string            `json:"region"`
		Compliance access.Compliance `json:"compliance"`
	}
	decodeBody(t, rec, &resp)
	if resp.Region != "us" || resp.Compliance.GDPRRequired {
		t.Fatalf("unexpected compliance: %+v", resp)
	}
	if rec.Header().Get("X-Data-Region") != "us" {
		t.Fatalf("expected region header, got %q", rec.Header().Get("X-Data-Region"))
	}
}

func TestRoleLifecycle(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(t, f.admin)

	create := f.do(t, "POST", "/v1/roles", "alpha", token, roleRequest{
		Name:        "auditor",
		DisplayName: "Auditor",
		Modules:     map[string]store.ModuleActions{"audit": {View: true}},
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", create.Code, create.Body.String())
	}
	var created store.Role
	decodeBody(t, create, &created)
	if created.OrganizationID != f.orgA.ID || !created.Modules["audit"].View {
		t.Fatalf("unexpected role: %+v", created)
	}
	if _, ok := created.Modules["patients"]; !ok {
		t.Fatal("expected write-time normalization to fill missing modules")
	}

	update := f.do(t, "PUT", "/v1/roles/auditor", "alpha", token, roleRequest{
		DisplayName: "Lead Auditor",
		Modules:     map[string]store.ModuleActions{"audit": {View: true, Create: true}},
	})
	if update.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", update.Code, update.Body.String())
	}

	del := f.do(t, "DELETE", "/v1/roles/auditor", "alpha", token, nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", del.Code, del.Body.String())
	}

	get := f.do(t, "GET", "/v1/roles/auditor", "alpha", token, nil)
	if get.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", get.Code)
	}
}

func TestReservedRoleNamesRejected(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(t, f.admin)

	for _, name := range []string{"admin", "patient"} {
		rec := f.do(t, "POST", "/v1/roles", "alpha", token, roleRequest{Name: name, DisplayName: "X"})
		if rec.Code != http.StatusConflict {
			t.Fatalf("%s: expected 409, got %d", name, rec.Code)
		}
	}
}

func TestSystemRoleCannotBeDeleted(t *testing.T) {
	f := newFixture(t)
	sys := store.Role{Name: "receptionist", OrganizationID: 0, DisplayName: "Receptionist", System: true}
	access.NormalizeMatrix(&sys)
	if _, err := f.store.CreateRole(context.Background(), sys); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	rec := f.do(t, "DELETE", "/v1/roles/receptionist", "alpha", f.tokenFor(t, f.admin), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRoleRoutesRequireSettingsPermission(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/roles", "alpha", f.tokenFor(t, f.nurse), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUserLifecycle(t *testing.T) {
	f := newFixture(t)
	token := f.tokenFor(t, f.admin)

	create := f.do(t, "POST", "/v1/users", "alpha", token, createUserRequest{
		Email: "doc@alpha.health", Password: "another-long-password", Role: "nurse", FirstName: "Ada",
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", create.Code, create.Body.String())
	}
	var created store.User
	decodeBody(t, create, &created)
	if created.OrganizationID != f.orgA.ID || created.Role != "nurse" || !created.Active {
		t.Fatalf("unexpected user: %+v", created)
	}

	inactive := false
	patch := f.do(t, "PATCH", "/v1/users/"+strconv.FormatInt(created.ID, 10), "alpha", token, updateUserRequest{Active: &inactive})
	if patch.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", patch.Code, patch.Body.String())
	}
	var updated store.User
	decodeBody(t, patch, &updated)
	if updated.Active {
		t.Fatalf("expected deactivated user: %+v", updated)
	}
}

func TestCreateUserRejectsUnknownRole(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/v1/users", "alpha", f.tokenFor(t, f.admin), createUserRequest{
		Email: "x@alpha.health", Password: "another-long-password", Role: "wizard",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownRecordModuleIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/records/launchcodes", "alpha", f.tokenFor(t, f.admin), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

