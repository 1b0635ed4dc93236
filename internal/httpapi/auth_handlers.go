package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clinicore.org/internal/access"
	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/store"
	"clinicore.org/internal/tenant"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      store.User `json:"user"`
}

// handleLogin authenticates an email/password pair within the resolved
// organization and issues a session token bound to it. Failures are
// uniformly reported as invalid credentials.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "tenant context missing")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := a.store.GetUserByEmail(r.Context(), email, tc.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.loginFailed(r, tc.ID, email, "unknown_user")
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		a.loginFailed(r, tc.ID, email, "bad_password")
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !user.Active {
		a.loginFailed(r, tc.ID, email, "inactive_user")
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := a.codec.Issue(user.ID, user.OrganizationID, user.Email, user.Role)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.recorder.Record(r.Context(), store.AuditEntry{
		OrganizationID: user.OrganizationID,
		UserID:         user.ID,
		Action:         "auth.login",
		ResourceType:   "user",
		ResourceID:     email,
	})
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, User: user})
}

func (a *API) loginFailed(r *http.Request, orgID int64, email, reason string) {
	a.recorder.Record(r.Context(), store.AuditEntry{
		OrganizationID: orgID,
		Action:         "auth.login",
		ResourceType:   "user",
		ResourceID:     email,
		Detail:         map[string]string{"reason": reason},
		Status:         audit.StatusFailure,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := a.store.GetUser(r.Context(), identity.ID, identity.OrganizationID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleMyPermissions returns the caller's effective permission matrices.
// The admin role has no stored matrix; a fully granted one is synthesized.
func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	resp := map[string]any{"role": identity.Role}
	if identity.Role == access.RoleAdmin {
		modules := make(map[string]store.ModuleActions, len(access.KnownModules()))
		for _, m := range access.KnownModules() {
			modules[m] = store.ModuleActions{View: true, Create: true, Edit: true, Delete: true}
		}
		fields := make(map[string]store.FieldActions, len(access.KnownFields()))
		for _, f := range access.KnownFields() {
			fields[f] = store.FieldActions{View: true, Edit: true}
		}
		resp["modules"] = modules
		resp["fields"] = fields
		writeJSON(w, http.StatusOK, resp)
		return
	}

	role, err := a.store.GetRoleByName(r.Context(), identity.Role, identity.OrganizationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			handlePipelineError(w, r, access.ErrRoleNotFound)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	resp["modules"] = role.Modules
	resp["fields"] = role.Fields
	writeJSON(w, http.StatusOK, resp)
}

// handleCompliance reports the regulatory posture of the tenant's region.
func (a *API) handleCompliance(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "tenant context missing")
		return
	}
	profile := access.ComplianceForRegion(tc.Region)
	writeJSON(w, http.StatusOK, map[string]any{
		"region":     tc.Region,
		"compliance": profile,
	})
}
