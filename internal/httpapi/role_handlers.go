package httpapi

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"clinicore.org/internal/access"
	"clinicore.org/internal/store"
)

// Role management lives under the settings module.
const rolesModule = "settings"

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)

type roleRequest struct {
	Name        string                         `json:"name,omitempty"`
	DisplayName string                         `json:"display_name"`
	Description string                         `json:"description"`
	Modules     map[string]store.ModuleActions `json:"modules"`
	Fields      map[string]store.FieldActions  `json:"fields"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.requireModule(w, r, rolesModule, access.ActionView)
	if !ok {
		return
	}
	roles, err := a.store.ListRoles(r.Context(), identity.OrganizationID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.requireModule(w, r, rolesModule, access.ActionView)
	if !ok {
		return
	}
	role, err := a.store.GetRoleByName(r.Context(), chi.URLParam(r, "name"), identity.OrganizationID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.requireModule(w, r, rolesModule, access.ActionCreate)
	if !ok {
		return
	}
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(strings.ToLower(req.Name))
	if !roleNamePattern.MatchString(name) {
		writeError(w, r, http.StatusBadRequest, "role name must be a lowercase slug")
		return
	}
	if name == access.RoleAdmin || name == access.RolePatient {
		writeError(w, r, http.StatusConflict, "role name is reserved")
		return
	}

	role := store.Role{
		Name:           name,
		OrganizationID: identity.OrganizationID,
		DisplayName:    strings.TrimSpace(req.DisplayName),
		Description:    strings.TrimSpace(req.Description),
		Modules:        req.Modules,
		Fields:         req.Fields,
	}
	access.NormalizeMatrix(&role)

	created, err := a.store.CreateRole(r.Context(), role)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	a.auditRole(r, identity.ID, identity.OrganizationID, "role.create", created.Name)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.requireModule(w, r, rolesModule, access.ActionEdit)
	if !ok {
		return
	}
	name := strings.TrimSpace(strings.ToLower(chi.URLParam(r, "name")))

	existing, err := a.store.GetRoleByName(r.Context(), name, identity.OrganizationID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if existing.System || existing.OrganizationID != identity.OrganizationID {
		writeError(w, r, http.StatusForbidden, "system roles cannot be modified")
		return
	}

	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	existing.DisplayName = strings.TrimSpace(req.DisplayName)
	existing.Description = strings.TrimSpace(req.Description)
	existing.Modules = req.Modules
	existing.Fields = req.Fields
	access.NormalizeMatrix(&existing)

	updated, err := a.store.UpdateRole(r.Context(), existing)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	a.auditRole(r, identity.ID, identity.OrganizationID, "role.update", updated.Name)
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.requireModule(w, r, rolesModule, access.ActionDelete)
	if !ok {
		return
	}
	name := strings.TrimSpace(strings.ToLower(chi.URLParam(r, "name")))

	existing, err := a.store.GetRoleByName(r.Context(), name, identity.OrganizationID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if existing.System || existing.OrganizationID != identity.OrganizationID {
		writeError(w, r, http.StatusForbidden, "system roles cannot be deleted")
		return
	}

	if err := a.store.DeleteRole(r.Context(), name, identity.OrganizationID); err != nil {
		handleStoreError(w, r, err)
		return
	}
	a.auditRole(r, identity.ID, identity.OrganizationID, "role.delete", name)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) auditRole(r *http.Request, userID, orgID int64, action, name string) {
	a.recorder.Record(r.Context(), store.AuditEntry{
		OrganizationID: orgID,
		UserID:         userID,
		Action:         action,
		ResourceType:   "role",
		ResourceID:     name,
	})
}
