package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"clinicore.org/internal/access"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/pipeline"
	"clinicore.org/internal/store"
)

// The records gateway fronts the clinical modules. It enforces the full
// permission chain for the named module and annotates reads with the
// sensitive fields the caller's role may not see; the record payloads
// themselves live in the per-module services behind it.

func knownModule(name string) bool {
	for _, m := range access.KnownModules() {
		if m == name {
			return true
		}
	}
	return false
}

func (a *API) handleListRecords(w http.ResponseWriter, r *http.Request) {
	module := strings.ToLower(chi.URLParam(r, "module"))
	if !knownModule(module) {
		writeError(w, r, http.StatusNotFound, "unknown module")
		return
	}
	identity, ok := a.requireModule(w, r, module, access.ActionView)
	if !ok {
		return
	}

	redacted := make([]string, 0, len(access.KnownFields()))
	for _, field := range access.KnownFields() {
		allowed, err := a.engine.HasFieldPermission(r.Context(), identity.OrganizationID, identity.Role, field, access.ActionView)
		if err != nil {
			handlePipelineError(w, r, err)
			return
		}
		if !allowed {
			redacted = append(redacted, field)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"module":          module,
		"organization_id": identity.OrganizationID,
		"redacted_fields": redacted,
		"items":           []any{},
	})
}

// Staff roles allowed to read their own schedule. Any role named "patient"
// is waved through by the coarse gate itself.
var appointmentViewerRoles = []string{access.RoleAdmin, "doctor", "nurse", "receptionist"}

func (a *API) handleMyAppointments(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !access.HasPermission(identity.Role, appointmentViewerRoles...) {
		obs.PipelineDenied("permission")
		handlePipelineError(w, r, &pipeline.PermissionDeniedError{Module: "appointments", Action: access.ActionView})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         identity.ID,
		"organization_id": identity.OrganizationID,
		"appointments":    []any{},
	})
}

func (a *API) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	module := strings.ToLower(chi.URLParam(r, "module"))
	if !knownModule(module) {
		writeError(w, r, http.StatusNotFound, "unknown module")
		return
	}
	identity, ok := a.requireModule(w, r, module, access.ActionCreate)
	if !ok {
		return
	}

	var payload map[string]any
	if err := decodeJSONLoose(w, r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	a.recorder.Record(r.Context(), store.AuditEntry{
		OrganizationID: identity.OrganizationID,
		UserID:         identity.ID,
		Action:         "record.create",
		ResourceType:   module,
		Detail:         map[string]string{"role": identity.Role},
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"module":          module,
		"organization_id": identity.OrganizationID,
		"accepted":        true,
	})
}
