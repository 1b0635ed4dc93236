package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"clinicore.org/internal/access"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/pipeline"
	"clinicore.org/internal/store"
	"clinicore.org/internal/tenant"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeJSONLoose decodes without rejecting unknown fields, for payloads
// whose shape is owned by a downstream module.
func decodeJSONLoose(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	if err := json.NewDecoder(reader).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

// handlePipelineError maps the typed failures of the request pipeline onto
// HTTP statuses. Unrecognized errors are reported as opaque 500s.
func handlePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *pipeline.PermissionDeniedError
	switch {
	case errors.Is(err, pipeline.ErrAuthenticationRequired), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, pipeline.ErrTenantAccessDenied):
		writeError(w, r, http.StatusForbidden, "tenant access denied")
	case errors.Is(err, access.ErrRoleNotFound):
		writeError(w, r, http.StatusNotFound, "role not found")
	case errors.As(err, &denied):
		writeError(w, r, http.StatusForbidden, denied.Error())
	case errors.Is(err, tenant.ErrSubscriptionInactive):
		writeError(w, r, http.StatusForbidden, "subscription inactive")
	case errors.Is(err, tenant.ErrNoTenant):
		writeError(w, r, http.StatusNotFound, "organization not found")
	case errors.Is(err, pipeline.ErrMissingTenantContext):
		writeError(w, r, http.StatusInternalServerError, "tenant context missing")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource already exists")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
