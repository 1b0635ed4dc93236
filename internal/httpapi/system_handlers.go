package httpapi

import (
	"crypto/subtle"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"clinicore.org/internal/store"
)

// The system surface provisions organizations across tenants. It sits
// outside the tenant pipeline and is guarded by a deployment-level key
// instead of a user credential.

const systemKeyHeader = "X-System-Key"

var subdomainPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}$`)

func (a *API) requireSystemKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.sysKey == "" {
			writeError(w, r, http.StatusServiceUnavailable, "system surface disabled")
			return
		}
		key := r.Header.Get(systemKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.sysKey)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "invalid system key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createOrganizationRequest struct {
	Subdomain string         `json:"subdomain"`
	Name      string         `json:"name"`
	Region    string         `json:"region"`
	Settings  map[string]any `json:"settings"`
}

func (a *API) handleSystemListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := a.store.ListOrganizations(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

func (a *API) handleSystemCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	slug := strings.TrimSpace(strings.ToLower(req.Subdomain))
	if !subdomainPattern.MatchString(slug) {
		writeError(w, r, http.StatusBadRequest, "subdomain must be a lowercase slug")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}

	org, err := a.store.CreateOrganization(r.Context(), store.Organization{
		Subdomain: slug,
		Name:      strings.TrimSpace(req.Name),
		Region:    strings.TrimSpace(strings.ToLower(req.Region)),
		Settings:  req.Settings,
	})
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	// New organizations start on a trial subscription.
	if err := a.store.UpsertSubscription(r.Context(), store.Subscription{
		OrganizationID: org.ID,
		Status:         store.SubscriptionTrial,
	}); err != nil {
		handleStoreError(w, r, err)
		return
	}
	a.resolver.Invalidate(org.Subdomain)

	a.recorder.Record(r.Context(), store.AuditEntry{
		OrganizationID: org.ID,
		Action:         "organization.create",
		ResourceType:   "organization",
		ResourceID:     org.Subdomain,
	})
	writeJSON(w, http.StatusCreated, org)
}

type upsertSubscriptionRequest struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (a *API) handleSystemUpsertSubscription(w http.ResponseWriter, r *http.Request) {
	orgID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orgID <= 0 {
		writeError(w, r, http.StatusBadRequest, "organization id must be a positive integer")
		return
	}
	var req upsertSubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status := strings.TrimSpace(strings.ToLower(req.Status))
	if status == "" {
		writeError(w, r, http.StatusBadRequest, "status is required")
		return
	}

	org, err := a.fetchOrganization(r, orgID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	if err := a.store.UpsertSubscription(r.Context(), store.Subscription{
		OrganizationID: orgID,
		Status:         status,
		ExpiresAt:      req.ExpiresAt,
	}); err != nil {
		handleStoreError(w, r, err)
		return
	}
	a.resolver.Invalidate(org.Subdomain)

	a.recorder.Record(r.Context(), store.AuditEntry{
		OrganizationID: orgID,
		Action:         "subscription.update",
		ResourceType:   "subscription",
		ResourceID:     org.Subdomain,
		Detail:         map[string]string{"status": status},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) fetchOrganization(r *http.Request, orgID int64) (store.Organization, error) {
	orgs, err := a.store.ListOrganizations(r.Context())
	if err != nil {
		return store.Organization{}, err
	}
	for _, org := range orgs {
		if org.ID == orgID {
			return org, nil
		}
	}
	return store.Organization{}, store.ErrNotFound
}
