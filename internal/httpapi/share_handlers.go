package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleSharedDocument serves public share-link metadata. The surface is
// intentionally unauthenticated and tenant-unscoped: the slug is an
// unguessable capability and the only key.
func (a *API) handleSharedDocument(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(strings.ToLower(chi.URLParam(r, "slug")))
	if slug == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	doc, err := a.store.GetSharedDocument(r.Context(), slug)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if doc.Expired(time.Now().UTC()) {
		writeError(w, r, http.StatusGone, "share link expired")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"slug":         doc.Slug,
		"title":        doc.Title,
		"content_type": doc.ContentType,
		"expires_at":   doc.ExpiresAt,
	})
}
