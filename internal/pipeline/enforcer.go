// Package pipeline composes tenant resolution, token verification, the
// cross-tenant check and user liveness into the per-request isolation
// enforcer. Each request advances Unresolved → TenantResolved →
// Authenticated → IsolationVerified; any stage may terminate the chain
// with a typed failure, and a later stage never runs after an earlier one
// has failed.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"clinicore.org/internal/auth"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/store"
	"clinicore.org/internal/tenant"
)

var (
	// ErrMissingTenantContext indicates no tenant was established before
	// authentication; checked defensively ahead of any data access.
	ErrMissingTenantContext = errors.New("missing tenant context")

	// ErrAuthenticationRequired indicates an absent credential, or a
	// syntactically valid token whose user no longer exists or is inactive.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrTenantAccessDenied indicates the credential's organization differs
	// from the resolved tenant. This is the single check that prevents a
	// valid credential for organization A from being used against
	// organization B's context.
	ErrTenantAccessDenied = errors.New("tenant access denied")
)

// PermissionDeniedError reports a missing module/action grant.
type PermissionDeniedError struct {
	Module string
	Action string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s on %s", e.Action, e.Module)
}

// Enforcer authenticates a request against its resolved tenant.
type Enforcer struct {
	codec *auth.Codec
	store store.Store
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(codec *auth.Codec, st store.Store) (*Enforcer, error) {
	if codec == nil {
		return nil, errors.New("token codec is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	return &Enforcer{codec: codec, store: st}, nil
}

// Authenticate verifies the request credential and the core isolation
// invariant against the resolved tenant, then re-reads the live user
// record. A token stays syntactically valid for its full lifetime even
// after the user is deactivated, so liveness is checked against storage on
// every request, never inferred from the token.
func (e *Enforcer) Authenticate(r *http.Request, tc tenant.Context) (auth.Identity, error) {
	if tc.ID == 0 {
		e.deny(r, "missing_tenant", "")
		return auth.Identity{}, ErrMissingTenantContext
	}

	token, ok := auth.TokenFromRequest(r)
	if !ok {
		e.deny(r, "missing_credential", "")
		return auth.Identity{}, ErrAuthenticationRequired
	}

	claims, err := e.codec.Verify(token)
	if err != nil {
		e.deny(r, "invalid_token", "")
		return auth.Identity{}, auth.ErrInvalidToken
	}

	if claims.OrganizationID != tc.ID {
		e.deny(r, "cross_tenant", claims.Role)
		return auth.Identity{}, ErrTenantAccessDenied
	}

	user, err := e.store.GetUser(r.Context(), claims.UserID, claims.OrganizationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.deny(r, "unknown_user", claims.Role)
			return auth.Identity{}, ErrAuthenticationRequired
		}
		return auth.Identity{}, err
	}
	if !user.Active {
		e.deny(r, "inactive_user", user.Role)
		return auth.Identity{}, ErrAuthenticationRequired
	}

	return auth.Identity{
		ID:             user.ID,
		OrganizationID: user.OrganizationID,
		Email:          user.Email,
		Role:           user.Role,
	}, nil
}

// deny logs the abort decision for operational diagnosis. The credential
// itself is never logged.
func (e *Enforcer) deny(r *http.Request, reason, role string) {
	obs.PipelineDenied(reason)
	fields := map[string]any{
		"reason": reason,
		"method": r.Method,
		"path":   r.URL.Path,
	}
	if role != "" {
		fields["role"] = role
	}
	obs.Log("info", "pipeline_denied", fields)
}
