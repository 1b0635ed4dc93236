package auth

import (
	"context"
	"net/http"
)

// Identity is the authenticated caller attached to a request after the
// isolation pipeline has verified token, tenant match and user liveness.
type Identity struct {
	ID             int64
	OrganizationID int64
	Email          string
	Role           string
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}

// TokenFromRequest returns the bearer token of a request. The Authorization
// header is authoritative; the "token" query parameter is accepted for
// transports that cannot set headers, such as embedded document viewers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if token, ok := BearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
