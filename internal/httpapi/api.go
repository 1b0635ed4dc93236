// Package httpapi is the HTTP surface of the platform. Every tenant-scoped
// route passes through the resolution/authentication pipeline before its
// handler runs; the system and share surfaces are deliberately outside it.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"clinicore.org/internal/access"
	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/pipeline"
	"clinicore.org/internal/store"
	"clinicore.org/internal/tenant"
)

// ReadyProbe reports storage readiness; a nil DB is always ready (the
// in-memory store has nothing to ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the wired dependencies of the API.
type Options struct {
	Store     store.Store
	Resolver  *tenant.Resolver
	Enforcer  *pipeline.Enforcer
	Engine    *access.Engine
	Recorder  *audit.Recorder
	Codec     *auth.Codec
	Ready     ReadyProbe
	SystemKey string
	Version   string

	RatePerSecond int
	RateBurst     int
	MaxBodyBytes  int64
}

// API is the HTTP layer.
type API struct {
	router   chi.Router
	store    store.Store
	resolver *tenant.Resolver
	enforcer *pipeline.Enforcer
	engine   *access.Engine
	recorder *audit.Recorder
	codec    *auth.Codec
	ready    ReadyProbe
	sysKey   string
	version  string
}

// New wires the routes. All dependencies except Ready and SystemKey are
// required.
func New(opts Options) (*API, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Resolver == nil:
		return nil, errors.New("tenant resolver is required")
	case opts.Enforcer == nil:
		return nil, errors.New("enforcer is required")
	case opts.Engine == nil:
		return nil, errors.New("access engine is required")
	case opts.Recorder == nil:
		return nil, errors.New("audit recorder is required")
	case opts.Codec == nil:
		return nil, errors.New("token codec is required")
	}

	a := &API{
		store:    opts.Store,
		resolver: opts.Resolver,
		enforcer: opts.Enforcer,
		engine:   opts.Engine,
		recorder: opts.Recorder,
		codec:    opts.Codec,
		ready:    opts.Ready,
		sysKey:   opts.SystemKey,
		version:  opts.Version,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(LoggingJSON)
	if opts.RatePerSecond > 0 {
		r.Use(RateLimit(opts.RatePerSecond, opts.RateBurst))
	}
	if opts.MaxBodyBytes > 0 {
		r.Use(MaxBodyBytes(opts.MaxBodyBytes))
	}
	r.Use(a.withPipeline)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.handleInfo)

		r.Post("/auth/login", a.handleLogin)
		r.Get("/auth/me", a.handleMe)
		r.Get("/me/permissions", a.handleMyPermissions)
		r.Get("/me/appointments", a.handleMyAppointments)
		r.Get("/compliance", a.handleCompliance)

		r.Route("/roles", func(r chi.Router) {
			r.Get("/", a.handleListRoles)
			r.Post("/", a.handleCreateRole)
			r.Get("/{name}", a.handleGetRole)
			r.Put("/{name}", a.handleUpdateRole)
			r.Delete("/{name}", a.handleDeleteRole)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", a.handleListUsers)
			r.Post("/", a.handleCreateUser)
			r.Patch("/{id}", a.handleUpdateUser)
		})

		r.Route("/records/{module}", func(r chi.Router) {
			r.Get("/", a.handleListRecords)
			r.Post("/", a.handleCreateRecord)
		})

		r.Route("/system", func(r chi.Router) {
			r.Use(a.requireSystemKey)
			r.Get("/organizations", a.handleSystemListOrganizations)
			r.Post("/organizations", a.handleSystemCreateOrganization)
			r.Put("/organizations/{id}/subscription", a.handleSystemUpsertSubscription)
		})
	})

	r.Get("/share/{slug}", a.handleSharedDocument)

	a.router = r
	return a, nil
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// Paths that are tenant-scoped but served without a credential.
var unauthenticatedPaths = map[string]bool{
	"/v1/auth/login": true,
	"/v1/info":       true,
}

// withPipeline runs tenant resolution and then authentication for every
// route that is not explicitly exempt. Handlers behind it can rely on a
// tenant context, and, unless the path is public, an identity.
func (a *API) withPipeline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant.BypassesResolution(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tc, err := a.resolver.Resolve(r.Context(), a.resolver.Hint(r))
		if err != nil {
			handlePipelineError(w, r, err)
			return
		}
		w.Header().Set("X-Data-Region", tc.Region)
		r = r.WithContext(tenant.ContextWith(r.Context(), tc))

		if unauthenticatedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := a.enforcer.Authenticate(r, tc)
		if err != nil {
			handlePipelineError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), identity)))
	})
}

// requireModule evaluates the caller's module permission and writes the
// failure response itself. The denial is audited.
func (a *API) requireModule(w http.ResponseWriter, r *http.Request, module, action string) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Identity{}, false
	}
	allowed, err := a.engine.HasModulePermission(r.Context(), identity.OrganizationID, identity.Role, module, action)
	if err != nil {
		handlePipelineError(w, r, err)
		return auth.Identity{}, false
	}
	if !allowed {
		obs.PipelineDenied("permission")
		a.recorder.Record(r.Context(), store.AuditEntry{
			OrganizationID: identity.OrganizationID,
			UserID:         identity.ID,
			Action:         "access.denied",
			ResourceType:   "module",
			ResourceID:     module,
			Detail:         map[string]string{"action": action, "role": identity.Role},
			Status:         audit.StatusFailure,
		})
		handlePipelineError(w, r, &pipeline.PermissionDeniedError{Module: module, Action: action})
		return auth.Identity{}, false
	}
	return identity, true
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "clinicore-api",
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"name":    "clinicore-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if tc, ok := tenant.FromContext(r.Context()); ok {
		resp["organization"] = map[string]any{
			"id":        tc.ID,
			"name":      tc.Name,
			"subdomain": tc.Subdomain,
			"region":    tc.Region,
			"demo":      tc.DemoMode,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
