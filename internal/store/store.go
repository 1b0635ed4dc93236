package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: already exists")
)

// UserUpdate carries the mutable user attributes. OrganizationID is not
// among them on purpose.
type UserUpdate struct {
	Email        *string
	Role         *string
	Active       *bool
	PasswordHash *string
	FirstName    *string
	LastName     *string
}

// Store is the persistence contract the pipeline and handlers consume.
type Store interface {
	// Organizations.
	GetOrganizationBySubdomain(ctx context.Context, slug string) (Organization, error)
	// FirstOrganization returns the oldest stored organization; it backs the
	// deployment-bootstrap fallback and is not a tenant boundary.
	FirstOrganization(ctx context.Context) (Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)
	CreateOrganization(ctx context.Context, org Organization) (Organization, error)

	// Subscriptions.
	GetSubscription(ctx context.Context, orgID int64) (Subscription, error)
	UpsertSubscription(ctx context.Context, sub Subscription) error

	// Users. Every lookup is organization-scoped.
	GetUser(ctx context.Context, userID, orgID int64) (User, error)
	GetUserByEmail(ctx context.Context, email string, orgID int64) (User, error)
	ListUsers(ctx context.Context, orgID int64) ([]User, error)
	CreateUser(ctx context.Context, u User) (User, error)
	UpdateUser(ctx context.Context, userID, orgID int64, upd UserUpdate) (User, error)

	// Roles. A name resolves to the organization's own role first, then to a
	// shared system role of the same name.
	GetRoleByName(ctx context.Context, name string, orgID int64) (Role, error)
	ListRoles(ctx context.Context, orgID int64) ([]Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, name string, orgID int64) error

	// Audit trail, append-only.
	CreateAuditTrailEntry(ctx context.Context, entry AuditEntry) error

	// Public document sharing.
	GetSharedDocument(ctx context.Context, slug string) (SharedDocument, error)
}
