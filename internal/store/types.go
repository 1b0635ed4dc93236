// Package store defines the domain records of the platform and the
// persistence contract the request pipeline consumes. Every lookup that can
// be scoped by organization is scoped by organization; a numeric id alone is
// never a sufficient key because two organizations may hold overlapping ids.
package store

import "time"

// Subscription statuses that keep a tenant serviceable. Any other status is
// treated as inactive.
const (
	SubscriptionTrial  = "trial"
	SubscriptionActive = "active"
)

// Organization is an isolated customer account (a tenant). Exactly one
// organization is resolved per request.
type Organization struct {
	ID        int64          `json:"id"`
	Subdomain string         `json:"subdomain"`
	Name      string         `json:"name"`
	Region    string         `json:"region"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Subscription carries the billing state of an organization.
type Subscription struct {
	OrganizationID int64      `json:"organization_id"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Active reports whether the subscription permits serving requests.
func (s Subscription) Active() bool {
	return s.Status == SubscriptionTrial || s.Status == SubscriptionActive
}

// User belongs to exactly one organization; OrganizationID is immutable
// after creation and is the invariant the isolation enforcer checks.
type User struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Active         bool      `json:"active"`
	PasswordHash   string    `json:"-"`
	FirstName      string    `json:"first_name,omitempty"`
	LastName       string    `json:"last_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ModuleActions is the per-module permission 4-tuple.
type ModuleActions struct {
	View   bool `json:"view"`
	Create bool `json:"create"`
	Edit   bool `json:"edit"`
	Delete bool `json:"delete"`
}

// FieldActions is the per-sensitive-field permission 2-tuple.
type FieldActions struct {
	View bool `json:"view"`
	Edit bool `json:"edit"`
}

// Role is scoped to one organization; OrganizationID 0 marks a shared
// system-wide role. Name is the lowercase stable key users reference.
// A module or field key absent from a matrix is denied, never granted.
type Role struct {
	Name           string                   `json:"name"`
	OrganizationID int64                    `json:"organization_id"`
	DisplayName    string                   `json:"display_name"`
	Description    string                   `json:"description,omitempty"`
	System         bool                     `json:"system"`
	Modules        map[string]ModuleActions `json:"modules"`
	Fields         map[string]FieldActions  `json:"fields"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// AuditEntry is an immutable, organization-scoped record of a mutating
// action. Entries are append-only and never queryable cross-organization.
type AuditEntry struct {
	ID             string            `json:"id"`
	OrganizationID int64             `json:"organization_id"`
	UserID         int64             `json:"user_id"`
	Action         string            `json:"action"`
	ResourceType   string            `json:"resource_type"`
	ResourceID     string            `json:"resource_id,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// SharedDocument is the public, unauthenticated document-sharing record.
// Only metadata lives here; the document body is an external concern.
type SharedDocument struct {
	Slug           string    `json:"slug"`
	OrganizationID int64     `json:"organization_id"`
	Title          string    `json:"title"`
	ContentType    string    `json:"content_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the share link has lapsed.
func (d SharedDocument) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}
