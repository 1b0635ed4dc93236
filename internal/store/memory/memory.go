// Package memory provides an in-memory Store used for demo deployments
// without a database and for tests. All lookups honor the same
// organization-scoping rules as the postgres implementation.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"clinicore.org/internal/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu            sync.RWMutex
	orgs          []store.Organization
	subscriptions map[int64]store.Subscription
	users         []store.User
	roles         []store.Role
	audit         []store.AuditEntry
	shared        map[string]store.SharedDocument
	nextOrgID     int64
	nextUserID    int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		subscriptions: make(map[int64]store.Subscription),
		shared:        make(map[string]store.SharedDocument),
		nextOrgID:     1,
		nextUserID:    1,
	}
}

func (s *Store) GetOrganizationBySubdomain(_ context.Context, slug string) (store.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slug = strings.ToLower(slug)
	for _, org := range s.orgs {
		if org.Subdomain == slug {
			return org, nil
		}
	}
	return store.Organization{}, store.ErrNotFound
}

func (s *Store) FirstOrganization(_ context.Context) (store.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.orgs) == 0 {
		return store.Organization{}, store.ErrNotFound
	}
	return s.orgs[0], nil
}

func (s *Store) ListOrganizations(_ context.Context) ([]store.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Organization, len(s.orgs))
	copy(out, s.orgs)
	return out, nil
}

func (s *Store) CreateOrganization(_ context.Context, org store.Organization) (store.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org.Subdomain = strings.ToLower(strings.TrimSpace(org.Subdomain))
	for _, existing := range s.orgs {
		if existing.Subdomain == org.Subdomain {
			return store.Organization{}, store.ErrConflict
		}
	}
	org.ID = s.nextOrgID
	s.nextOrgID++
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now
	s.orgs = append(s.orgs, org)
	return org, nil
}

func (s *Store) GetSubscription(_ context.Context, orgID int64) (store.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[orgID]
	if !ok {
		return store.Subscription{}, store.ErrNotFound
	}
	return sub, nil
}

func (s *Store) UpsertSubscription(_ context.Context, sub store.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.OrganizationID] = sub
	return nil
}

func (s *Store) GetUser(_ context.Context, userID, orgID int64) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == userID && u.OrganizationID == orgID {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (s *Store) GetUserByEmail(_ context.Context, email string, orgID int64) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email && u.OrganizationID == orgID {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, orgID int64) ([]store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.User
	for _, u := range s.users {
		if u.OrganizationID == orgID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, u store.User) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	for _, existing := range s.users {
		if existing.Email == u.Email && existing.OrganizationID == u.OrganizationID {
			return store.User{}, store.ErrConflict
		}
	}
	u.ID = s.nextUserID
	s.nextUserID++
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users = append(s.users, u)
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, userID, orgID int64, upd store.UserUpdate) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.users {
		if u.ID != userID || u.OrganizationID != orgID {
			continue
		}
		if upd.Email != nil {
			u.Email = strings.ToLower(strings.TrimSpace(*upd.Email))
		}
		if upd.Role != nil {
			u.Role = *upd.Role
		}
		if upd.Active != nil {
			u.Active = *upd.Active
		}
		if upd.PasswordHash != nil {
			u.PasswordHash = *upd.PasswordHash
		}
		if upd.FirstName != nil {
			u.FirstName = *upd.FirstName
		}
		if upd.LastName != nil {
			u.LastName = *upd.LastName
		}
		u.UpdatedAt = time.Now().UTC()
		s.users[i] = u
		return u, nil
	}
	return store.User{}, store.ErrNotFound
}

func (s *Store) GetRoleByName(_ context.Context, name string, orgID int64) (store.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name = strings.ToLower(strings.TrimSpace(name))
	var shared *store.Role
	for i, r := range s.roles {
		if r.Name != name {
			continue
		}
		if r.OrganizationID == orgID {
			return r, nil
		}
		if r.OrganizationID == 0 {
			shared = &s.roles[i]
		}
	}
	if shared != nil {
		return *shared, nil
	}
	return store.Role{}, store.ErrNotFound
}

func (s *Store) ListRoles(_ context.Context, orgID int64) ([]store.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Role
	for _, r := range s.roles {
		if r.OrganizationID == orgID || r.OrganizationID == 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) CreateRole(_ context.Context, role store.Role) (store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role.Name = strings.ToLower(strings.TrimSpace(role.Name))
	for _, existing := range s.roles {
		if existing.Name == role.Name && existing.OrganizationID == role.OrganizationID {
			return store.Role{}, store.ErrConflict
		}
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	s.roles = append(s.roles, role)
	return role, nil
}

func (s *Store) UpdateRole(_ context.Context, role store.Role) (store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role.Name = strings.ToLower(strings.TrimSpace(role.Name))
	for i, existing := range s.roles {
		if existing.Name == role.Name && existing.OrganizationID == role.OrganizationID {
			role.CreatedAt = existing.CreatedAt
			role.System = existing.System
			role.UpdatedAt = time.Now().UTC()
			s.roles[i] = role
			return role, nil
		}
	}
	return store.Role{}, store.ErrNotFound
}

func (s *Store) DeleteRole(_ context.Context, name string, orgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.ToLower(strings.TrimSpace(name))
	for i, existing := range s.roles {
		if existing.Name == name && existing.OrganizationID == orgID {
			s.roles = append(s.roles[:i], s.roles[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) CreateAuditTrailEntry(_ context.Context, entry store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns the audit trail for one organization only.
func (s *Store) AuditEntries(orgID int64) []store.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AuditEntry
	for _, e := range s.audit {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) GetSharedDocument(_ context.Context, slug string) (store.SharedDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.shared[strings.ToLower(slug)]
	if !ok {
		return store.SharedDocument{}, store.ErrNotFound
	}
	return doc, nil
}

// PutSharedDocument registers a share link (seed/demo helper).
func (s *Store) PutSharedDocument(doc store.SharedDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Slug = strings.ToLower(doc.Slug)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	s.shared[doc.Slug] = doc
}
