// Package pg implements the storage contract on PostgreSQL via the pgx
// stdlib driver. Every user, role and audit query carries an organization
// filter; primary keys alone are never trusted across tenants.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"clinicore.org/internal/store"
)

const (
	pgErrUniqueViolation = "23505"
)

// Store is the PostgreSQL-backed store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Options tune the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to PostgreSQL and applies pool settings.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (used by tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for readiness probes.
func (s *Store) DB() *sql.DB { return s.db }

// --- organizations ---

const orgColumns = `id, subdomain, name, region, settings, created_at, updated_at`

func (s *Store) scanOrganization(row *sql.Row) (store.Organization, error) {
	var (
		org         store.Organization
		rawSettings []byte
	)
	err := row.Scan(&org.ID, &org.Subdomain, &org.Name, &org.Region, &rawSettings, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Organization{}, store.ErrNotFound
	}
	if err != nil {
		return store.Organization{}, err
	}
	org.Settings = map[string]any{}
	if len(rawSettings) > 0 {
		if err := json.Unmarshal(rawSettings, &org.Settings); err != nil {
			return store.Organization{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return org, nil
}

func (s *Store) GetOrganizationBySubdomain(ctx context.Context, slug string) (store.Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+orgColumns+`
		from organizations
		where subdomain = $1
	`, strings.ToLower(slug))
	return s.scanOrganization(row)
}

func (s *Store) FirstOrganization(ctx context.Context) (store.Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+orgColumns+`
		from organizations
		order by id
		limit 1
	`)
	return s.scanOrganization(row)
}

func (s *Store) ListOrganizations(ctx context.Context) ([]store.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+orgColumns+`
		from organizations
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Organization
	for rows.Next() {
		var (
			org         store.Organization
			rawSettings []byte
		)
		if err := rows.Scan(&org.ID, &org.Subdomain, &org.Name, &org.Region, &rawSettings, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		org.Settings = map[string]any{}
		if len(rawSettings) > 0 {
			if err := json.Unmarshal(rawSettings, &org.Settings); err != nil {
				return nil, err
			}
		}
		result = append(result, org)
	}
	return result, rows.Err()
}

func (s *Store) CreateOrganization(ctx context.Context, org store.Organization) (store.Organization, error) {
	settings := []byte("{}")
	if len(org.Settings) > 0 {
		raw, err := json.Marshal(org.Settings)
		if err != nil {
			return store.Organization{}, fmt.Errorf("marshal settings: %w", err)
		}
		settings = raw
	}
	row := s.db.QueryRowContext(ctx, `
		insert into organizations (subdomain, name, region, settings)
		values ($1, $2, $3, $4)
		returning `+orgColumns+`
	`, strings.ToLower(strings.TrimSpace(org.Subdomain)), org.Name, strings.ToLower(org.Region), settings)
	created, err := s.scanOrganization(row)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Organization{}, store.ErrConflict
		}
		return store.Organization{}, err
	}
	return created, nil
}

// --- subscriptions ---

func (s *Store) GetSubscription(ctx context.Context, orgID int64) (store.Subscription, error) {
	var sub store.Subscription
	err := s.db.QueryRowContext(ctx, `
		select organization_id, status, expires_at, updated_at
		from subscriptions
		where organization_id = $1
	`, orgID).Scan(&sub.OrganizationID, &sub.Status, &sub.ExpiresAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Subscription{}, store.ErrNotFound
	}
	if err != nil {
		return store.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) UpsertSubscription(ctx context.Context, sub store.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		insert into subscriptions (organization_id, status, expires_at, updated_at)
		values ($1, $2, $3, now())
		on conflict (organization_id) do update
		set status = excluded.status, expires_at = excluded.expires_at, updated_at = now()
	`, sub.OrganizationID, strings.ToLower(sub.Status), sub.ExpiresAt)
	return err
}

// --- users ---

const userColumns = `id, organization_id, email, role, active, password_hash, first_name, last_name, created_at, updated_at`

func scanUser(row *sql.Row) (store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.Role, &u.Active, &u.PasswordHash, &u.FirstName, &u.LastName, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID, orgID int64) (store.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where id = $1 and organization_id = $2
	`, userID, orgID)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string, orgID int64) (store.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where email = $1 and organization_id = $2
	`, strings.ToLower(strings.TrimSpace(email)), orgID)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context, orgID int64) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+`
		from users
		where organization_id = $1
		order by id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.User
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.Role, &u.Active, &u.PasswordHash, &u.FirstName, &u.LastName, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, u store.User) (store.User, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into users (organization_id, email, role, active, password_hash, first_name, last_name)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+userColumns+`
	`, u.OrganizationID, strings.ToLower(strings.TrimSpace(u.Email)), strings.ToLower(u.Role), u.Active, u.PasswordHash, u.FirstName, u.LastName)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return store.User{}, store.ErrConflict
		}
		return store.User{}, err
	}
	return created, nil
}

func (s *Store) UpdateUser(ctx context.Context, userID, orgID int64, upd store.UserUpdate) (store.User, error) {
	// organization_id is immutable and deliberately not updatable here.
	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Email != nil {
		add("email", strings.ToLower(strings.TrimSpace(*upd.Email)))
	}
	if upd.Role != nil {
		add("role", strings.ToLower(*upd.Role))
	}
	if upd.Active != nil {
		add("active", *upd.Active)
	}
	if upd.PasswordHash != nil {
		add("password_hash", *upd.PasswordHash)
	}
	if upd.FirstName != nil {
		add("first_name", *upd.FirstName)
	}
	if upd.LastName != nil {
		add("last_name", *upd.LastName)
	}
	if len(sets) == 0 {
		return s.GetUser(ctx, userID, orgID)
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, userID, orgID)
	query := fmt.Sprintf(`
		update users set %s
		where id = $%d and organization_id = $%d
		returning `+userColumns,
		strings.Join(sets, ", "), len(args)-1, len(args))
	updated, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return store.User{}, store.ErrConflict
		}
		return store.User{}, err
	}
	return updated, nil
}

// --- roles ---

const roleColumns = `name, organization_id, display_name, description, system, modules, fields, created_at, updated_at`

func scanRole(row *sql.Row) (store.Role, error) {
	var (
		r                    store.Role
		rawModules, rawField []byte
	)
	err := row.Scan(&r.Name, &r.OrganizationID, &r.DisplayName, &r.Description, &r.System, &rawModules, &rawField, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Role{}, store.ErrNotFound
	}
	if err != nil {
		return store.Role{}, err
	}
	if err := decodeMatrices(&r, rawModules, rawField); err != nil {
		return store.Role{}, err
	}
	return r, nil
}

func decodeMatrices(r *store.Role, rawModules, rawFields []byte) error {
	r.Modules = map[string]store.ModuleActions{}
	if len(rawModules) > 0 {
		if err := json.Unmarshal(rawModules, &r.Modules); err != nil {
			return fmt.Errorf("decode module matrix: %w", err)
		}
	}
	r.Fields = map[string]store.FieldActions{}
	if len(rawFields) > 0 {
		if err := json.Unmarshal(rawFields, &r.Fields); err != nil {
			return fmt.Errorf("decode field matrix: %w", err)
		}
	}
	return nil
}

func encodeMatrices(r store.Role) (modules, fields []byte, err error) {
	modules = []byte("{}")
	if len(r.Modules) > 0 {
		if modules, err = json.Marshal(r.Modules); err != nil {
			return nil, nil, fmt.Errorf("marshal module matrix: %w", err)
		}
	}
	fields = []byte("{}")
	if len(r.Fields) > 0 {
		if fields, err = json.Marshal(r.Fields); err != nil {
			return nil, nil, fmt.Errorf("marshal field matrix: %w", err)
		}
	}
	return modules, fields, nil
}

// GetRoleByName prefers the organization's own role over a shared system
// role (organization_id 0) of the same name.
func (s *Store) GetRoleByName(ctx context.Context, name string, orgID int64) (store.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+roleColumns+`
		from roles
		where name = $1 and organization_id in ($2, 0)
		order by organization_id desc
		limit 1
	`, strings.ToLower(strings.TrimSpace(name)), orgID)
	return scanRole(row)
}

func (s *Store) ListRoles(ctx context.Context, orgID int64) ([]store.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+`
		from roles
		where organization_id in ($1, 0)
		order by name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Role
	for rows.Next() {
		var (
			r                    store.Role
			rawModules, rawField []byte
		)
		if err := rows.Scan(&r.Name, &r.OrganizationID, &r.DisplayName, &r.Description, &r.System, &rawModules, &rawField, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := decodeMatrices(&r, rawModules, rawField); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, role store.Role) (store.Role, error) {
	modules, fields, err := encodeMatrices(role)
	if err != nil {
		return store.Role{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (name, organization_id, display_name, description, system, modules, fields)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+roleColumns+`
	`, strings.ToLower(strings.TrimSpace(role.Name)), role.OrganizationID, role.DisplayName, role.Description, role.System, modules, fields)
	created, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Role{}, store.ErrConflict
		}
		return store.Role{}, err
	}
	return created, nil
}

func (s *Store) UpdateRole(ctx context.Context, role store.Role) (store.Role, error) {
	modules, fields, err := encodeMatrices(role)
	if err != nil {
		return store.Role{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		update roles
		set display_name = $3, description = $4, modules = $5, fields = $6, updated_at = now()
		where name = $1 and organization_id = $2
		returning `+roleColumns+`
	`, strings.ToLower(strings.TrimSpace(role.Name)), role.OrganizationID, role.DisplayName, role.Description, modules, fields)
	return scanRole(row)
}

func (s *Store) DeleteRole(ctx context.Context, name string, orgID int64) error {
	res, err := s.db.ExecContext(ctx, `
		delete from roles
		where name = $1 and organization_id = $2 and system = false
	`, strings.ToLower(strings.TrimSpace(name)), orgID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- audit trail ---

func (s *Store) CreateAuditTrailEntry(ctx context.Context, entry store.AuditEntry) error {
	detail := []byte("{}")
	if len(entry.Detail) > 0 {
		raw, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_trail (id, organization_id, user_id, action, resource_type, resource_id, detail, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.OrganizationID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID, detail, entry.Status, entry.CreatedAt)
	return err
}

// --- shared documents ---

func (s *Store) GetSharedDocument(ctx context.Context, slug string) (store.SharedDocument, error) {
	var doc store.SharedDocument
	err := s.db.QueryRowContext(ctx, `
		select slug, organization_id, title, content_type, expires_at, created_at
		from shared_documents
		where slug = $1
	`, strings.ToLower(slug)).Scan(&doc.Slug, &doc.OrganizationID, &doc.Title, &doc.ContentType, &doc.ExpiresAt, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SharedDocument{}, store.ErrNotFound
	}
	if err != nil {
		return store.SharedDocument{}, err
	}
	return doc, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
