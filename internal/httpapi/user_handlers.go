package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"clinicore.org/internal/access"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/store"
)

const usersModule = "users"

const minPasswordLength = 10

type createUserRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type updateUserRequest struct {
	Role      *string `json:"role"`
	Active    *bool   `json:"active"`
	Password  *string `json:"password"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.requireModule(w, r, usersModule, access.ActionView)
	if !ok {
		return
	}
	users, err := a.store.ListUsers(r.Context(), identity.OrganizationID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.requireModule(w, r, usersModule, access.ActionCreate)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		writeError(w, r, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, r, http.StatusBadRequest,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}
	roleName, err := a.validRoleName(r, identity.OrganizationID, req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := a.store.CreateUser(r.Context(), store.User{
		OrganizationID: identity.OrganizationID,
		Email:          email,
		Role:           roleName,
		Active:         true,
		PasswordHash:   hash,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
	})
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	a.auditUser(r, identity, "user.create", user.ID, map[string]string{"email": user.Email, "role": user.Role})
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.requireModule(w, r, usersModule, access.ActionEdit)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, r, http.StatusBadRequest, "user id must be a positive integer")
		return
	}

	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	upd := store.UserUpdate{
		Active:    req.Active,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}
	detail := map[string]string{}
	if req.Role != nil {
		roleName, err := a.validRoleName(r, identity.OrganizationID, *req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		upd.Role = &roleName
		detail["role"] = roleName
	}
	if req.Active != nil {
		detail["active"] = strconv.FormatBool(*req.Active)
	}
	if req.Password != nil {
		if len(*req.Password) < minPasswordLength {
			writeError(w, r, http.StatusBadRequest,
				fmt.Sprintf("password must be at least %d characters", minPasswordLength))
			return
		}
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		upd.PasswordHash = &hash
		detail["password"] = "rotated"
	}

	// The update is scoped to the caller's organization; a foreign user id
	// comes back as not found, never as another tenant's record.
	user, err := a.store.UpdateUser(r.Context(), userID, identity.OrganizationID, upd)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	a.auditUser(r, identity, "user.update", user.ID, detail)
	writeJSON(w, http.StatusOK, user)
}

// validRoleName checks the assigned role exists for the organization (or as
// a shared system role). Admin and patient are built in.
func (a *API) validRoleName(r *http.Request, orgID int64, name string) (string, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "", errors.New("role is required")
	}
	if name == access.RoleAdmin || name == access.RolePatient {
		return name, nil
	}
	if _, err := a.store.GetRoleByName(r.Context(), name, orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("role %q does not exist", name)
		}
		return "", errors.New("internal error")
	}
	return name, nil
}

func (a *API) auditUser(r *http.Request, identity auth.Identity, action string, subjectID int64, detail map[string]string) {
	a.recorder.Record(r.Context(), store.AuditEntry{
		OrganizationID: identity.OrganizationID,
		UserID:         identity.ID,
		Action:         action,
		ResourceType:   "user",
		ResourceID:     strconv.FormatInt(subjectID, 10),
		Detail:         detail,
	})
}
