package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"grantledger.org/internal/auth"
	"grantledger.org/internal/roles"
)

type roleChangeRequest struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
}

type roleLookupResponse struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
	Assigned  bool   `json:"assigned"`
}

func (a *API) handleRoleAssign(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, true)
}

func (a *API) handleRoleUnassign(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, false)
}

func (a *API) changeRole(w http.ResponseWriter, r *http.Request, assign bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req roleChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	caller, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "caller identity missing")
		return
	}

	now := time.Now().UTC()
	var err error
	if assign {
		err = a.roles.Assign(r.Context(), caller, req.Principal, req.Role, now)
	} else {
		err = a.roles.Unassign(r.Context(), caller, req.Principal, req.Role, now)
	}
	if err != nil {
		handleRolesError(w, r, err)
		return
	}

	event := "role.assign"
	if !assign {
		event = "role.unassign"
	}
	a.audit(r.Context(), event, "principal", req.Principal, map[string]string{
		"role": req.Role,
	})
	writeJSON(w, http.StatusOK, roleLookupResponse{
		Principal: strings.TrimSpace(req.Principal),
		Role:      strings.TrimSpace(req.Role),
		Assigned:  assign,
	})
}

// handleRoleLookup serves GET /v1/roles/{principal}/{role}.
func (a *API) handleRoleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	segments := strings.Split(path, "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	principal, role := segments[0], segments[1]

	assigned, err := a.roles.IsAssigned(r.Context(), principal, role)
	if err != nil {
		handleRolesError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roleLookupResponse{
		Principal: principal,
		Role:      role,
		Assigned:  assigned,
	})
}

func handleRolesError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, roles.ErrEmptyInput), errors.Is(err, roles.ErrInvalidPrincipal):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, roles.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
