package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"grantledger.org/internal/acl"
	"grantledger.org/internal/obs"
)

// addGrantsRequest covers both the single-grant and batch forms. The batch
// arrays are parallel: element i of each describes one grant.
type addGrantsRequest struct {
	Principal       string `json:"principal,omitempty"`
	Role            string `json:"role,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`

	Principals       []string `json:"principals,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	DurationsSeconds []int64  `json:"durations_seconds,omitempty"`
}

type removeGrantsRequest struct {
	Principals []string `json:"principals"`
}

type listGrantsResponse struct {
	Key    string      `json:"key"`
	Count  int         `json:"count"`
	Grants []acl.Grant `json:"grants"`
}

type accessResponse struct {
	Key        string    `json:"key"`
	Principal  string    `json:"principal"`
	Authorized bool      `json:"authorized"`
	At         time.Time `json:"at"`
}

func (a *API) addGrants(w http.ResponseWriter, r *http.Request, key string) {
	var req addGrantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	call, err := a.callerCall(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	if len(req.Principals) > 0 || len(req.Roles) > 0 || len(req.DurationsSeconds) > 0 {
		if req.Principal != "" || req.Role != "" {
			writeError(w, r, http.StatusBadRequest, "single and batch grant forms are mutually exclusive")
			return
		}
		roles := make([]acl.Role, len(req.Roles))
		for i, role := range req.Roles {
			roles[i] = acl.Role(role)
		}
		var durations []time.Duration
		if req.DurationsSeconds != nil {
			durations = make([]time.Duration, len(req.DurationsSeconds))
			for i, secs := range req.DurationsSeconds {
				durations[i] = time.Duration(secs) * time.Second
			}
		}
		if err := a.svc.AddGrantBatchWithDuration(r.Context(), call, key, req.Principals, roles, durations); err != nil {
			handleACLError(w, r, err)
			return
		}
		a.audit(r.Context(), "authorization.create_batch", "asset", key, map[string]string{
			"count": strconv.Itoa(len(req.Principals)),
		})
		writeJSON(w, http.StatusCreated, map[string]any{
			"key":     key,
			"granted": len(req.Principals),
		})
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	grant, err := a.svc.AddGrant(r.Context(), call, key, strings.TrimSpace(req.Principal), acl.Role(req.Role), duration)
	if err != nil {
		handleACLError(w, r, err)
		return
	}
	a.audit(r.Context(), "authorization.create", "asset", key, map[string]string{
		"principal": grant.Principal,
		"role":      string(grant.Role),
	})
	w.Header().Set("Location", "/v1/assets/"+key+"/grants/"+grant.Principal)
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) removeGrant(w http.ResponseWriter, r *http.Request, key, principal string) {
	call, err := a.callerCall(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.svc.RemoveGrant(r.Context(), call, key, principal); err != nil {
		handleACLError(w, r, err)
		return
	}
	a.audit(r.Context(), "authorization.remove", "asset", key, map[string]string{
		"principal": principal,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) removeGrantBatch(w http.ResponseWriter, r *http.Request, key string) {
	var req removeGrantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Principals) == 0 {
		writeError(w, r, http.StatusBadRequest, "principals are required")
		return
	}
	call, err := a.callerCall(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.svc.RemoveGrantBatch(r.Context(), call, key, req.Principals); err != nil {
		handleACLError(w, r, err)
		return
	}
	a.audit(r.Context(), "authorization.remove_batch", "asset", key, map[string]string{
		"count": strconv.Itoa(len(req.Principals)),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getGrant(w http.ResponseWriter, r *http.Request, key, principal string) {
	grant, err := a.svc.GetGrant(r.Context(), key, principal)
	if err != nil {
		handleACLError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// listGrants enumerates every grant slot, revoked entries included.
func (a *API) listGrants(w http.ResponseWriter, r *http.Request, key string) {
	count, err := a.svc.GrantCount(r.Context(), key)
	if err != nil {
		handleACLError(w, r, err)
		return
	}
	grants := make([]acl.Grant, 0, count)
	for i := 0; i < count; i++ {
		g, err := a.svc.GrantAt(r.Context(), key, i)
		if err != nil {
			handleACLError(w, r, err)
			return
		}
		grants = append(grants, g)
	}
	writeJSON(w, http.StatusOK, listGrantsResponse{
		Key:    key,
		Count:  count,
		Grants: grants,
	})
}

// access evaluates the caller's own access and writes an access.log entry in
// the event stream.
func (a *API) access(w http.ResponseWriter, r *http.Request, key string) {
	call, err := a.callerCall(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	decision, err := a.svc.Access(r.Context(), call, key)
	if err != nil {
		handleACLError(w, r, err)
		return
	}
	obs.AccessDecision(decision.Granted)
	writeJSON(w, http.StatusOK, decision)
}

// isAuthorized is the pure read: any principal, optional ?at= unix seconds.
func (a *API) isAuthorized(w http.ResponseWriter, r *http.Request, key, principal string) {
	at := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "at must be a unix timestamp in seconds")
			return
		}
		at = time.Unix(secs, 0).UTC()
	}
	authorized, err := a.svc.IsAuthorized(r.Context(), key, principal, at)
	if err != nil {
		handleACLError(w, r, err)
		return
	}
	obs.AccessDecision(authorized)
	writeJSON(w, http.StatusOK, accessResponse{
		Key:        key,
		Principal:  principal,
		Authorized: authorized,
		At:         at,
	})
}
