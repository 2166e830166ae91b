package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grantledger.org/internal/acl"
	"grantledger.org/internal/auth"
)

type createAssetRequest struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

type transferRequest struct {
	NewOwner string `json:"new_owner"`
}

type listAssetsResponse struct {
	Count int      `json:"count"`
	Keys  []string `json:"keys"`
	AsOf  time.Time `json:"as_of"`
}

func (a *API) handleAssetsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAsset(w, r)
	case http.MethodGet:
		a.listAssets(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleAssetResource routes /v1/assets/{key}[/...] by path segments.
func (a *API) handleAssetResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/assets/")
	if path == "" || strings.HasSuffix(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	segments := strings.Split(path, "/")
	key := segments[0]

	switch len(segments) {
	case 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAsset(w, r, key)
	case 2:
		switch segments[1] {
		case "transfer":
			if r.Method != http.MethodPost {
				methodNotAllowed(w, r, http.MethodPost)
				return
			}
			a.transferOwnership(w, r, key)
		case "grants":
			switch r.Method {
			case http.MethodPost:
				a.addGrants(w, r, key)
			case http.MethodGet:
				a.listGrants(w, r, key)
			default:
				methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
			}
		case "access":
			if r.Method != http.MethodPost {
				methodNotAllowed(w, r, http.MethodPost)
				return
			}
			a.access(w, r, key)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	case 3:
		switch segments[1] {
		case "grants":
			if segments[2] == "remove" && r.Method == http.MethodPost {
				a.removeGrantBatch(w, r, key)
				return
			}
			switch r.Method {
			case http.MethodGet:
				a.getGrant(w, r, key, segments[2])
			case http.MethodDelete:
				a.removeGrant(w, r, key, segments[2])
			default:
				methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
			}
		case "access":
			if r.Method != http.MethodGet {
				methodNotAllowed(w, r, http.MethodGet)
				return
			}
			a.isAuthorized(w, r, key, segments[2])
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createAsset(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	call, err := a.callerCall(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	asset, err := a.svc.CreateAsset(r.Context(), call, req.Key, req.Description)
	if err != nil {
		handleACLError(w, r, err)
		return
	}

	a.audit(r.Context(), "asset.create", "asset", asset.Key, map[string]string{
		"owner": asset.Owner,
	})

	w.Header().Set("Location", "/v1/assets/"+asset.Key)
	writeJSON(w, http.StatusCreated, asset)
}

func (a *API) getAsset(w http.ResponseWriter, r *http.Request, key string) {
	asset, err := a.svc.GetAsset(r.Context(), key)
	if err != nil {
		handleACLError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (a *API) listAssets(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
	}

	count, err := a.svc.AssetCount(r.Context())
	if err != nil {
		handleACLError(w, r, err)
		return
	}
	keys := make([]string, 0, limit)
	for i := offset; i < count && len(keys) < limit; i++ {
		key, err := a.svc.AssetKeyAt(r.Context(), i)
		if err != nil {
			handleACLError(w, r, err)
			return
		}
		keys = append(keys, key)
	}
	writeJSON(w, http.StatusOK, listAssetsResponse{
		Count: count,
		Keys:  keys,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) transferOwnership(w http.ResponseWriter, r *http.Request, key string) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	call, err := a.callerCall(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	asset, err := a.svc.TransferOwnership(r.Context(), call, key, strings.TrimSpace(req.NewOwner))
	if err != nil {
		handleACLError(w, r, err)
		return
	}

	a.audit(r.Context(), "asset.transfer", "asset", key, map[string]string{
		"new_owner": asset.Owner,
	})
	writeJSON(w, http.StatusOK, asset)
}

// callerCall builds the per-operation Call from the authenticated principal
// and the server clock.
func (a *API) callerCall(r *http.Request) (acl.Call, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return acl.Call{}, errors.New("caller identity missing")
	}
	return acl.Call{Caller: principal, Now: time.Now().UTC()}, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleACLError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, acl.ErrEmptyInput),
		errors.Is(err, acl.ErrInvalidPrincipal),
		errors.Is(err, acl.ErrMissingExpiration),
		errors.Is(err, acl.ErrLengthMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, acl.ErrDuplicateKey):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, acl.ErrNotFound), errors.Is(err, acl.ErrIndexOutOfRange):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, acl.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
