package httpapi

import (
	"net/http"
	"strings"
	"time"

	"grantledger.org/internal/auth"
)

type tokenRequest struct {
	Principal string `json:"principal"`
	Secret    string `json:"secret"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	principal := strings.TrimSpace(req.Principal)
	if principal == "" {
		writeError(w, r, http.StatusBadRequest, "principal is required")
		return
	}

	// With configured credentials the secret must match the stored bcrypt
	// hash; without any, token issuance is open (dev mode).
	if len(a.cfg.Credentials) > 0 {
		hash, ok := a.cfg.Credentials[principal]
		if !ok || auth.VerifySecret(hash, req.Secret) != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
	}

	token, err := auth.GenerateToken(principal, a.cfg.TokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	a.audit(r.Context(), "auth.token.issue", "principal", principal, nil)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().UTC().Add(a.cfg.TokenTTL),
	})
}
