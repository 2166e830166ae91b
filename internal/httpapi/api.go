package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"grantledger.org/internal/acl"
	"grantledger.org/internal/audit"
	"grantledger.org/internal/events"
	"grantledger.org/internal/obs"
	"grantledger.org/internal/roles"
)

// ReadyProbe checks downstream readiness (e.g. database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the HTTP layer knobs wired from the environment.
type Config struct {
	Version string
	// Credentials maps principal -> bcrypt hash for token issuance. Empty
	// means any non-blank principal may obtain a token (dev mode).
	Credentials map[string]string
	TokenTTL    time.Duration
	RateBurst   int
	RatePerSec  int
	MaxBodySize int64
}

// API is the HTTP layer over the asset registry, authorization ledger and
// role registry.
type API struct {
	mux        *http.ServeMux
	svc        acl.Service
	roles      *roles.Registry
	stream     *events.Stream
	readyProbe ReadyProbe
	cfg        Config
}

func New(svc acl.Service, reg *roles.Registry, stream *events.Stream, rp ReadyProbe, cfg Config) *API {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}

	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		roles:      reg,
		stream:     stream,
		readyProbe: rp,
		cfg:        cfg,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleToken)
	a.mux.HandleFunc("/v1/assets", a.handleAssetsCollection)
	a.mux.HandleFunc("/v1/assets/", a.handleAssetResource)
	a.mux.HandleFunc("/v1/roles/assign", a.handleRoleAssign)
	a.mux.HandleFunc("/v1/roles/unassign", a.handleRoleUnassign)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleLookup)
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.cfg.MaxBodySize)
	h = RateLimit(h, a.cfg.RateBurst, a.cfg.RatePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "grantledger-api",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "grantledger-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// audit records a structured audit entry; failures only surface in logs.
func (a *API) audit(ctx context.Context, event, resourceType, id string, meta map[string]string) {
	fields := map[string]any{
		"resource_type": resourceType,
		"resource_id":   id,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
