package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/auth"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/bank"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/stream"
)

const serviceName = "safe-unit-track"

// ReadyProbe checks downstream dependencies (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the HTTP layer.
type Options struct {
	Version       string
	Tokens        *auth.Tokens
	IssuerKey     auth.IssuerKey
	TokenTTL      time.Duration
	Stream        *stream.Stream
	Idempotency   IdempotencyStore
	RateBurst     int
	RatePerSec    int
	MaxBodyBytes  int64
	AllowedOrigin string
}

// API is the HTTP transport over the engine facade.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        *bank.Service
	tokens     *auth.Tokens
	issuerKey  auth.IssuerKey
	tokenTTL   time.Duration
	stream     *stream.Stream
	idem       IdempotencyStore
	validate   *validator.Validate

	rateBurst     int
	ratePerSec    int
	maxBody       int64
	allowedOrigin string
}

func New(rp ReadyProbe, svc *bank.Service, opts Options) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		version:       opts.Version,
		svc:           svc,
		tokens:        opts.Tokens,
		issuerKey:     opts.IssuerKey,
		tokenTTL:      opts.TokenTTL,
		stream:        opts.Stream,
		idem:          opts.Idempotency,
		validate:      newValidator(),
		rateBurst:     opts.RateBurst,
		ratePerSec:    opts.RatePerSec,
		maxBody:       opts.MaxBodyBytes,
		allowedOrigin: opts.AllowedOrigin,
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = time.Hour
	}
	if a.idem == nil {
		a.idem = NewMemoryIdempotency(24 * time.Hour)
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("GET /v1/stream", a.Stream)

	a.mux.HandleFunc("POST /v1/donations", a.submitDonation)
	a.mux.HandleFunc("GET /v1/donations", a.listDonations)
	a.mux.HandleFunc("GET /v1/donations/{id}", a.getDonation)
	a.mux.HandleFunc("POST /v1/donations/{id}/verify", a.verifyDonation)

	a.mux.HandleFunc("POST /v1/requests", a.submitRequest)
	a.mux.HandleFunc("GET /v1/requests", a.listRequests)
	a.mux.HandleFunc("GET /v1/requests/{id}", a.getRequest)
	a.mux.HandleFunc("POST /v1/requests/{id}/match", a.matchRequest)
	a.mux.HandleFunc("POST /v1/requests/{id}/cancel", a.cancelRequest)
	a.mux.HandleFunc("POST /v1/requests/{id}/fulfill", a.fulfillRequest)

	a.mux.HandleFunc("GET /v1/hospitals", a.listHospitals)
	a.mux.HandleFunc("POST /v1/hospitals", a.registerHospital)
	a.mux.HandleFunc("POST /v1/hospitals/{id}/verify", a.verifyHospital)
	a.mux.HandleFunc("GET /v1/hospitals/{id}/inventory", a.getInventory)

	a.mux.HandleFunc("POST /v1/profiles", a.registerProfile)
	a.mux.HandleFunc("GET /v1/profiles/{id}", a.getProfile)
	a.mux.HandleFunc("PUT /v1/profiles/{id}", a.updateProfile)

	a.mux.HandleFunc("GET /v1/users/{id}/roles", a.listRoles)
	a.mux.HandleFunc("POST /v1/users/{id}/roles", a.grantRole)
	a.mux.HandleFunc("DELETE /v1/users/{id}/roles/{role}", a.revokeRole)

	a.mux.HandleFunc("GET /v1/audit", a.getAuditChain)
	a.mux.HandleFunc("GET /v1/audit/verify", a.verifyAuditChain)

	return a
}

// Handler returns the mux wrapped in the middleware chain and metrics.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.allowedOrigin)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
