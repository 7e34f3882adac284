// Package httpserver exposes the ledgersync HTTP API.
package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/ledgersync/internal/convert"
	"github.com/and161185/ledgersync/internal/service"
)

// ReadinessChecker reports whether a dependency is reachable.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// Options tunes the router.
type Options struct {
	// TrustProxy makes the force-sync limiter key on X-Forwarded-For.
	TrustProxy bool
}

// Server wires services into HTTP handlers.
type Server struct {
	tokens   service.TokenService
	accounts service.AccountService
	ready    ReadinessChecker
	log      *zap.Logger
	opts     Options
}

// New constructs the HTTP API with injected services. ready may be nil.
func New(tokens service.TokenService, accounts service.AccountService, ready ReadinessChecker, log *zap.Logger, opts Options) *Server {
	return &Server{tokens: tokens, accounts: accounts, ready: ready, log: log, opts: opts}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(ClientIP(s.opts.TrustProxy), Metrics(), Logging(s.log), Recover(s.log))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "no such route", 0)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed", 0)
	})

	r.Get("/health", s.Health)
	r.Get("/health/ready", s.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/login", s.Login)
	r.Get("/callback", s.Callback)
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.Login)
		r.Get("/callback", s.Callback)
		r.Get("/status", s.AuthStatus)
	})

	r.Get("/accounts", s.ListAccounts)
	r.Get("/accounts/{qbo_id}", s.GetAccount)

	r.Get("/sync/status", s.SyncStatus)
	r.Post("/sync", s.RunSync)
	return r
}

// --- Health ---

// Health is the liveness probe.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HealthReady pings the database.
func (s *Server) HealthReady(w http.ResponseWriter, r *http.Request) {
	if s.ready == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "no database"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ready.Ping(ctx); err != nil {
		s.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth ---

// Login redirects to the authorization server.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	u, err := s.tokens.AuthorizationURL()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// Callback completes the authorization code flow.
func (s *Server) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, codeUpstream, "authorization denied: "+e, 0)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "missing code", 0)
		return
	}
	if err := s.tokens.VerifyState(q.Get("state")); err != nil {
		s.fail(w, r, err)
		return
	}
	realmID := q.Get("realmId")
	if realmID == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "missing realmId", 0)
		return
	}
	tok, err := s.tokens.Exchange(r.Context(), code, realmID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToCallbackResponse(*tok))
}

// AuthStatus reports whether a credential is stored.
func (s *Server) AuthStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.tokens.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToConnectionStatus(st))
}

// --- Accounts ---

// ListAccounts serves GET /accounts?name_prefix=&force_from_api=.
func (s *Server) ListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	force := false
	if v := q.Get("force_from_api"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "force_from_api must be a boolean", 0)
			return
		}
		force = b
	}
	if force && !s.allowForce(w, r) {
		return
	}
	as, err := s.accounts.GetAccountsWithSync(r.Context(), q.Get("name_prefix"), force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToAccounts(as))
}

// GetAccount serves one account with its ancestors.
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "qbo_id")
	a, err := s.accounts.GetAccount(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	anc, err := s.accounts.Ancestors(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToAccountDetail(*a, anc))
}

// --- Sync ---

// SyncStatus reports checkpoint freshness.
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.accounts.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToSyncStatus(st))
}

// RunSync triggers a forced pass and returns its summary.
func (s *Server) RunSync(w http.ResponseWriter, r *http.Request) {
	if !s.allowForce(w, r) {
		return
	}
	res, err := s.accounts.Sync(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToSyncResult(res))
}

// allowForce charges the caller's forced-sync budget and writes the rejection itself.
func (s *Server) allowForce(w http.ResponseWriter, r *http.Request) bool {
	ip, _ := ClientIPFromCtx(r.Context())
	if err := s.accounts.AllowForce(r.Context(), ip); err != nil {
		s.fail(w, r, err)
		return false
	}
	return true
}
