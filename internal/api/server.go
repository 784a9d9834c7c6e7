package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/internal/auth"
	"github.com/org/secretapproval/internal/policy"
	"github.com/org/secretapproval/internal/secret"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/pkg/models"
)

// tokenHeader carries the caller's plaintext token.
const tokenHeader = "X-Approvals-Token"

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	Version        string
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	store   storage.Backend
	engine  *approval.Engine
	tokens  *auth.TokenService
	policy  *policy.Engine
	secrets *secret.Service
	auditor AuditLogger
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.Backend, engine *approval.Engine, tokens *auth.TokenService, auditor AuditLogger, cfg Config) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}
	policyEng := policy.NewEngine(store)
	return &Server{
		store:   store,
		engine:  engine,
		tokens:  tokens,
		policy:  policyEng,
		secrets: secret.NewService(store, policyEng),
		auditor: auditor,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{tokenHeader, "Content-Type", "Idempotency-Key"},
			ExposedHeaders: []string{"X-Request-ID"},
		}).Handler)
	}
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	r.Use(auditMiddleware(s.auditor))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes (no auth required)
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.tokens))

		// Sys
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)

		// Policy
		r.Post("/v1/sys/policy/{name}", s.PolicyWriteHandler)
		r.Get("/v1/sys/policy/{name}", s.PolicyReadHandler)
		r.Delete("/v1/sys/policy/{name}", s.PolicyDeleteHandler)
		r.Get("/v1/sys/policy", s.PolicyListHandler)

		// Token auth
		r.Post("/v1/auth/token/create", s.TokenCreateHandler)
		r.Post("/v1/auth/token/revoke", s.TokenRevokeHandler)
		r.Get("/v1/auth/token/lookup-self", s.TokenLookupSelfHandler)

		// Approval workflow
		r.Post("/v1/approvals", s.SubmitHandler)
		r.Get("/v1/approvals", s.ListApprovalsHandler)
		r.Get("/v1/approvals/{id}", s.GetApprovalHandler)
		r.Get("/v1/approvals/{id}/diff", s.DiffHandler)
		r.Post("/v1/approvals/{id}/votes", s.VoteHandler)
		r.Post("/v1/approvals/{id}/merge", s.MergeHandler)

		// Live secrets (read-only)
		r.Get("/v1/workspaces/{workspace}/environments/{environment}/secrets", s.ListSecretsHandler)
		r.Get("/v1/secrets/{id}", s.GetSecretHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
