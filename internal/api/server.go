package api

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/org/agentwarden/internal/acl"
	"github.com/org/agentwarden/internal/events"
	"github.com/org/agentwarden/internal/policy"
	"github.com/org/agentwarden/internal/resource"
	"github.com/org/agentwarden/internal/storage"
	"github.com/org/agentwarden/internal/trash"
	"github.com/org/agentwarden/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	AdminToken  string

	// CORSOrigins and WSOriginPatterns may be empty.
	CORSOrigins      []string
	WSOriginPatterns []string

	RateLimitRPS   int
	RateLimitBurst int
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	Record(ctx context.Context, entry *models.AuditEntry)
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Deps are the components the HTTP surface fronts. Events may be nil, which
// disables the stream endpoint.
type Deps struct {
	Policies *policy.Store
	Engine   *acl.Engine
	Governor *resource.Governor
	Trash    *trash.Store
	Audit    AuditLogger
	Events   *events.Hub
}

// Server is the API server.
type Server struct {
	policies *policy.Store
	engine   *acl.Engine
	governor *resource.Governor
	trash    *trash.Store
	auditor  AuditLogger
	hub      *events.Hub

	adminDigest [sha256.Size]byte
	cfg         Config
	httpSrv     *http.Server
}

// NewServer creates a Server over already wired components.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}
	return &Server{
		policies:    deps.Policies,
		engine:      deps.Engine,
		governor:    deps.Governor,
		trash:       deps.Trash,
		auditor:     deps.Audit,
		hub:         deps.Events,
		adminDigest: sha256.Sum256([]byte(cfg.AdminToken)),
		cfg:         cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", adminTokenHeader, actorHeader},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
	r.Use(auditMiddleware(s.auditor))

	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	// Task-submission layer.
	r.Route("/v1/gate", func(r chi.Router) {
		r.Post("/evaluate", s.GateEvaluateHandler)
		r.Post("/admit", s.GateAdmitHandler)
		r.Post("/confirmations", s.GateRequestConfirmationHandler)
		r.Get("/confirmations/{id}/wait", s.GateWaitHandler)
	})

	// Administrative surface.
	r.Group(func(r chi.Router) {
		r.Use(adminMiddleware(s.adminDigest))

		r.Get("/v1/acl/pending", s.PendingHandler)
		r.Get("/v1/acl/confirmations/{id}", s.ConfirmationHandler)
		r.Post("/v1/acl/confirm", s.ConfirmHandler)
		r.Get("/v1/acl/stream", s.StreamHandler)

		r.Get("/v1/trash", s.TrashListHandler)
		r.Post("/v1/trash", s.TrashMoveHandler)
		r.Get("/v1/trash/{id}", s.TrashGetHandler)
		r.Post("/v1/trash/{id}/restore", s.TrashRestoreHandler)
		r.Post("/v1/trash/empty", s.TrashEmptyHandler)

		r.Get("/v1/resource/limits", s.LimitsHandler)
		r.Post("/v1/resource/update", s.UpdateAllocationHandler)

		r.Get("/v1/sys/policy", s.PolicyReadHandler)
		r.Post("/v1/sys/policy/reload", s.PolicyReloadHandler)
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.BuildRouter(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: confirmation waits and the event stream hold
		// responses open; both are bounded by their handlers.
		IdleTimeout: 60 * time.Second,
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
