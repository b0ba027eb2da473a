// Package server provides the HTTP server setup and wiring.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veriflow/veriflow/internal/auth"
	"github.com/veriflow/veriflow/internal/config"
	eventsTransport "github.com/veriflow/veriflow/internal/events/transport"
	ledgerDomain "github.com/veriflow/veriflow/internal/ledger/domain"
	ledgerTransport "github.com/veriflow/veriflow/internal/ledger/transport"
	marketDomain "github.com/veriflow/veriflow/internal/marketplace/domain"
	marketTransport "github.com/veriflow/veriflow/internal/marketplace/transport"
	"github.com/veriflow/veriflow/internal/middleware/logging"
	"github.com/veriflow/veriflow/internal/middleware/ratelimit"
	"github.com/veriflow/veriflow/internal/middleware/realip"
	"github.com/veriflow/veriflow/internal/middleware/security"
	"github.com/veriflow/veriflow/internal/observability/metrics"
	paymentsDomain "github.com/veriflow/veriflow/internal/payments/domain"
	paymentsTransport "github.com/veriflow/veriflow/internal/payments/transport"
	"github.com/veriflow/veriflow/internal/storage"
	verificationDomain "github.com/veriflow/veriflow/internal/verification/domain"
	verificationTransport "github.com/veriflow/veriflow/internal/verification/transport"
)

// Version is reported by the health endpoint. Set by main at startup.
var Version = "dev"

// Server is the HTTP server
type Server struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger
	router *chi.Mux

	ledgerSvc       ledgerDomain.Service
	marketSvc       marketDomain.Service
	paymentsSvc     paymentsDomain.Service
	verificationSvc verificationDomain.Service
}

// New creates a new server
func New(cfg *config.Config, store storage.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
		router: chi.NewRouter(),
	}

	// Create domain services
	ledgerImpl := ledgerDomain.NewService(store, cfg.Ledger.MintRate, cfg.Ledger.InitialSupply, cfg.Ledger.Treasury)
	s.ledgerSvc = ledgerDomain.LoggingMiddleware(logger)(ledgerImpl)
	s.marketSvc = marketDomain.NewService(store, cfg.Ledger.Marketplace, cfg.Ledger.Treasury)
	s.paymentsSvc = paymentsDomain.NewService(store, cfg.Ledger.Payments, cfg.Ledger.Treasury)
	s.verificationSvc = verificationDomain.NewService(store, cfg.Ledger.Verification)

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Ledger returns the wired ledger service. The server owns bootstrapping
// the initial supply before it starts serving traffic.
func (s *Server) Ledger() ledgerDomain.Service {
	return s.ledgerSvc
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// MetricsHandler returns the metrics HTTP handler for separate metrics server
func (s *Server) MetricsHandler() http.Handler {
	return metrics.Handler()
}

func (s *Server) setupMiddleware() {
	// Order matters! Security middleware runs first to block malicious requests early.

	// 1. Real IP extraction (must be first to set client IP for other middleware)
	s.router.Use(realip.Middleware(realip.Config{
		TrustProxy:     s.cfg.Proxy.TrustProxy,
		TrustedProxies: s.cfg.Proxy.TrustedProxies,
	}))

	// 2. Security filter (blocks malicious patterns, bypasses health checks)
	s.router.Use(security.FilterMiddleware(s.cfg.Security.FilterEnabled))

	// 3. Body size limit
	s.router.Use(security.MaxBodySizeMiddleware(s.cfg.Security.MaxBodySizeMB))

	// 4. Rate limiting (bypasses health checks)
	s.router.Use(ratelimit.Middleware(ratelimit.Config{
		Enabled:        s.cfg.RateLimit.Enabled,
		RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
		BurstSize:      s.cfg.RateLimit.BurstSize,
		CleanupMinutes: s.cfg.RateLimit.CleanupMinutes,
	}))

	// 5. Standard middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	// 6. CORS
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func (s *Server) setupRoutes() {
	// Health checks
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)

	// Create HTTP handlers for each domain
	ledgerHandler := ledgerTransport.NewHandler(s.ledgerSvc)
	marketHandler := marketTransport.NewHandler(s.marketSvc)
	paymentsHandler := paymentsTransport.NewHandler(s.paymentsSvc)
	verificationHandler := verificationTransport.NewHandler(s.verificationSvc)
	eventsHandler := eventsTransport.NewHandler(s.store)

	// Auth middleware for write operations. Every mutating route needs a
	// caller address, so auth is always on for writes.
	requireAuth := func(r chi.Router) {
		r.Use(auth.Middleware(s.store, writeError))
	}

	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/ledger", func(r chi.Router) {
			ledgerHandler.RegisterReadRoutes(r)
			r.Group(func(r chi.Router) {
				requireAuth(r)
				ledgerHandler.RegisterWriteRoutes(r)
			})
		})

		r.Route("/market", func(r chi.Router) {
			marketHandler.RegisterReadRoutes(r)
			r.Group(func(r chi.Router) {
				requireAuth(r)
				marketHandler.RegisterWriteRoutes(r)
			})
		})

		r.Route("/payments", func(r chi.Router) {
			paymentsHandler.RegisterReadRoutes(r)
			r.Group(func(r chi.Router) {
				requireAuth(r)
				paymentsHandler.RegisterWriteRoutes(r)
			})
		})

		r.Route("/verification", func(r chi.Router) {
			verificationHandler.RegisterReadRoutes(r)
			r.Group(func(r chi.Router) {
				requireAuth(r)
				verificationHandler.RegisterWriteRoutes(r)
			})
		})

		// Event feed - read only (no auth)
		r.Route("/events", func(r chi.Router) {
			eventsHandler.RegisterReadRoutes(r)
		})
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// handleReady reports readiness, including storage reachability.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ledgerSvc.TotalSupply(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "Storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
