// Package httpapi exposes the service over HTTP: transaction intake,
// webhook subscription management, the operator surface, health, and
// metrics. Handlers stay thin; everything meaningful lives in the services.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/exquy/txrecover/admin"
	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/metrics"
	"github.com/exquy/txrecover/transaction"
	"github.com/exquy/txrecover/webhook"
)

// HealthCheck reports readiness of a named dependency.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP front of the service.
type Server struct {
	transactions *transaction.Service
	registry     *webhook.Registry
	engine       *webhook.Engine
	admin        *admin.Service
	metrics      *metrics.Metrics
	clock        core.Clock
	logger       core.Logger
	cfg          core.HTTPConfig
	checks       map[string]HealthCheck

	srv *http.Server
}

func NewServer(
	transactions *transaction.Service,
	registry *webhook.Registry,
	engine *webhook.Engine,
	adminSvc *admin.Service,
	m *metrics.Metrics,
	clock core.Clock,
	logger core.Logger,
	cfg core.HTTPConfig,
	checks map[string]HealthCheck,
) *Server {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Server{
		transactions: transactions,
		registry:     registry,
		engine:       engine,
		admin:        adminSvc,
		metrics:      m,
		clock:        clock,
		logger:       logger,
		cfg:          cfg,
		checks:       checks,
	}
}

// Router assembles the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Route("/api/transactions", func(r chi.Router) {
		r.Post("/", s.processTransaction)
		r.Get("/", s.searchTransactions)
		r.Get("/{id}", s.getTransaction)
		r.Get("/{id}/history", s.getTransactionHistory)
		r.Post("/{id}/retry", s.retryTransaction)
	})

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Post("/", s.registerWebhook)
		r.Get("/", s.listWebhooks)
		r.Post("/acknowledge", s.acknowledgeDelivery)
		r.Post("/deliveries/{id}/retry", s.retryDelivery)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getWebhook)
			r.Put("/", s.updateWebhook)
			r.Delete("/", s.deleteWebhook)
			r.Post("/test", s.testWebhook)
			r.Get("/deliveries", s.listDeliveries)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/monitor/run", s.runMonitor)
		r.Post("/reconciliation/run", s.runReconciliation)
		r.Post("/transactions/{id}/resolve", s.resolveTransaction)
		r.Get("/metrics", s.systemMetrics)
		r.Get("/anomalies", s.anomalies)
		r.Get("/scheduler/status", s.schedulerStatus)
	})

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Start begins serving on the configured port. Blocks until the listener
// closes.
func (s *Server) Start(port int) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"addr": s.srv.Addr,
	})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			components[name] = "DOWN"
			healthy = false
			continue
		}
		components[name] = "UP"
	}
	status := "UP"
	code := http.StatusOK
	if !healthy {
		status = "DOWN"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
		"timestamp":  s.clock.Now(),
	})
}
