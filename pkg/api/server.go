package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/dispatcher"
	"github.com/cuemby/colony/pkg/enroll"
	"github.com/cuemby/colony/pkg/hub"
	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/security"
)

// Server serves the admin REST API
type Server struct {
	jobs     *jobs.Service
	registry *registry.Registry
	machine  *dispatcher.Machine
	enroll   *enroll.Service
	tokens   *security.BootstrapTokens
	creds    *security.CredentialStore
	hub      *hub.Hub
	logger   zerolog.Logger

	httpServer *http.Server
}

// NewServer creates the REST server listening on addr
func NewServer(addr string, jobSvc *jobs.Service, reg *registry.Registry, machine *dispatcher.Machine,
	enrollSvc *enroll.Service, tokens *security.BootstrapTokens, creds *security.CredentialStore, h *hub.Hub) *Server {
	s := &Server{
		jobs:     jobSvc,
		registry: reg,
		machine:  machine,
		enroll:   enrollSvc,
		tokens:   tokens,
		creds:    creds,
		hub:      h,
		logger:   log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, exposed for httptest
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/history", s.handleJobHistory)
		r.Get("/jobs/{id}/output", s.handleJobOutput)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/deadletters", s.handleListDeadLetters)

		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Get("/agents/{id}/state", s.handleAgentState)

		r.Get("/enrollments", s.handleListEnrollments)
		r.Get("/enrollments/{id}", s.handleGetEnrollment)
		r.Post("/enrollments/{id}/approve", s.handleApproveEnrollment)
		r.Post("/enrollments/{id}/reject", s.handleRejectEnrollment)

		r.Get("/token", s.handleGetToken)
		r.Post("/token", s.handleRegenerateToken)
		r.Patch("/token", s.handleUpdateToken)

		r.Get("/certificates", s.handleListCertificates)
		r.Post("/certificates/{nodeID}/revoke", s.handleRevokeCertificate)
		r.Get("/revocations", s.handleListRevocations)
	})
	return r
}

// observe records per-request metrics and an access log line
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := strconv.Itoa(ww.Status())
		metrics.APIRequestsTotal.WithLabelValues(r.Method, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// Start blocks serving the API
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("rest api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
