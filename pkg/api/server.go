// Package api exposes the control plane over HTTP: the side-car ingestion
// endpoints, the admin group surface, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/cloud"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/report"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

// ServerConfig contains the HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string

	// AuthToken, when set, is required as a bearer token on the side-car
	// and admin endpoints. Health and metrics stay open.
	AuthToken string

	// RetryStrategy bounds the cloud enumeration behind the report endpoint.
	RetryStrategy cloud.RetryStrategy

	// Seeds are re-applied by POST /groups/reset.
	Seeds []*model.InstanceGroup

	Logger *zap.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	server      *http.Server
	logger      *zap.Logger
	tracker     *tracker.InstanceTracker
	groups      *groups.Manager
	shutdowns   *shutdown.Manager
	reconfigure *shutdown.ReconfigureManager
	reporter    *report.Reporter
	audit       *audit.Manager
	scaling     *cloud.ScalingManager
	strategy    cloud.RetryStrategy
	seeds       []*model.InstanceGroup
	authToken   string
}

// NewServer creates the HTTP server with all routes registered.
func NewServer(
	config ServerConfig,
	t *tracker.InstanceTracker,
	g *groups.Manager,
	sm *shutdown.Manager,
	rm *shutdown.ReconfigureManager,
	reporter *report.Reporter,
	a *audit.Manager,
	scaling *cloud.ScalingManager,
) *Server {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	s := &Server{
		logger:      config.Logger.Named("api"),
		tracker:     t,
		groups:      g,
		shutdowns:   sm,
		reconfigure: rm,
		reporter:    reporter,
		audit:       a,
		scaling:     scaling,
		strategy:    config.RetryStrategy,
		seeds:       config.Seeds,
		authToken:   config.AuthToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.authenticated(s.handleStats))
	mux.HandleFunc("/status", s.authenticated(s.handleStatus))
	mux.HandleFunc("/poll", s.authenticated(s.handlePoll))
	mux.HandleFunc("/groups", s.authenticated(s.handleGroups))
	mux.HandleFunc("/groups/", s.authenticated(s.handleGroupSubtree))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until the context is canceled, then drains gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting api server", zap.String("addr", s.server.Addr))

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	if s.authToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
	}
}

// writeError maps the error kinds onto HTTP statuses. Admin endpoints fail
// closed; side-car endpoints never call this.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apierr.IsNotFound(err):
		status = http.StatusNotFound
	case apierr.IsValidation(err):
		status = http.StatusBadRequest
	case apierr.IsThrottled(err):
		status = http.StatusTooManyRequests
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
