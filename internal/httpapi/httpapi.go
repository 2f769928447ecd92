// Package httpapi exposes read-only HTTP endpoints over the Store:
// health, Prometheus metrics, and execution/step status lookups for
// operators and dashboards. The mux pairs a promhttp.Handler with a JSON
// /health handler and wraps the dispatcher in otelhttp, mirroring how
// the gRPC surface is instrumented with otelgrpc.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/store"
)

// Server wires the read-only HTTP surface over a Store.
type Server struct {
	store          store.Store
	logger         *zap.Logger
	serviceName    string
	serviceVersion string
}

// New constructs the HTTP mux. Callers wrap the returned handler in an
// *http.Server themselves via an explicit http.Server{Addr, Handler}
// construction.
func New(s store.Store, logger *zap.Logger, serviceName, serviceVersion string) http.Handler {
	srv := &Server{store: s, logger: logger, serviceName: serviceName, serviceVersion: serviceVersion}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", srv.handleHealth)
	mux.Handle("/executions/", otelhttp.NewHandler(http.HandlerFunc(srv.handleExecutions), "httpapi.executions"))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.HealthCheck(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"service":   s.serviceName,
		"version":   s.serviceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleExecutions dispatches GET /executions/{id} and
// GET /executions/{id}/steps, straight off the Store — this never
// touches the step runner's in-process cache, since the Store remains
// the cross-process source of truth.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if hasStepsSuffix(r.URL.Path) {
		s.handleExecutionSteps(w, r)
		return
	}

	id := executionIDFromPath(r.URL.Path, "/executions/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	exec, err := s.store.FindExecutionByID(r.Context(), id)
	if err == store.ErrNotFound {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Warn("httpapi: find execution failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(exec)
}

// handleExecutionSteps serves GET /executions/{id}/steps with every
// step row recorded for that execution, in program order.
func (s *Server) handleExecutionSteps(w http.ResponseWriter, r *http.Request) {
	if !hasStepsSuffix(r.URL.Path) {
		return
	}
	id := executionIDFromPath(r.URL.Path, "/executions/")
	id = trimStepsSuffix(id)
	if id == "" {
		http.NotFound(w, r)
		return
	}

	steps, err := s.store.FindStepsByExecution(r.Context(), id)
	if err != nil {
		s.logger.Warn("httpapi: find steps failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(steps)
}

func executionIDFromPath(path, prefix string) string {
	if len(path) <= len(prefix) {
		return ""
	}
	return path[len(prefix):]
}

func hasStepsSuffix(path string) bool {
	const suffix = "/steps"
	return len(path) > len(suffix) && path[len(path)-len(suffix):] == suffix
}

func trimStepsSuffix(id string) string {
	const suffix = "/steps"
	if len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix {
		return id[:len(id)-len(suffix)]
	}
	return id
}
